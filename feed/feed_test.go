package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedDeliversInOrder(t *testing.T) {
	require := require.New(t)
	f := New[int]()
	a := f.Subscribe()
	b := f.Subscribe()
	for i := 0; i < 100; i++ {
		f.Publish(i)
	}
	ctx := context.Background()
	for _, s := range []*Subscription[int]{a, b} {
		for i := 0; i < 100; i++ {
			v, err := s.Next(ctx)
			require.Nil(err)
			require.Equal(i, v)
		}
	}
}

func TestFeedSubscribeOnlySeesLaterItems(t *testing.T) {
	require := require.New(t)
	f := New[string]()
	f.Publish("early")
	s := f.Subscribe()
	f.Publish("late")
	v, err := s.Next(context.Background())
	require.Nil(err)
	require.Equal("late", v)
	require.Equal(0, s.Len())
}

func TestNextWaitsForPublish(t *testing.T) {
	require := require.New(t)
	f := New[int]()
	s := f.Subscribe()
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Publish(7)
	}()
	v, err := s.Next(context.Background())
	require.Nil(err)
	require.Equal(7, v)
}

func TestNextHonorsContext(t *testing.T) {
	require := require.New(t)
	s := New[int]().Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.True(errors.Is(err, context.DeadlineExceeded))
}

func TestCloseDrainsThenEnds(t *testing.T) {
	require := require.New(t)
	f := New[int]()
	s := f.Subscribe()
	f.Publish(1)
	f.Close()
	f.Publish(2)

	v, err := s.Next(context.Background())
	require.Nil(err)
	require.Equal(1, v)
	_, err = s.Next(context.Background())
	require.True(errors.Is(err, ErrClosed))
	require.True(errors.Is(mustErr(f.Subscribe().Next(context.Background())), ErrClosed))
}

func TestSubscriptionClose(t *testing.T) {
	require := require.New(t)
	f := New[int]()
	s := f.Subscribe()
	f.Publish(1)
	s.Close()
	require.Equal(0, f.Subscribers())
	_, err := s.Next(context.Background())
	require.True(errors.Is(err, ErrClosed))
}

func mustErr(_ int, err error) error {
	return err
}

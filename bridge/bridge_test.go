package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/feed"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/metrics"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	lock   sync.Mutex
	calls  int
	seen   []string
	failOn map[int]bool
	got    chan struct{}
}

func (r *recordingSink) Handle(_ context.Context, item string) error {
	r.lock.Lock()
	r.calls++
	call := r.calls
	r.lock.Unlock()
	defer func() { r.got <- struct{}{} }()

	if r.failOn[call] {
		return errors.New("sink unavailable")
	}
	r.lock.Lock()
	r.seen = append(r.seen, item)
	r.lock.Unlock()
	return nil
}

func waitCalls(t *testing.T, ch chan struct{}, n int) {
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d calls", i, n)
		}
	}
}

func TestFailingSinkKeepsReceiving(t *testing.T) {
	require := require.New(t)
	log := test.NewTestConfig().Logger("bridge_test")
	f := feed.New[string]()
	sink := &recordingSink{failOn: map[int]bool{1: true}, got: make(chan struct{}, 3)}

	task := Start[string](context.Background(), log, metrics.NewCollector(nil), "room_keys", f.Subscribe(), sink)
	f.Publish("first")
	f.Publish("second")
	f.Publish("third")
	waitCalls(t, sink.got, 3)

	task.Stop()
	task.Wait()
	require.Equal([]string{"second", "third"}, sink.seen)
}

func TestPanickingSinkKeepsReceiving(t *testing.T) {
	require := require.New(t)
	log := test.NewTestConfig().Logger("bridge_test")
	f := feed.New[int]()
	got := make(chan int, 2)
	task := Start[int](context.Background(), log, nil, "devices", f.Subscribe(), SinkFunc[int](func(_ context.Context, i int) error {
		got <- i
		if i == 1 {
			panic("bad item")
		}
		return nil
	}))
	f.Publish(1)
	f.Publish(2)
	require.Equal(1, <-got)
	require.Equal(2, <-got)
	task.Stop()
	task.Wait()
}

func TestSinksAreIndependent(t *testing.T) {
	require := require.New(t)
	log := test.NewTestConfig().Logger("bridge_test")
	f := feed.New[string]()
	slow := make(chan struct{})
	fastGot := make(chan string, 2)

	slowTask := Start[string](context.Background(), log, nil, "slow", f.Subscribe(), SinkFunc[string](func(ctx context.Context, _ string) error {
		<-slow
		return nil
	}))
	fastTask := Start[string](context.Background(), log, nil, "fast", f.Subscribe(), SinkFunc[string](func(_ context.Context, s string) error {
		fastGot <- s
		return nil
	}))
	f.Publish("a")
	f.Publish("b")
	require.Equal("a", <-fastGot)
	require.Equal("b", <-fastGot)

	close(slow)
	slowTask.Stop()
	fastTask.Stop()
	slowTask.Wait()
	fastTask.Wait()
}

func TestStopEndsDelivery(t *testing.T) {
	require := require.New(t)
	log := test.NewTestConfig().Logger("bridge_test")
	f := feed.New[int]()
	calls := 0
	task := Start[int](context.Background(), log, nil, "secrets", f.Subscribe(), SinkFunc[int](func(context.Context, int) error {
		calls++
		return nil
	}))
	task.Stop()
	task.Wait()
	f.Publish(1)
	require.Equal(0, calls)
	require.Equal(0, f.Subscribers())
}

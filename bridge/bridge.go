// Package bridge drives a feed subscription into an external sink on its own goroutine.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/feed"
	"github.com/meow-io/go-e2ee/metrics"
	"go.uber.org/zap"
)

type Sink[T any] interface {
	Handle(ctx context.Context, item T) error
}

type SinkFunc[T any] func(ctx context.Context, item T) error

func (f SinkFunc[T]) Handle(ctx context.Context, item T) error {
	return f(ctx, item)
}

type Task struct {
	name   string
	cancel context.CancelFunc
	stop   func()
	done   chan struct{}
}

// Start delivers every item of sub to sink in order. A failing sink is logged and the task moves on.
func Start[T any](ctx context.Context, log *zap.SugaredLogger, m *metrics.Collector, name string, sub *feed.Subscription[T], sink Sink[T]) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{name: name, cancel: cancel, stop: sub.Close, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for {
			item, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, feed.ErrClosed) && !errors.Is(err, context.Canceled) {
					log.Warnf("bridge %s: stopped reading feed: %v", name, err)
				}
				return
			}
			if err := deliver(ctx, sink, item); err != nil {
				log.Warnf("bridge %s: sink failed: %v", name, err)
				if m != nil {
					m.SinkFailed(name)
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return t
}

func deliver[T any](ctx context.Context, sink Sink[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Handle(ctx, item)
}

func (t *Task) Name() string {
	return t.name
}

// Stop ends the task after any in-flight sink call returns.
func (t *Task) Stop() {
	t.stop()
	t.cancel()
}

func (t *Task) Wait() {
	<-t.done
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Package queue provides the trace bus between ingestion and the attribution workers.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue at capacity")
)

// Bus carries pending traces to workers.
type Bus interface {
	// Push appends an item to the tail of the bus.
	Push(ctx context.Context, item *Item) error

	// Pop removes the head item, waiting up to wait for one to arrive. It returns
	// ErrQueueEmpty when nothing arrived in time.
	Pop(ctx context.Context, wait time.Duration) (*Item, error)

	// Len returns the number of pending items. Used for the backpressure check.
	Len(ctx context.Context) (int, error)

	// Close releases resources. Pending items of durable buses are kept.
	Close() error
}

// Driver names a bus implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverBolt   Driver = "bolt"
	DriverRedis  Driver = "redis"
)

// signal wakes one waiting consumer.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// popWait calls try until it yields an item, wait elapses, or ctx is done.
func popWait(ctx context.Context, wait time.Duration, ready signal, closed <-chan struct{}, try func() (*Item, error)) (*Item, error) {
	item, err := try()
	if !errors.Is(err, ErrQueueEmpty) || wait <= 0 {
		return item, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return try()
		case <-closed:
			return nil, ErrQueueClosed
		case <-ready:
			item, err := try()
			if !errors.Is(err, ErrQueueEmpty) {
				return item, err
			}
		}
	}
}

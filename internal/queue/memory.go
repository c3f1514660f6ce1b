package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is a thread-safe in-memory FIFO bus.
type MemoryBus struct {
	mu       sync.Mutex
	items    []*Item
	closed   bool
	done     chan struct{}
	ready    signal
	capacity int
}

// NewMemoryBus creates a new in-memory bus. A capacity of 0 means unbounded.
func NewMemoryBus(capacity int) *MemoryBus {
	return &MemoryBus{
		items:    make([]*Item, 0),
		done:     make(chan struct{}),
		ready:    newSignal(),
		capacity: capacity,
	}
}

// Push adds an item to the tail.
func (mb *MemoryBus) Push(ctx context.Context, item *Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return ErrQueueClosed
	}
	if mb.capacity > 0 && len(mb.items) >= mb.capacity {
		return ErrQueueFull
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	mb.items = append(mb.items, item)
	mb.ready.notify()
	return nil
}

// Pop removes the head item, waiting up to wait.
func (mb *MemoryBus) Pop(ctx context.Context, wait time.Duration) (*Item, error) {
	return popWait(ctx, wait, mb.ready, mb.done, mb.tryPop)
}

func (mb *MemoryBus) tryPop() (*Item, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil, ErrQueueClosed
	}
	if len(mb.items) == 0 {
		return nil, ErrQueueEmpty
	}

	item := mb.items[0]
	mb.items[0] = nil
	mb.items = mb.items[1:]
	if len(mb.items) > 0 {
		mb.ready.notify()
	}
	return item, nil
}

// Len returns the number of pending items.
func (mb *MemoryBus) Len(context.Context) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.items), nil
}

// Clear removes all items.
func (mb *MemoryBus) Clear() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.items = make([]*Item, 0)
}

// Close closes the bus and wakes waiting consumers.
func (mb *MemoryBus) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if !mb.closed {
		mb.closed = true
		close(mb.done)
	}
	return nil
}

package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPending = []byte("pending")

// BoltBus is a disk-backed FIFO bus using BoltDB. Pending items survive restarts.
type BoltBus struct {
	mu     sync.Mutex
	db     *bolt.DB
	closed bool
	done   chan struct{}
	ready  signal
	dbPath string
}

// NewBoltBus opens or creates a durable bus at dbPath.
func NewBoltBus(dbPath string) (*BoltBus, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltBus{
		db:     db,
		done:   make(chan struct{}),
		ready:  newSignal(),
		dbPath: dbPath,
	}, nil
}

// Push persists an item under the next sequence number.
func (bb *BoltBus) Push(ctx context.Context, item *Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bb.isClosed() {
		return ErrQueueClosed
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	data, err := item.Encode()
	if err != nil {
		return err
	}

	err = bb.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(binary.BigEndian.AppendUint64(nil, seq), data)
	})
	if err != nil {
		return err
	}

	bb.ready.notify()
	return nil
}

// Pop removes the lowest-sequence item, waiting up to wait.
func (bb *BoltBus) Pop(ctx context.Context, wait time.Duration) (*Item, error) {
	return popWait(ctx, wait, bb.ready, bb.done, bb.tryPop)
}

func (bb *BoltBus) tryPop() (*Item, error) {
	if bb.isClosed() {
		return nil, ErrQueueClosed
	}

	var (
		item      *Item
		decodeErr error
		empty     bool
	)
	err := bb.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		k, v := c.First()
		if k == nil {
			empty = true
			return nil
		}
		item, decodeErr = Decode(v)
		return c.Delete()
	})
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, ErrQueueEmpty
	}
	// Undecodable items are dropped rather than blocking the head of the bus.
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode pending item: %w", decodeErr)
	}
	return item, nil
}

// Len returns the number of pending items.
func (bb *BoltBus) Len(context.Context) (int, error) {
	var count int
	err := bb.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return count, err
}

// Path returns the database file path.
func (bb *BoltBus) Path() string {
	return bb.dbPath
}

// Close closes the bus and its database.
func (bb *BoltBus) Close() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	if bb.closed {
		return nil
	}
	bb.closed = true
	close(bb.done)
	return bb.db.Close()
}

func (bb *BoltBus) isClosed() bool {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.closed
}

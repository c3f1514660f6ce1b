package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list that holds pending traces.
const DefaultRedisKey = "specwatch:traces:pending"

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password,omitempty"`
	DB           int           `yaml:"db" json:"db"`
	Key          string        `yaml:"key" json:"key"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// RedisBus is a FIFO bus on a Redis list: RPUSH to enqueue, LPOP/BLPOP to dequeue and
// LLEN for the backlog.
type RedisBus struct {
	client *redis.Client
	key    string
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBusFromClient(client, opts.Key), nil
}

// NewRedisBusFromClient wraps an existing client. An empty key selects DefaultRedisKey.
func NewRedisBusFromClient(client *redis.Client, key string) *RedisBus {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBus{client: client, key: key}
}

// Push appends an item to the list.
func (rb *RedisBus) Push(ctx context.Context, item *Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	data, err := item.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	return rb.client.RPush(ctx, rb.key, data).Err()
}

// Pop removes the head of the list. A positive wait blocks with BLPOP; Redis timeouts have
// one-second granularity on older servers, so short waits may round up.
func (rb *RedisBus) Pop(ctx context.Context, wait time.Duration) (*Item, error) {
	var (
		data string
		err  error
	)
	if wait > 0 {
		var res []string
		res, err = rb.client.BLPop(ctx, wait, rb.key).Result()
		if err == nil && len(res) == 2 {
			data = res[1]
		}
	} else {
		data, err = rb.client.LPop(ctx, rb.key).Result()
	}

	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrQueueClosed
		}
		return nil, err
	}

	item, err := Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item, nil
}

// Len returns the list length.
func (rb *RedisBus) Len(ctx context.Context) (int, error) {
	n, err := rb.client.LLen(ctx, rb.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the client.
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

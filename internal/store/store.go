// Package store persists endpoints, specs, traces, alerts and aggregates in BoltDB.
//
// Every mutation runs inside a single read-write transaction. BoltDB admits one writer at
// a time, so a resolution and the merge it produces are serializable with respect to every
// other (host, method) resolution, and a failed operation leaves no partial writes.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	drifterrors "github.com/PentesterFlow/SpecWatch/internal/errors"
)

var (
	bucketEndpoints     = []byte("endpoints")
	bucketEndpointIndex = []byte("endpoints_by_host_method")
	bucketSpecs         = []byte("specs")
	bucketTraces        = []byte("traces")
	bucketTraceIndex    = []byte("traces_by_endpoint")
	bucketDataFields    = []byte("data_fields")
	bucketAlerts        = []byte("alerts")
	bucketAlertIndex    = []byte("alerts_by_endpoint")
	bucketFingerprints  = []byte("alert_fingerprints")
	bucketAggregates    = []byte("aggregates")

	allBuckets = [][]byte{
		bucketEndpoints, bucketEndpointIndex, bucketSpecs, bucketTraces, bucketTraceIndex,
		bucketDataFields, bucketAlerts, bucketAlertIndex, bucketFingerprints, bucketAggregates,
	}
)

const keySep = 0x00

// Options configures the database.
type Options struct {
	Timeout time.Duration
	NoSync  bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{Timeout: 5 * time.Second}
}

// Store is a BoltDB-backed persistence layer.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the database at path.
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: opts.Timeout,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a store transaction.
type Tx struct {
	tx *bolt.Tx
}

// Update runs fn in a read-write transaction. Any error from fn rolls the transaction back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return drifterrors.Categorize(err, "store_update")
	}
	err := s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return drifterrors.Categorize(err, "store_update")
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	err := s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return drifterrors.Categorize(err, "store_view")
	}
	return nil
}

// Stats holds record counts per collection.
type Stats struct {
	Endpoints  int `json:"endpoints"`
	Specs      int `json:"specs"`
	Traces     int `json:"traces"`
	DataFields int `json:"data_fields"`
	Alerts     int `json:"alerts"`
	Aggregates int `json:"aggregates"`
}

// Stats counts stored records.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.View(func(tx *Tx) error {
		st.Endpoints = tx.count(bucketEndpoints)
		st.Specs = tx.count(bucketSpecs)
		st.Traces = tx.count(bucketTraces)
		st.DataFields = tx.count(bucketDataFields)
		st.Alerts = tx.count(bucketAlerts)
		st.Aggregates = tx.count(bucketAggregates)
		return nil
	})
	return st, err
}

func (t *Tx) count(bucket []byte) int {
	return t.tx.Bucket(bucket).Stats().KeyN
}

func (t *Tx) getJSON(bucket, key []byte, v any) (bool, error) {
	data := t.tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (t *Tx) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	return t.tx.Bucket(bucket).Put(key, data)
}

// prefixKeys returns all keys under prefix, collected before any mutation.
func (t *Tx) prefixKeys(bucket, prefix []byte) [][]byte {
	var keys [][]byte
	c := t.tx.Bucket(bucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	return keys
}

// prefixEachReverse visits keys under prefix from last to first until fn returns false.
func (t *Tx) prefixEachReverse(bucket, prefix []byte, fn func(k, v []byte) bool) {
	c := t.tx.Bucket(bucket).Cursor()
	upper := upperBound(prefix)

	k, v := c.Seek(upper)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		if !fn(k, v) {
			return
		}
	}
}

func upperBound(prefix []byte) []byte {
	out := bytes.Clone(prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(keySep)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func prefixKey(parts ...string) []byte {
	return append(compositeKey(parts...), keySep)
}

func timeKey(prefix []byte, t time.Time, suffix string) []byte {
	key := make([]byte, 0, len(prefix)+8+1+len(suffix))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(t.UnixNano()))
	key = append(key, keySep)
	return append(key, suffix...)
}

func lastPart(key []byte) string {
	if i := bytes.LastIndexByte(key, keySep); i >= 0 {
		return string(key[i+1:])
	}
	return string(key)
}

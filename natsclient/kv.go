package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// KVEntry is a value read from a bucket together with the revision needed
// for compare-and-swap updates.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore wraps a JetStream KV bucket with revision-aware operations.
// Rate limit counters and processing state both live in KV buckets and
// rely on Create/Update CAS semantics for correctness under concurrency.
type KVStore struct {
	bucket jetstream.KeyValue
	name   string
}

// NewKVStore wraps an existing KV bucket
func NewKVStore(bucket jetstream.KeyValue, name string) *KVStore {
	return &KVStore{bucket: bucket, name: name}
}

// Name returns the bucket name
func (s *KVStore) Name() string {
	return s.name
}

// Status probes the bucket without reading or writing any key. A healthy
// bucket answers the status request; an unreachable server does not.
func (s *KVStore) Status(ctx context.Context) error {
	if _, err := s.bucket.Status(ctx); err != nil {
		return errors.WrapTransient(err, "KVStore", "Status",
			fmt.Sprintf("query status of %s", s.name))
	}
	return nil
}

// Get reads a key. Returns errors.ErrKeyNotFound when the key does not exist.
func (s *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get",
			fmt.Sprintf("read key %s from %s", key, s.name))
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put writes a key unconditionally
func (s *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put",
			fmt.Sprintf("write key %s to %s", key, s.name))
	}
	return rev, nil
}

// Create writes a key only if it does not already exist. Returns
// jetstream.ErrKeyExists (wrapped) when another writer got there first.
func (s *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Create(ctx, key, value)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyExists) {
			return 0, jetstream.ErrKeyExists
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create",
			fmt.Sprintf("create key %s in %s", key, s.name))
	}
	return rev, nil
}

// Update writes a key only if its current revision matches. A revision
// mismatch means a concurrent writer won; callers should re-read and retry.
func (s *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, errors.WrapTransient(err, "KVStore", "Update",
			fmt.Sprintf("update key %s in %s", key, s.name))
	}
	return rev, nil
}

// Delete removes a key
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "KVStore", "Delete",
			fmt.Sprintf("delete key %s from %s", key, s.name))
	}
	return nil
}

// Keys lists all keys in the bucket
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys",
			fmt.Sprintf("list keys in %s", s.name))
	}
	return keys, nil
}

// ErrRevisionMismatch indicates a CAS update lost to a concurrent writer
var ErrRevisionMismatch = stderrors.New("revision mismatch")

func isRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return false
}

package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"weighsplit/internal/domain"
)

// Bucket is the subset of jetstream.KeyValue used by KVStore.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// KVStore implements domain.DocumentStore on a JetStream key-value bucket.
type KVStore struct {
	bucket  Bucket
	timeout time.Duration
}

var _ domain.DocumentStore = (*KVStore)(nil)

// NewKVStore wraps bucket. Each call is bounded by timeout when it is positive.
func NewKVStore(bucket Bucket, timeout time.Duration) *KVStore {
	return &KVStore{bucket: bucket, timeout: timeout}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout > 0 {
		return context.WithTimeout(ctx, kv.timeout)
	}
	return ctx, func() {}
}

// Get implements domain.DocumentStore.
func (kv *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Put implements domain.DocumentStore.
func (kv *KVStore) Put(ctx context.Context, key string, doc []byte) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if _, err := kv.bucket.Put(ctx, key, doc); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

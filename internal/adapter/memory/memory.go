// Package memory implements an in-memory document store for development and testing.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"weighsplit/internal/domain"
)

// DB implements an in-memory document storage.
type DB struct {
	mu   sync.Mutex
	docs map[string][]byte

	puts int
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{
		docs: make(map[string][]byte),
	}
}

// Ensure interfaces are met.
var _ domain.DocumentStore = (*DB)(nil)

// Get returns a copy of the document stored under key.
func (db *DB) Get(ctx context.Context, key string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	doc, ok := db.docs[key]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return clone(doc), nil
}

// Put replaces the document stored under key.
func (db *DB) Put(ctx context.Context, key string, doc []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.docs[key] = clone(doc)
	db.puts++
	return nil
}

// Keys returns the stored keys with the given prefix, sorted.
func (db *DB) Keys(prefix string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	var keys []string
	for k := range db.docs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Puts returns how many writes the store has accepted.
func (db *DB) Puts() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.puts
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

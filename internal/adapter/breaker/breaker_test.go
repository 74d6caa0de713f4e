package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weighsplit/internal/adapter/memory"
	"weighsplit/internal/domain"
)

type flakyStore struct {
	err   error
	calls int
}

func (f *flakyStore) Get(context.Context, string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{}`), nil
}

func (f *flakyStore) Put(context.Context, string, []byte) error {
	f.calls++
	return f.err
}

func TestStore_PassesThrough(t *testing.T) {
	s := New("test", memory.New(), DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte(`{"a":1}`)))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestStore_NotFoundDoesNotTrip(t *testing.T) {
	s := New("test", memory.New(), Config{MaxFailures: 1, Timeout: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, s.State())
}

func TestStore_TripsAfterConsecutiveFailures(t *testing.T) {
	backend := &flakyStore{err: errors.New("connection refused")}
	s := New("test", backend, Config{MaxFailures: 2, Timeout: time.Minute, HalfOpenMaxRequests: 1}, nil)
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, "k", nil))
	assert.Error(t, s.Put(ctx, "k", nil))
	assert.Equal(t, gobreaker.StateOpen, s.State())

	err := s.Put(ctx, "k", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, backend.calls, "open breaker must not reach the backend")
}

// Package breaker guards a document store with a circuit breaker so a dead
// backend fails fast instead of stalling every reading.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"weighsplit/internal/domain"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("document store circuit breaker is open")

// Config holds the breaker settings.
type Config struct {
	// MaxFailures is the number of consecutive failures that trips the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// HalfOpenMaxRequests is the number of probes allowed while half-open.
	HalfOpenMaxRequests uint32
}

// DefaultConfig trips after 3 failures and probes again after 30 seconds.
func DefaultConfig() Config {
	return Config{MaxFailures: 3, Timeout: 30 * time.Second, HalfOpenMaxRequests: 1}
}

// Store wraps a DocumentStore.
type Store struct {
	next domain.DocumentStore
	cb   *gobreaker.CircuitBreaker
}

var _ domain.DocumentStore = (*Store)(nil)

// New wraps next. name identifies the breaker in logs.
func New(name string, next domain.DocumentStore, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// A missing document is an answer, not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrDocumentNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Store{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}

// Get implements domain.DocumentStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Get(ctx, key)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return res.([]byte), nil
}

// Put implements domain.DocumentStore.
func (s *Store) Put(ctx context.Context, key string, doc []byte) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Put(ctx, key, doc)
	})
	return mapErr(err)
}

func mapErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

// Package webhook implements a reading source fed by HTTP pushes.
package webhook

import (
	"context"
	"sync"

	"weighsplit/internal/domain"
)

// Source fans delivered state changes out to subscribers of the same source id
// and remembers the last state of each source.
type Source struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]domain.StateHandler
	last   map[string]string
}

// New creates an empty Source.
func New() *Source {
	return &Source{
		subs: make(map[string]map[int]domain.StateHandler),
		last: make(map[string]string),
	}
}

var _ domain.ReadingSource = (*Source)(nil)

type subscription struct {
	src  *Source
	id   string
	key  int
	once sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.src.mu.Lock()
		defer s.src.mu.Unlock()
		delete(s.src.subs[s.id], s.key)
		if len(s.src.subs[s.id]) == 0 {
			delete(s.src.subs, s.id)
		}
	})
	return nil
}

// Subscribe implements domain.ReadingSource.
func (s *Source) Subscribe(_ context.Context, sourceID string, h domain.StateHandler) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	if s.subs[sourceID] == nil {
		s.subs[sourceID] = make(map[int]domain.StateHandler)
	}
	s.subs[sourceID][s.nextID] = h
	return &subscription{src: s, id: sourceID, key: s.nextID}, nil
}

// Current implements domain.ReadingSource.
func (s *Source) Current(_ context.Context, sourceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[sourceID], nil
}

// Deliver records ev as the latest state of its source and passes it to every
// subscriber. A missing OldState is filled from the last delivered state.
// It returns the number of subscribers that received the event.
func (s *Source) Deliver(ctx context.Context, ev domain.StateChange) int {
	s.mu.Lock()
	if ev.OldState == "" {
		ev.OldState = s.last[ev.SourceID]
	}
	s.last[ev.SourceID] = ev.NewState
	handlers := make([]domain.StateHandler, 0, len(s.subs[ev.SourceID]))
	for _, h := range s.subs[ev.SourceID] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	// Handlers run outside the lock so they may unsubscribe.
	for _, h := range handlers {
		h(ctx, ev)
	}
	return len(handlers)
}

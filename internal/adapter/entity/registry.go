// Package entity renders subjects as weight sensor entities.
//
// The registry owns its state in a single goroutine; callers talk to it
// through request/reply messages, so Register returns only once the entity
// exists and its id is known.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"weighsplit/internal/domain"
)

// ErrClosed is returned once the registry has been closed.
var ErrClosed = errors.New("entity registry closed")

// ErrUnknownEntity is returned when updating or removing an unregistered entity.
var ErrUnknownEntity = errors.New("unknown entity")

const (
	deviceClass = "weight"
	stateClass  = "measurement"
)

// ChangeKind describes what happened to an entity.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Updated ChangeKind = "updated"
	Removed ChangeKind = "removed"
)

// Change is passed to the OnChange hook after each mutation.
type Change struct {
	Kind   ChangeKind
	Entity domain.Entity
}

type request struct {
	fn   func()
	done chan struct{}
}

// Registry implements domain.EntityHost and domain.EntityCatalog.
type Registry struct {
	reqs     chan request
	quit     chan struct{}
	stopped  chan struct{}
	closeOne sync.Once
	now      func() time.Time
	log      *slog.Logger
	onChange func(Change)

	// owned by the run goroutine
	entities map[string]domain.Entity
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnChange installs a hook called from the registry goroutine after every
// mutation. It must not call back into the registry.
func WithOnChange(fn func(Change)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry starts the registry goroutine. Call Close to stop it.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		reqs:     make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		now:      time.Now,
		log:      logger,
		entities: make(map[string]domain.Entity),
	}
	for _, o := range opts {
		o(r)
	}
	go r.run()
	return r
}

var (
	_ domain.EntityHost    = (*Registry)(nil)
	_ domain.EntityCatalog = (*Registry)(nil)
)

func (r *Registry) run() {
	defer close(r.stopped)
	for {
		select {
		case req := <-r.reqs:
			req.fn()
			close(req.done)
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the registry goroutine and waits for it to finish.
func (r *Registry) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case r.reqs <- req:
	case <-r.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the request always runs to completion.
	<-req.done
	return nil
}

// Close stops the registry goroutine. Pending callers get ErrClosed.
func (r *Registry) Close() {
	r.closeOne.Do(func() { close(r.quit) })
	<-r.stopped
}

// EntityID is the id a subject is rendered under.
func EntityID(subjectID string) string {
	return "sensor." + subjectID
}

func (r *Registry) render(s domain.SubjectSnapshot) domain.Entity {
	e := domain.Entity{
		EntityID:    EntityID(s.ID),
		UniqueID:    s.ID,
		Instance:    s.Instance,
		Name:        s.Name,
		Unit:        domain.WeightUnit,
		DeviceClass: deviceClass,
		StateClass:  stateClass,
		UpdatedAt:   r.now().UTC(),
		Attributes: map[string]any{
			"history":                       s.History,
			"name":                          s.Name,
			"is_multi_person_weight_sensor": true,
		},
	}
	if v, ok := s.CurrentValue(); ok {
		e.State = &v
	}
	return e
}

func (r *Registry) emit(kind ChangeKind, e domain.Entity) {
	if r.onChange != nil {
		r.onChange(Change{Kind: kind, Entity: e})
	}
}

// Register adds or replaces the entity of s and returns its id.
func (r *Registry) Register(ctx context.Context, s domain.SubjectSnapshot) (string, error) {
	e := r.render(s)
	err := r.do(ctx, func() {
		r.entities[e.EntityID] = e
		r.emit(Added, e)
	})
	if err != nil {
		return "", fmt.Errorf("register %s: %w", e.EntityID, err)
	}
	r.log.Debug("entity registered", "entity", e.EntityID)
	return e.EntityID, nil
}

// Update re-renders an already registered subject.
func (r *Registry) Update(ctx context.Context, s domain.SubjectSnapshot) error {
	e := r.render(s)
	var found bool
	err := r.do(ctx, func() {
		if _, found = r.entities[e.EntityID]; !found {
			return
		}
		r.entities[e.EntityID] = e
		r.emit(Updated, e)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", e.EntityID, err)
	}
	if !found {
		return fmt.Errorf("update %s: %w", e.EntityID, ErrUnknownEntity)
	}
	return nil
}

// Remove detaches an entity. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, entityID string) error {
	err := r.do(ctx, func() {
		e, ok := r.entities[entityID]
		if !ok {
			return
		}
		delete(r.entities, entityID)
		r.emit(Removed, e)
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", entityID, err)
	}
	return nil
}

// ListEntities returns the entities of instance sorted by id; an empty
// instance lists all of them.
func (r *Registry) ListEntities(ctx context.Context, instance string) ([]domain.Entity, error) {
	var out []domain.Entity
	err := r.do(ctx, func() {
		for _, e := range r.entities {
			if instance == "" || e.Instance == instance {
				out = append(out, e)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// GetEntity returns the entity with the given id, or nil if there is none.
func (r *Registry) GetEntity(ctx context.Context, entityID string) (*domain.Entity, error) {
	var (
		e  domain.Entity
		ok bool
	)
	err := r.do(ctx, func() {
		e, ok = r.entities[entityID]
	})
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	if !ok {
		return nil, nil
	}
	return &e, nil
}

package app

import (
	"context"

	"github.com/pkg/errors"

	"weighsplit/internal/domain"
)

// ErrEntityNotFound is returned when no entity has the requested id.
var ErrEntityNotFound = errors.New("entity not found")

// SubjectService encapsulates the read-side use cases over rendered subjects.
type SubjectService struct {
	catalog domain.EntityCatalog
}

// NewSubjectService creates a SubjectService backed by the given catalog.
func NewSubjectService(catalog domain.EntityCatalog) *SubjectService {
	return &SubjectService{catalog: catalog}
}

// List returns the entities of instance, or of every instance when it is empty.
func (s *SubjectService) List(ctx context.Context, instance string) ([]domain.Entity, error) {
	return s.catalog.ListEntities(ctx, instance)
}

// Get returns one entity.
func (s *SubjectService) Get(ctx context.Context, entityID string) (*domain.Entity, error) {
	e, err := s.catalog.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.Wrap(ErrEntityNotFound, entityID)
	}
	return e, nil
}

// Recent returns up to limit history entries of an entity, newest first.
// Values are reported as stored, in domain.WeightUnit.
func (s *SubjectService) Recent(ctx context.Context, entityID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	e, err := s.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	history, _ := e.Attributes["history"].([]domain.HistoryEntry)

	n := min(limit, len(history))
	out := make([]domain.HistoryEntry, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

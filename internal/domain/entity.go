package domain

import (
	"context"
	"time"
)

// Entity is how a subject is rendered to the outside world: a weight sensor
// with a state and extra attributes.
type Entity struct {
	EntityID    string         `json:"entityId"`
	UniqueID    string         `json:"uniqueId"`
	Instance    string         `json:"instance"`
	Name        string         `json:"name"`
	State       *float64       `json:"state"`
	Unit        string         `json:"unit"`
	DeviceClass string         `json:"deviceClass"`
	StateClass  string         `json:"stateClass"`
	Attributes  map[string]any `json:"attributes"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// EntityHost is the port to the system that renders subjects as entities.
type EntityHost interface {
	// Register attaches a new subject and returns its entity id.
	Register(ctx context.Context, s SubjectSnapshot) (string, error)
	// Update re-renders an already registered subject.
	Update(ctx context.Context, s SubjectSnapshot) error
	// Remove detaches the entity with the given id.
	Remove(ctx context.Context, entityID string) error
}

// EntityCatalog is the read side of the entity host.
type EntityCatalog interface {
	ListEntities(ctx context.Context, instance string) ([]Entity, error)
	GetEntity(ctx context.Context, entityID string) (*Entity, error)
}

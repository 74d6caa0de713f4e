package domain

import (
	"context"
	"time"
)

// Notification tells a user that a new person was detected on the scale.
type Notification struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance"`
	SubjectID string    `json:"subjectId"`
	EntityID  string    `json:"entityId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier is the port for user-facing alerts.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

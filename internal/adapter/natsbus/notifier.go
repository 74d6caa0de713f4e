package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"weighsplit/internal/domain"
)

// Notifier publishes notifications as JSON on
// NotificationSubjectPrefix + instance id.
type Notifier struct {
	bus Bus
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier on bus.
func NewNotifier(bus Bus) *Notifier {
	return &Notifier{bus: bus}
}

// NotificationSubject returns the subject notifications of instance go to.
func NotificationSubject(instance string) string {
	return NotificationSubjectPrefix + domain.Slug(instance)
}

// Notify implements domain.Notifier.
func (n *Notifier) Notify(_ context.Context, note domain.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.bus.Publish(NotificationSubject(note.Instance), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

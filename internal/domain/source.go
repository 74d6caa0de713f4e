package domain

import "context"

// StateChange is one update event of the source weight sensor.
// OldState is empty when the source had no prior state.
type StateChange struct {
	SourceID string `json:"entity_id"`
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// StateHandler receives state changes of a subscribed source.
type StateHandler func(ctx context.Context, ev StateChange)

// Subscription is a live registration on a ReadingSource.
// Unsubscribe must be idempotent.
type Subscription interface {
	Unsubscribe() error
}

// ReadingSource is the port for the external stream of source sensor states.
type ReadingSource interface {
	// Subscribe registers h for every state change of sourceID.
	Subscribe(ctx context.Context, sourceID string, h StateHandler) (Subscription, error)
	// Current returns the latest known state of sourceID, or "" when the
	// source has not reported anything yet.
	Current(ctx context.Context, sourceID string) (string, error)
}

package natsbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"weighsplit/internal/domain"
)

// Source receives source state changes published as JSON on
// StateSubjectPrefix + source id.
type Source struct {
	bus        Bus
	log        *slog.Logger
	msgTimeout time.Duration

	mu   sync.Mutex
	last map[string]string
}

var _ domain.ReadingSource = (*Source)(nil)

// NewSource creates a Source on bus.
func NewSource(bus Bus, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		bus:        bus,
		log:        logger,
		msgTimeout: 30 * time.Second,
		last:       make(map[string]string),
	}
}

// StateSubject returns the subject carrying state changes of sourceID.
func StateSubject(sourceID string) string {
	return StateSubjectPrefix + sourceID
}

type natsSubscription struct {
	once  sync.Once
	unsub func() error
	err   error
}

func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.unsub() })
	return s.err
}

// Subscribe implements domain.ReadingSource. The payload is either a
// StateChange object or a bare state string.
func (s *Source) Subscribe(ctx context.Context, sourceID string, h domain.StateHandler) (domain.Subscription, error) {
	subject := StateSubject(sourceID)
	// The subscription outlives the call that created it.
	base := context.WithoutCancel(ctx)
	unsub, err := s.bus.Subscribe(subject, func(data []byte) {
		ev, ok := s.decode(sourceID, data)
		if !ok {
			return
		}
		msgCtx, cancel := context.WithTimeout(base, s.msgTimeout)
		defer cancel()
		h(msgCtx, ev)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscribed to source", "subject", subject)
	return &natsSubscription{unsub: unsub}, nil
}

// wireChange is a StateChange whose states may be JSON strings or numbers.
type wireChange struct {
	SourceID string          `json:"entity_id"`
	OldState json.RawMessage `json:"old_state"`
	NewState json.RawMessage `json:"new_state"`
}

// stateText renders a JSON state value as the source's state string.
func stateText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	var num json.Number
	if json.Unmarshal(raw, &num) == nil {
		return num.String()
	}
	// Anything else is passed through and rejected as malformed downstream.
	return string(raw)
}

func (s *Source) decode(sourceID string, data []byte) (domain.StateChange, bool) {
	var ev domain.StateChange
	var w wireChange
	if err := json.Unmarshal(data, &w); err == nil {
		ev = domain.StateChange{
			SourceID: w.SourceID,
			OldState: stateText(w.OldState),
			NewState: stateText(w.NewState),
		}
	} else {
		// Not an object; treat the payload as the raw new state.
		var raw string
		if json.Unmarshal(data, &raw) != nil {
			raw = string(data)
		}
		ev = domain.StateChange{NewState: raw}
	}
	if ev.SourceID == "" {
		ev.SourceID = sourceID
	}
	if ev.SourceID != sourceID {
		s.log.Warn("dropping state change for another source", "expected", sourceID, "got", ev.SourceID)
		return ev, false
	}

	s.mu.Lock()
	if ev.OldState == "" {
		ev.OldState = s.last[sourceID]
	}
	s.last[sourceID] = ev.NewState
	s.mu.Unlock()
	return ev, true
}

// Current implements domain.ReadingSource with the last state seen on the bus.
func (s *Source) Current(_ context.Context, sourceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[sourceID], nil
}

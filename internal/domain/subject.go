package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrHistoryNotEmpty is returned when restoring into a subject that already
// recorded readings.
var ErrHistoryNotEmpty = errors.New("subject history is not empty")

// WeightUnit is the unit every reading and entity state is expressed in.
const WeightUnit = "kg"

// Subject is one tracked person: a stable identity plus an ordered weight history.
type Subject struct {
	id       string
	name     string
	instance string
	history  History
}

// NewSubject creates a subject from a restored identity. Its history is empty
// until Restore or RecordReading is called.
func NewSubject(instance, name string) *Subject {
	return &Subject{
		id:       SubjectID(instance, name),
		name:     name,
		instance: instance,
	}
}

// NewSubjectFromFirstReading creates a subject and records r as its first entry.
func NewSubjectFromFirstReading(instance, name string, r Reading) *Subject {
	s := NewSubject(instance, name)
	s.RecordReading(r)
	return s
}

// SubjectID derives the identifier for a subject named name that belongs to
// the instance named instance.
func SubjectID(instance, name string) string {
	return "mpws_" + Slug(instance) + "_" + Slug(name) + "_weight"
}

// Slug lowercases s and replaces every rune outside [a-z0-9] with '_'.
func Slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// ID returns the stable subject id derived from instance and name.
func (s *Subject) ID() string { return s.id }

// Name returns the display name, e.g. "Person 2".
func (s *Subject) Name() string { return s.name }

// Instance returns the name of the instance the subject belongs to.
func (s *Subject) Instance() string { return s.instance }

// RecordReading appends r to the history, making it the current value.
func (s *Subject) RecordReading(r Reading) {
	s.history.Append(HistoryEntry(r))
}

// CurrentValue returns the value of the last recorded entry. The boolean is
// false while the history is empty.
func (s *Subject) CurrentValue() (float64, bool) {
	last, ok := s.history.Last()
	if !ok {
		return 0, false
	}
	return last.Value, true
}

// History returns a copy of the recorded entries, oldest first.
func (s *Subject) History() []HistoryEntry {
	return s.history.All()
}

// Restore fills an empty history with previously persisted entries.
func (s *Subject) Restore(entries []HistoryEntry) error {
	if s.history.Len() > 0 {
		return errors.Wrapf(ErrHistoryNotEmpty, "restore %s", s.id)
	}
	for _, e := range entries {
		s.history.Append(e)
	}
	return nil
}

// SubjectSnapshot is an immutable copy of a subject handed to adapters.
type SubjectSnapshot struct {
	ID       string
	Name     string
	Instance string
	History  []HistoryEntry
}

// CurrentValue returns the last history value, if any.
func (s SubjectSnapshot) CurrentValue() (float64, bool) {
	if len(s.History) == 0 {
		return 0, false
	}
	return s.History[len(s.History)-1].Value, true
}

// Snapshot copies the subject's identity and history.
func (s *Subject) Snapshot() SubjectSnapshot {
	return SubjectSnapshot{
		ID:       s.id,
		Name:     s.name,
		Instance: s.instance,
		History:  s.history.All(),
	}
}

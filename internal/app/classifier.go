package app

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"weighsplit/internal/domain"
)

var (
	// ErrInvalidThreshold indicates a non-positive match threshold.
	ErrInvalidThreshold = errors.New("match threshold must be > 0")
	// ErrDuplicateSubject indicates a subject id already present in the roster.
	ErrDuplicateSubject = errors.New("subject already in roster")
)

// Outcome is what the classifier did with a reading.
type Outcome int

const (
	// Matched means the reading was appended to an existing subject.
	Matched Outcome = iota
	// Created means no subject matched and a new one was created.
	Created
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Created:
		return "created"
	default:
		return "unknown"
	}
}

// Result describes the effect of Process.
type Result struct {
	Outcome Outcome
	Subject *domain.Subject
	// Skipped lists subjects without a current value that could not be compared.
	Skipped []string
}

// Classifier attributes readings to subjects of one roster.
//
// Subjects are tried in creation order and the first one whose current value
// is strictly closer than the threshold wins, even if a later subject is
// closer. A Classifier is not safe for concurrent use.
type Classifier struct {
	instance  string
	threshold float64
	subjects  []*domain.Subject
	index     map[string]struct{}
}

// NewClassifier creates an empty classifier for the given instance name.
func NewClassifier(instance string, threshold float64) (*Classifier, error) {
	if !(threshold > 0) || math.IsInf(threshold, 0) {
		return nil, errors.Wrapf(ErrInvalidThreshold, "got %v", threshold)
	}
	return &Classifier{
		instance:  instance,
		threshold: threshold,
		index:     make(map[string]struct{}),
	}, nil
}

// Threshold returns the configured match threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Len returns the roster size.
func (c *Classifier) Len() int {
	return len(c.subjects)
}

// Subjects returns the roster in creation order.
func (c *Classifier) Subjects() []*domain.Subject {
	out := make([]*domain.Subject, len(c.subjects))
	copy(out, c.subjects)
	return out
}

// Adopt appends an already constructed subject, typically one rebuilt from a
// persisted roster.
func (c *Classifier) Adopt(s *domain.Subject) error {
	if _, ok := c.index[s.ID()]; ok {
		return errors.Wrapf(ErrDuplicateSubject, "adopt %s", s.ID())
	}
	c.add(s)
	return nil
}

// Process attributes r to the first matching subject or creates a new one.
func (c *Classifier) Process(r domain.Reading) (Result, error) {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return Result{}, errors.Wrapf(domain.ErrMalformedReading, "value %v", r.Value)
	}

	var skipped []string
	for _, s := range c.subjects {
		current, ok := s.CurrentValue()
		if !ok {
			skipped = append(skipped, s.ID())
			continue
		}
		if math.Abs(current-r.Value) < c.threshold {
			s.RecordReading(r)
			return Result{Outcome: Matched, Subject: s, Skipped: skipped}, nil
		}
	}

	s := domain.NewSubjectFromFirstReading(c.instance, c.nextName(), r)
	c.add(s)
	return Result{Outcome: Created, Subject: s, Skipped: skipped}, nil
}

func (c *Classifier) add(s *domain.Subject) {
	c.subjects = append(c.subjects, s)
	c.index[s.ID()] = struct{}{}
}

// nextName returns "Person N" with N = roster size + 1, bumped past any
// restored subject that already uses that name.
func (c *Classifier) nextName() string {
	for n := len(c.subjects) + 1; ; n++ {
		name := fmt.Sprintf("Person %d", n)
		if _, taken := c.index[domain.SubjectID(c.instance, name)]; !taken {
			return name
		}
	}
}

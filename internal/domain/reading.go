package domain

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedReading is returned when a reading value is not a finite decimal number.
var ErrMalformedReading = errors.New("malformed reading")

// Reading is a single timestamped weight value from the shared source.
type Reading struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEntry is the stored form of a Reading.
type HistoryEntry Reading

// ParseReading converts a raw source state into a Reading stamped with at.
func ParseReading(raw string, at time.Time) (Reading, error) {
	s := strings.TrimSpace(raw)
	if !IsKnownState(s) {
		return Reading{}, errors.Wrapf(ErrMalformedReading, "state %q carries no value", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Reading{}, errors.Wrapf(ErrMalformedReading, "parse %q", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Reading{}, errors.Wrapf(ErrMalformedReading, "non-finite value %q", raw)
	}
	return Reading{Value: v, Timestamp: at.UTC()}, nil
}

// IsKnownState reports whether a source state is a concrete value rather than
// an absent, unknown or unavailable marker.
func IsKnownState(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "", "unknown", "unavailable", "none":
		return false
	}
	return true
}

package domain

import (
	"context"
	"errors"
)

// ErrDocumentNotFound is returned by a DocumentStore when no document exists
// under the requested key.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore is the port for durable persistence of small JSON documents.
type DocumentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, doc []byte) error
}

// PersonRecord is the persisted identity of one subject in a roster.
type PersonRecord struct {
	Name string `json:"name"`
}

// SubjectState is the per-subject document restored when the subject's
// entity is re-attached.
type SubjectState struct {
	History                   []HistoryEntry `json:"history"`
	Name                      string         `json:"name"`
	IsMultiPersonWeightSensor bool           `json:"is_multi_person_weight_sensor"`
	NativeValue               *float64       `json:"native_value"`
	NativeUnitOfMeasurement   string         `json:"native_unit_of_measurement"`
}

// StateOf builds the persisted state document for a snapshot.
func StateOf(s SubjectSnapshot) SubjectState {
	st := SubjectState{
		History:                   s.History,
		Name:                      s.Name,
		IsMultiPersonWeightSensor: true,
		NativeUnitOfMeasurement:   WeightUnit,
	}
	if st.History == nil {
		st.History = []HistoryEntry{}
	}
	if v, ok := s.CurrentValue(); ok {
		st.NativeValue = &v
	}
	return st
}

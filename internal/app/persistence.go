package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"weighsplit/internal/domain"
)

// RosterVersion is the version written into roster documents.
const RosterVersion = 1

const storageDomain = "multi_person_weight_sensor"

// ErrRestoreValidation indicates a persisted subject state that does not match
// the expected shape.
var ErrRestoreValidation = errors.New("subject state failed validation")

type rosterData struct {
	Persons []domain.PersonRecord `json:"persons"`
}

type rosterDocument struct {
	Version int        `json:"version"`
	Key     string     `json:"key"`
	Data    rosterData `json:"data"`
}

// RosterKey is the document key of the roster of the named instance.
func RosterKey(instance string) string {
	return storageDomain + "." + domain.Slug(instance)
}

// SubjectStateKey is the document key of a subject's restore state.
func SubjectStateKey(subjectID string) string {
	return storageDomain + ".restore." + subjectID
}

// RosterStore persists which subjects exist in an instance and their names.
type RosterStore struct {
	docs   domain.DocumentStore
	logger *slog.Logger
}

// NewRosterStore creates a RosterStore backed by docs.
func NewRosterStore(docs domain.DocumentStore, logger *slog.Logger) *RosterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RosterStore{docs: docs, logger: logger}
}

// Load returns the persisted identities in creation order. A missing document
// yields an empty roster.
func (r *RosterStore) Load(ctx context.Context, instance string) ([]domain.PersonRecord, error) {
	key := RosterKey(instance)
	raw, err := r.docs.Get(ctx, key)
	if errors.Is(err, domain.ErrDocumentNotFound) {
		return []domain.PersonRecord{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load roster %s", key)
	}

	var doc rosterDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode roster %s", key)
	}
	if doc.Version > RosterVersion {
		r.logger.Warn("roster written by a newer version, reading best effort",
			"key", key, "version", doc.Version, "supported", RosterVersion)
	}

	out := make([]domain.PersonRecord, 0, len(doc.Data.Persons))
	for _, p := range doc.Data.Persons {
		if strings.TrimSpace(p.Name) == "" {
			r.logger.Warn("skipping roster entry without a name", "key", key)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Save replaces the roster document of instance with persons.
func (r *RosterStore) Save(ctx context.Context, instance string, persons []domain.PersonRecord) error {
	key := RosterKey(instance)
	if persons == nil {
		persons = []domain.PersonRecord{}
	}
	raw, err := json.Marshal(rosterDocument{
		Version: RosterVersion,
		Key:     key,
		Data:    rosterData{Persons: persons},
	})
	if err != nil {
		return errors.Wrapf(err, "encode roster %s", key)
	}
	if err := r.docs.Put(ctx, key, raw); err != nil {
		return errors.Wrapf(err, "save roster %s", key)
	}
	return nil
}

const subjectStateSchema = `{
  "type": "object",
  "required": ["history", "name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "is_multi_person_weight_sensor": {"type": "boolean"},
    "native_value": {"type": ["number", "null"]},
    "native_unit_of_measurement": {"type": ["string", "null"]},
    "history": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["value", "timestamp"],
        "properties": {
          "value": {"type": "number"},
          "timestamp": {"type": "string", "format": "date-time"}
        }
      }
    }
  }
}`

// SubjectStateStore persists each subject's history independently of the roster.
type SubjectStateStore struct {
	docs   domain.DocumentStore
	schema *gojsonschema.Schema
}

// NewSubjectStateStore creates a SubjectStateStore backed by docs.
func NewSubjectStateStore(docs domain.DocumentStore) (*SubjectStateStore, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(subjectStateSchema))
	if err != nil {
		return nil, errors.Wrap(err, "compile subject state schema")
	}
	return &SubjectStateStore{docs: docs, schema: schema}, nil
}

// Load returns the persisted state of subjectID, or nil when none exists.
func (s *SubjectStateStore) Load(ctx context.Context, subjectID string) (*domain.SubjectState, error) {
	key := SubjectStateKey(subjectID)
	raw, err := s.docs.Get(ctx, key)
	if errors.Is(err, domain.ErrDocumentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load subject state %s", key)
	}

	res, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.Wrapf(ErrRestoreValidation, "%s: %v", key, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, errors.Wrapf(ErrRestoreValidation, "%s: %s", key, strings.Join(msgs, "; "))
	}

	var st domain.SubjectState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, errors.Wrapf(ErrRestoreValidation, "%s: %v", key, err)
	}
	return &st, nil
}

// Save writes the state document of subjectID.
func (s *SubjectStateStore) Save(ctx context.Context, subjectID string, st domain.SubjectState) error {
	key := SubjectStateKey(subjectID)
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrapf(err, "encode subject state %s", key)
	}
	if err := s.docs.Put(ctx, key, raw); err != nil {
		return errors.Wrapf(err, "save subject state %s", key)
	}
	return nil
}

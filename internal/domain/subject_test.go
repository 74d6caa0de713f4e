package domain_test

import (
	"errors"
	"testing"
	"time"

	"weighsplit/internal/domain"
)

func reading(v float64, minute int) domain.Reading {
	return domain.Reading{Value: v, Timestamp: time.Date(2026, 1, 15, 7, minute, 0, 0, time.UTC)}
}

func TestSubjectID(t *testing.T) {
	tests := []struct {
		instance, name, want string
	}{
		{"Bathroom", "Person 1", "mpws_bathroom_person_1_weight"},
		{"Upstairs Scale", "Person 12", "mpws_upstairs_scale_person_12_weight"},
		{"Mom's scale", "Person 2", "mpws_mom_s_scale_person_2_weight"},
	}
	for _, tc := range tests {
		if got := domain.SubjectID(tc.instance, tc.name); got != tc.want {
			t.Errorf("SubjectID(%q, %q) = %q; want %q", tc.instance, tc.name, got, tc.want)
		}
	}
	if domain.SubjectID("a", "Person 1") != domain.NewSubject("a", "Person 1").ID() {
		t.Error("NewSubject id differs from SubjectID")
	}
}

func TestSubjectFromFirstReading(t *testing.T) {
	s := domain.NewSubjectFromFirstReading("Bathroom", "Person 1", reading(80, 0))

	v, ok := s.CurrentValue()
	if !ok || v != 80 {
		t.Fatalf("CurrentValue() = %v, %v; want 80, true", v, ok)
	}
	if len(s.History()) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(s.History()))
	}
}

func TestSubjectRecordReading(t *testing.T) {
	s := domain.NewSubject("Bathroom", "Person 1")
	if _, ok := s.CurrentValue(); ok {
		t.Fatal("new subject should have no current value")
	}

	for i, v := range []float64{80, 81.5, 79.9} {
		s.RecordReading(reading(v, i))
	}

	v, _ := s.CurrentValue()
	if v != 79.9 {
		t.Errorf("CurrentValue() = %v; want 79.9", v)
	}
	h := s.History()
	if len(h) != 3 || h[0].Value != 80 || h[2].Value != 79.9 {
		t.Errorf("unexpected history order: %+v", h)
	}

	// The returned history is a copy.
	h[0].Value = 1
	if s.History()[0].Value != 80 {
		t.Error("History() leaked internal storage")
	}
}

func TestSubjectRestore(t *testing.T) {
	entries := []domain.HistoryEntry{
		domain.HistoryEntry(reading(70, 0)),
		domain.HistoryEntry(reading(71, 1)),
	}

	s := domain.NewSubject("Bathroom", "Person 2")
	if err := s.Restore(entries); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if v, _ := s.CurrentValue(); v != 71 {
		t.Errorf("CurrentValue() = %v; want 71", v)
	}

	if err := s.Restore(entries); !errors.Is(err, domain.ErrHistoryNotEmpty) {
		t.Errorf("second Restore err = %v; want ErrHistoryNotEmpty", err)
	}
}

func TestStateOf(t *testing.T) {
	empty := domain.StateOf(domain.NewSubject("Bathroom", "Person 1").Snapshot())
	if empty.NativeValue != nil {
		t.Error("expected nil native value for empty history")
	}
	if empty.History == nil || !empty.IsMultiPersonWeightSensor {
		t.Errorf("unexpected state: %+v", empty)
	}

	s := domain.NewSubjectFromFirstReading("Bathroom", "Person 1", reading(64.2, 0))
	st := domain.StateOf(s.Snapshot())
	if st.NativeValue == nil || *st.NativeValue != 64.2 {
		t.Errorf("native value = %v; want 64.2", st.NativeValue)
	}
	if st.NativeUnitOfMeasurement != "kg" || st.Name != "Person 1" {
		t.Errorf("unexpected state: %+v", st)
	}
}

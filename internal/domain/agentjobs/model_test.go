package agentjobs

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusQueued, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusDone, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if Status("BOGUS").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestApplyOverwritesOptimisticState(t *testing.T) {
	h := Handle{
		EntityType: EntityCase,
		EntityID:   "42",
		JobKind:    KindCaseGenerateSummary,
		Status:     StatusNew, // optimistic local placeholder
	}

	h.Apply(Snapshot{
		EventID:   7,
		EventType: KindCaseGenerateSummary,
		Status:    StatusProcessing,
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Actor:     "agent-worker-1",
	})

	if h.EventID != 7 {
		t.Errorf("EventID = %d, want 7", h.EventID)
	}
	if h.Status != StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING", h.Status)
	}
	if h.Actor != "agent-worker-1" {
		t.Errorf("Actor = %q", h.Actor)
	}

	// Server state wins unconditionally, even "backwards".
	h.Apply(Snapshot{EventID: 7, Status: StatusQueued})
	if h.Status != StatusQueued {
		t.Errorf("authoritative snapshot did not overwrite: %s", h.Status)
	}
}

func TestApplyKeepsEventIDWhenSnapshotOmitsIt(t *testing.T) {
	h := Handle{EventID: 7, Status: StatusQueued}
	h.Apply(Snapshot{Status: StatusProcessing})
	if h.EventID != 7 {
		t.Errorf("EventID = %d, want 7", h.EventID)
	}
}

func TestApplyBoundsErrorExcerpt(t *testing.T) {
	h := Handle{}
	long := strings.Repeat("x", 500)
	h.Apply(Snapshot{EventID: 1, Status: StatusFailed, LastError: long})

	if len(h.LastError) != errorExcerptLimit {
		t.Errorf("LastError length = %d, want %d", len(h.LastError), errorExcerptLimit)
	}
}

func TestApplyErrorExcerptKeepsValidUTF8(t *testing.T) {
	// A two-byte rune straddling the excerpt limit must be dropped whole, not
	// cut mid-sequence.
	long := strings.Repeat("x", errorExcerptLimit-1) + "é" + strings.Repeat("y", 40)
	h := Handle{}
	h.Apply(Snapshot{EventID: 1, Status: StatusFailed, LastError: long})

	if !utf8.ValidString(h.LastError) {
		t.Fatalf("excerpt ends with invalid UTF-8: %q", h.LastError)
	}
	if len(h.LastError) != errorExcerptLimit-1 {
		t.Errorf("excerpt length = %d, want %d (straddling rune dropped)", len(h.LastError), errorExcerptLimit-1)
	}
}

func TestSnapshotNormalizesAlternateFieldNames(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"canonical", `{"eventId":9,"eventType":"CaseGenerateSummary","status":"DONE","updatedAt":"2026-03-01T10:00:00Z"}`},
		{"snake case", `{"event_id":9,"event_type":"CaseGenerateSummary","status":"DONE","updated_at":"2026-03-01 10:00:00"}`},
		{"bare id", `{"id":9,"eventType":"CaseGenerateSummary","status":"DONE","updatedAt":"2026-03-01T10:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var snap Snapshot
			if err := json.Unmarshal([]byte(tc.body), &snap); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if snap.EventID != 9 {
				t.Errorf("EventID = %d, want 9", snap.EventID)
			}
			if snap.EventType != KindCaseGenerateSummary {
				t.Errorf("EventType = %q", snap.EventType)
			}
			if snap.Status != StatusDone {
				t.Errorf("Status = %s", snap.Status)
			}
			if snap.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not parsed")
			}
		})
	}
}

func TestStatusResponseNullLatest(t *testing.T) {
	var sr statusResponse
	if err := json.Unmarshal([]byte(`{"latest":null}`), &sr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sr.Latest != nil {
		t.Error("null latest should decode to nil (no job history)")
	}
}

func TestHandleKey(t *testing.T) {
	h := Handle{EntityType: EntityVisit, EntityID: "v-1", JobKind: KindConsumablesUpdated}
	want := Key{EntityType: EntityVisit, EntityID: "v-1", JobKind: KindConsumablesUpdated}
	if h.Key() != want {
		t.Errorf("Key = %+v, want %+v", h.Key(), want)
	}
}

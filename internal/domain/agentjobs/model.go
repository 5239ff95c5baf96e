// Package agentjobs tracks server-side asynchronous agent jobs (AI case
// summaries, appointment automation, consumable updates) from the client. A
// job is identified by an entity and a job kind; the backend worker owns the
// outcome and the client follows it by polling.
package agentjobs

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Status is a job's lifecycle state as reported by the backend.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions are possible without a
// brand-new submission.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Entity types the agent backend operates on.
const (
	EntityCase        = "case"
	EntityAppointment = "appointment"
	EntityVisit       = "visit"
)

// Job kinds, matching the backend worker's event vocabulary.
const (
	KindCaseGenerateSummary  = "CaseGenerateSummary"
	KindAppointmentSchedule  = "AppointmentAutoScheduleRequested"
	KindAppointmentCompleted = "AppointmentCompleted"
	KindConsumablesUpdated   = "VisitConsumablesUpdated"
)

// errorExcerptLimit bounds the failure text carried on a handle for display.
const errorExcerptLimit = 160

// Key identifies one logical job per UI surface.
type Key struct {
	EntityType string
	EntityID   string
	JobKind    string
}

// Handle is the client's local record of a job's last known authoritative
// state. Before the backend assigns EventID the handle is an optimistic
// placeholder; once assigned, EventID is authoritative for this instance.
type Handle struct {
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	JobKind    string    `json:"jobKind"`
	EventID    int64     `json:"eventId,omitempty"`
	Status     Status    `json:"status"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Actor      string    `json:"actor,omitempty"`
}

// Key returns the handle's job identity.
func (h *Handle) Key() Key {
	return Key{EntityType: h.EntityType, EntityID: h.EntityID, JobKind: h.JobKind}
}

// Apply overwrites the handle with an authoritative snapshot. Server state
// always wins over local/optimistic state; nothing is merged.
func (h *Handle) Apply(snap Snapshot) {
	if snap.EventID != 0 {
		h.EventID = snap.EventID
	}
	h.Status = snap.Status
	h.LastError = errorExcerpt(snap.LastError)
	h.Actor = snap.Actor
	if !snap.UpdatedAt.IsZero() {
		h.UpdatedAt = snap.UpdatedAt
	} else {
		h.UpdatedAt = time.Now()
	}
}

// errorExcerpt truncates s to the limit, backing up so a multibyte rune is
// never cut mid-sequence.
func errorExcerpt(s string) string {
	if len(s) <= errorExcerptLimit {
		return s
	}
	cut := errorExcerptLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ---------------------------------------------------------------------------
// Wire shapes
// ---------------------------------------------------------------------------

// Snapshot is one authoritative status record from the backend.
type Snapshot struct {
	EventID   int64
	EventType string
	Status    Status
	UpdatedAt time.Time
	LastError string
	Actor     string
}

// snapshotJSON is the canonical wire schema for a snapshot. Older backend
// branches spell some fields differently, so each known spelling is an
// explicit optional field normalized in UnmarshalJSON.
type snapshotJSON struct {
	EventID      *int64  `json:"eventId"`
	EventIDSnake *int64  `json:"event_id"`
	ID           *int64  `json:"id"`
	EventType    string  `json:"eventType"`
	EventTypeAlt string  `json:"event_type"`
	Status       string  `json:"status"`
	UpdatedAt    string  `json:"updatedAt"`
	UpdatedAtAlt string  `json:"updated_at"`
	LastError    string  `json:"lastError"`
	LastErrorAlt *string `json:"last_error"`
	Actor        string  `json:"actor"`
}

// UnmarshalJSON normalizes the loose wire shape into the canonical Snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.EventID != nil:
		s.EventID = *raw.EventID
	case raw.EventIDSnake != nil:
		s.EventID = *raw.EventIDSnake
	case raw.ID != nil:
		s.EventID = *raw.ID
	}

	s.EventType = raw.EventType
	if s.EventType == "" {
		s.EventType = raw.EventTypeAlt
	}
	s.Status = Status(raw.Status)
	s.LastError = raw.LastError
	if s.LastError == "" && raw.LastErrorAlt != nil {
		s.LastError = *raw.LastErrorAlt
	}
	s.Actor = raw.Actor

	ts := raw.UpdatedAt
	if ts == "" {
		ts = raw.UpdatedAtAlt
	}
	s.UpdatedAt = parseTimestamp(ts)
	return nil
}

// MarshalJSON emits the canonical spelling only.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"eventId":   s.EventID,
		"eventType": s.EventType,
		"status":    string(s.Status),
	}
	if !s.UpdatedAt.IsZero() {
		out["updatedAt"] = s.UpdatedAt.Format(time.RFC3339)
	}
	if s.LastError != "" {
		out["lastError"] = s.LastError
	}
	if s.Actor != "" {
		out["actor"] = s.Actor
	}
	return json.Marshal(out)
}

// timestampLayouts are the formats the backend has been seen to emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// statusResponse is the status-query response; Latest is nil when the entity
// has no job history.
type statusResponse struct {
	Latest *Snapshot `json:"latest"`
}

// submitResponse is the success body of a job submission.
type submitResponse struct {
	EventID      int64 `json:"eventId"`
	EventIDSnake int64 `json:"event_id"`
}

func (r submitResponse) id() int64 {
	if r.EventID != 0 {
		return r.EventID
	}
	return r.EventIDSnake
}

// conflictResponse is the 409 body: the already-active equivalent job.
type conflictResponse struct {
	Existing Snapshot `json:"existing"`
}

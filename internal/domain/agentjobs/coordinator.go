package agentjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentaldesk/dentaldesk/internal/platform/gateway"
)

// Coordinator submits agent jobs and reads their authoritative status. Submit
// is idempotent: while an equivalent job is in flight, a second submission
// converges on the existing job instead of creating another.
type Coordinator struct {
	gw     *gateway.Gateway
	logger zerolog.Logger
}

// NewCoordinator creates a Coordinator over the given gateway.
func NewCoordinator(gw *gateway.Gateway, logger zerolog.Logger) *Coordinator {
	return &Coordinator{gw: gw, logger: logger}
}

// Submit issues one creation request for (entityType, entityID, jobKind).
//
// On 2xx the backend assigns the eventId and the returned handle is QUEUED.
// On 409 an equivalent job is already active; the existing job's eventId and
// status from the response are adopted as the active handle rather than
// surfaced as an error, so concurrent submitters (double click, second tab)
// all converge on the one true in-flight job. Any other failure returns no
// handle.
func (c *Coordinator) Submit(ctx context.Context, entityType, entityID, jobKind string, payload any) (*Handle, error) {
	resp, err := c.gw.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   submitPath(entityType, entityID, jobKind),
		Body:   payload,
	})
	if err != nil {
		if gateway.IsConflict(err) {
			return c.adopt(entityType, entityID, jobKind, err)
		}
		return nil, err
	}

	var sub submitResponse
	if err := resp.Decode(&sub); err != nil {
		return nil, err
	}
	if sub.id() == 0 {
		return nil, fmt.Errorf("submission response missing eventId")
	}

	c.logger.Debug().
		Str("entity", entityType+"/"+entityID).
		Str("kind", jobKind).
		Int64("event_id", sub.id()).
		Msg("job submitted")

	return &Handle{
		EntityType: entityType,
		EntityID:   entityID,
		JobKind:    jobKind,
		EventID:    sub.id(),
		Status:     StatusQueued,
		UpdatedAt:  time.Now(),
	}, nil
}

// adopt reconciles a 409 by taking the existing job as the active handle.
func (c *Coordinator) adopt(entityType, entityID, jobKind string, cause error) (*Handle, error) {
	var ge *gateway.Error
	if !errors.As(cause, &ge) {
		return nil, cause
	}

	var conflict conflictResponse
	if err := json.Unmarshal([]byte(ge.Body), &conflict); err != nil || conflict.Existing.EventID == 0 {
		return nil, fmt.Errorf("conflict response missing existing job: %w", cause)
	}

	c.logger.Debug().
		Str("entity", entityType+"/"+entityID).
		Str("kind", jobKind).
		Int64("event_id", conflict.Existing.EventID).
		Msg("job already active, adopting")

	h := &Handle{
		EntityType: entityType,
		EntityID:   entityID,
		JobKind:    jobKind,
	}
	h.Apply(conflict.Existing)
	if !h.Status.Valid() {
		h.Status = StatusProcessing
	}
	return h, nil
}

// Latest returns the newest authoritative snapshot for the entity, filtered
// to jobKind when non-empty. A nil snapshot means no job history.
func (c *Coordinator) Latest(ctx context.Context, entityType, entityID, jobKind string) (*Snapshot, error) {
	q := url.Values{}
	if jobKind != "" {
		q.Set("type", jobKind)
	}

	var sr statusResponse
	err := c.gw.SendJSON(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   statusPath(entityType, entityID),
		Query:  q,
	}, &sr)
	if err != nil {
		return nil, err
	}
	return sr.Latest, nil
}

func submitPath(entityType, entityID, jobKind string) string {
	return fmt.Sprintf("/api/agents/%s/%s/events/%s",
		url.PathEscape(entityType), url.PathEscape(entityID), url.PathEscape(jobKind))
}

func statusPath(entityType, entityID string) string {
	return fmt.Sprintf("/api/agents/%s/%s/latest",
		url.PathEscape(entityType), url.PathEscape(entityID))
}

// Package gateway is the single entry point for outbound REST calls. It
// attaches the stored bearer credential, classifies authentication failures
// and hands them to the session guard, and normalizes loosely-shaped error
// bodies at one boundary so call sites never grow fallback chains.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/dentaldesk/dentaldesk/internal/platform/session"
)

// Request describes one outbound call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is marshaled as JSON when non-nil.
	Body any
	// Anonymous skips credential attachment and the no-token check. Used only
	// by pre-login endpoints such as /api/auth/login.
	Anonymous bool
}

// Response is a received HTTP response with its body fully read.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Guard is the part of the session guard the gateway needs.
type Guard interface {
	Trigger(reason string)
}

// Gateway issues authenticated requests against the clinic backend.
type Gateway struct {
	base   string
	client *http.Client
	store  session.Store
	guard  Guard
	logger zerolog.Logger
}

// New creates a Gateway. timeout of zero imposes no per-request deadline:
// a call waits until the transport resolves or errors.
func New(baseURL string, store session.Store, guard Guard, timeout time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		store:  store,
		guard:  guard,
		logger: logger,
	}
}

// Send issues the request and returns the response for any 2xx status.
// Failures come back as *Error:
//
//   - no stored credential → KindNoToken, guard triggered, request never sent
//   - transport failure → KindNetwork, guard NOT triggered
//   - 401/403 → KindTokenExpired or KindUnauthorized, guard triggered once,
//     error still returned so the calling screen can show a message; anonymous
//     requests never touch the guard
//   - 409 → KindConflict with the body for caller-side reconciliation
//   - other non-2xx → KindHTTP with status and body
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	var token string
	if !req.Anonymous {
		tok, err := session.Token(g.store)
		if err != nil {
			g.logger.Error().Err(err).Msg("session store read failed")
		}
		if tok == "" {
			g.guard.Trigger(session.ReasonNoToken)
			return nil, &Error{Kind: KindNoToken}
		}
		token = tok
	}

	httpReq, err := g.build(ctx, req, token)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, cause: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Body: body}, nil
	}

	msg := normalizeMessage(body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		// A rejected anonymous request (bad login) carried no credential, so
		// the stored session had no part in the failure and stays intact.
		if req.Anonymous {
			return nil, &Error{Kind: KindUnauthorized, Status: resp.StatusCode, Body: string(body), Message: msg}
		}
		kind := KindUnauthorized
		reason := session.ReasonUnauthorized
		if credentialExpired(token, msg) {
			kind = KindTokenExpired
			reason = session.ReasonTokenExpired
		}
		g.guard.Trigger(reason)
		return nil, &Error{Kind: kind, Status: resp.StatusCode, Body: string(body), Message: msg}
	case http.StatusConflict:
		return nil, &Error{Kind: KindConflict, Status: resp.StatusCode, Body: string(body), Message: msg}
	default:
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Body: string(body), Message: msg}
	}
}

// SendJSON issues the request and decodes a 2xx body into out (when out is
// non-nil).
func (g *Gateway) SendJSON(ctx context.Context, req Request, out any) error {
	resp, err := g.Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

func (g *Gateway) build(ctx context.Context, req Request, token string) (*http.Request, error) {
	u := g.base + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Body normalization and expiry classification
// ---------------------------------------------------------------------------

// errorBody is the canonical error shape. Backends disagree on the field name
// for the human-readable message, so every known spelling is an explicit
// optional field here rather than a fallback chain at each call site.
type errorBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Err     string `json:"error"`
}

// normalizeMessage extracts the free-text message from an error response
// body, tolerating non-JSON bodies by falling back to the raw text.
func normalizeMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		for _, m := range []string{eb.Message, eb.Detail, eb.Err} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// credentialExpired decides TOKEN_EXPIRED vs UNAUTHORIZED for a 401/403. The
// bearer's own exp claim is authoritative when readable; the free-text
// message is a fallback heuristic only.
func credentialExpired(token, msg string) bool {
	if token != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
				return true
			}
		}
	}
	return strings.Contains(strings.ToLower(msg), "expire")
}

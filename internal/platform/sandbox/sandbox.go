// Package sandbox provides a synthetic clinic backend for local development,
// developer on-boarding, and integration-style tests. It exposes the login,
// job-submission, and status endpoints the client core talks to, with an
// in-memory agent-event store whose jobs advance toward a terminal state.
package sandbox

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config controls the sandbox server.
type Config struct {
	// SigningKey signs the HMAC dev tokens. Generated when empty.
	SigningKey string
	// TokenTTL is the lifetime of minted tokens.
	TokenTTL time.Duration
	// AdvanceEvery is the cadence at which non-terminal jobs progress one
	// step (QUEUED → PROCESSING → DONE). Zero disables the background
	// worker; tests then drive progression with Advance.
	AdvanceEvery time.Duration
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() Config {
	return Config{
		SigningKey:   uuid.NewString(),
		TokenTTL:     8 * time.Hour,
		AdvanceEvery: 4 * time.Second,
	}
}

// demoUsers are the built-in sandbox accounts, one per portal role.
var demoUsers = map[string]struct {
	Password string
	Role     string
}{
	"admin":   {Password: "demo1234", Role: "admin"},
	"drsmith": {Password: "demo1234", Role: "doctor"},
	"patient": {Password: "demo1234", Role: "patient"},
}

// ---------------------------------------------------------------------------
// Event store
// ---------------------------------------------------------------------------

// Event is one agent job record.
type Event struct {
	EventID   int64     `json:"eventId"`
	EventType string    `json:"eventType"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastError string    `json:"lastError,omitempty"`
	Actor     string    `json:"actor,omitempty"`

	fail bool
}

type entityKey struct {
	entityType string
	entityID   string
}

// EventStore is a thread-safe, in-memory store of agent events, newest last.
type EventStore struct {
	mu     sync.Mutex
	nextID int64
	events map[entityKey][]*Event
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{nextID: 1, events: make(map[entityKey][]*Event)}
}

// Latest returns the newest event for the entity, optionally filtered by
// event type. Nil when the entity has no job history.
func (s *EventStore) Latest(entityType, entityID, eventType string) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[entityKey{entityType, entityID}]
	for i := len(evs) - 1; i >= 0; i-- {
		if eventType == "" || evs[i].EventType == eventType {
			cp := *evs[i]
			return &cp
		}
	}
	return nil
}

// Submit creates a new event unless an equivalent one is still active, in
// which case the active event is returned with created=false.
func (s *EventStore) Submit(entityType, entityID, eventType, actor string, fail bool) (ev *Event, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{entityType, entityID}
	for i := len(s.events[key]) - 1; i >= 0; i-- {
		e := s.events[key][i]
		if e.EventType == eventType && !terminal(e.Status) {
			cp := *e
			return &cp, false
		}
	}

	e := &Event{
		EventID:   s.nextID,
		EventType: eventType,
		Status:    "QUEUED",
		UpdatedAt: time.Now(),
		Actor:     actor,
		fail:      fail,
	}
	s.nextID++
	s.events[key] = append(s.events[key], e)
	cp := *e
	return &cp, true
}

// Advance moves every non-terminal event one step: QUEUED → PROCESSING, then
// PROCESSING → DONE (or FAILED for events submitted with fail=true).
func (s *EventStore) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evs := range s.events {
		for _, e := range evs {
			switch e.Status {
			case "QUEUED":
				e.Status = "PROCESSING"
			case "PROCESSING":
				if e.fail {
					e.Status = "FAILED"
					e.LastError = "agent run failed: " + e.EventType + " worker reported an unrecoverable error"
				} else {
					e.Status = "DONE"
				}
			default:
				continue
			}
			e.UpdatedAt = time.Now()
		}
	}
}

func terminal(status string) bool {
	return status == "DONE" || status == "FAILED"
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server is the sandbox clinic backend.
type Server struct {
	cfg    Config
	store  *EventStore
	echo   *echo.Echo
	logger zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

// New creates a sandbox server with its routes registered.
func New(cfg Config, logger zerolog.Logger) *Server {
	if cfg.SigningKey == "" {
		cfg.SigningKey = uuid.NewString()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}

	s := &Server{
		cfg:    cfg,
		store:  NewEventStore(),
		echo:   echo.New(),
		logger: logger,
		done:   make(chan struct{}),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(s.requestLogger())
	s.echo.Use(s.recovery())

	s.echo.POST("/api/auth/login", s.handleLogin)

	api := s.echo.Group("/api/agents", s.requireAuth())
	api.GET("/:entityType/:entityID/latest", s.handleLatest)
	api.POST("/:entityType/:entityID/events/:jobKind", s.handleSubmit)

	if cfg.AdvanceEvery > 0 {
		go s.advanceLoop()
	}
	return s
}

// Handler returns the HTTP handler, for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Store exposes the event store so tests can drive job progression.
func (s *Server) Store() *EventStore { return s.store }

// SigningKey returns the key used to mint dev tokens.
func (s *Server) SigningKey() string { return s.cfg.SigningKey }

// Start serves on the given address until Close.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("sandbox backend listening")
	return s.echo.Start(addr)
}

// Close stops the background worker and the listener.
func (s *Server) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.echo.Close()
}

func (s *Server) advanceLoop() {
	ticker := time.NewTicker(s.cfg.AdvanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.store.Advance()
		}
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
	User  string `json:"user"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid login payload")
	}

	u, ok := demoUsers[req.Username]
	if !ok || u.Password != req.Password {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  req.Username,
		"role": u.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.cfg.TokenTTL).Unix(),
		"jti":  uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SigningKey))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "token signing failed")
	}

	return c.JSON(http.StatusOK, loginResponse{Token: token, Role: u.Role, User: req.Username})
}

func (s *Server) handleLatest(c echo.Context) error {
	ev := s.store.Latest(c.Param("entityType"), c.Param("entityID"), c.QueryParam("type"))
	return c.JSON(http.StatusOK, map[string]any{"latest": ev})
}

type submitPayload struct {
	Fail bool `json:"fail,omitempty"`
}

func (s *Server) handleSubmit(c echo.Context) error {
	var payload submitPayload
	_ = c.Bind(&payload)

	actor, _ := c.Get("user").(string)
	ev, created := s.store.Submit(
		c.Param("entityType"), c.Param("entityID"), c.Param("jobKind"), actor, payload.Fail)
	if !created {
		return c.JSON(http.StatusConflict, map[string]any{
			"existing": map[string]any{
				"eventId":   ev.EventID,
				"status":    ev.Status,
				"updatedAt": ev.UpdatedAt.Format(time.RFC3339),
			},
		})
	}
	return c.JSON(http.StatusCreated, map[string]any{"eventId": ev.EventID})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// requireAuth validates the bearer token. Error messages mirror the
// production backend so the client's expiry classification sees the same
// text.
func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization token")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				return []byte(s.cfg.SigningKey), nil
			})
			switch {
			case err == nil:
			case errors.Is(err, jwt.ErrTokenExpired):
				return echo.NewHTTPError(http.StatusUnauthorized, "Token expired")
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set("user", sub)
			}
			if role, _ := claims["role"].(string); role != "" {
				c.Set("role", role)
			}
			return next(c)
		}
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := uuid.NewString()
			c.Set("request_id", rid)

			err := next(c)

			evt := s.logger.Info()
			if err != nil {
				evt = s.logger.Error().Err(err)
			}
			evt.
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

func (s *Server) recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Msg("panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

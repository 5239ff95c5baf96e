package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentaldesk/dentaldesk/internal/platform/signals"
)

// Termination reason codes carried on the SessionTerminated signal.
const (
	ReasonNoToken      = "no_token"
	ReasonTokenExpired = "token_expired"
	ReasonUnauthorized = "unauthorized"
	ReasonLogout       = "logout"
)

// DefaultCooldown is how long the guard stays latched after a trigger before
// re-arming for a future session.
const DefaultCooldown = 1000 * time.Millisecond

// Guard collapses any number of concurrent authentication failures into
// exactly one termination sequence. On the first trigger within a cooldown
// window it clears every persisted session key and emits one
// signals.SessionTerminated signal; further triggers are no-ops until the
// cooldown elapses. The cooldown, rather than a permanent latch, lets a user
// log back in and still get exactly one termination event on a later,
// independent expiry.
type Guard struct {
	mu          sync.Mutex
	terminating bool
	reason      string

	store    Store
	bus      *signals.Bus
	cooldown time.Duration
	logger   zerolog.Logger

	// after is swappable for tests.
	after func(time.Duration, func()) *time.Timer
}

// NewGuard creates a guard over the given store and signal bus. A cooldown
// of zero falls back to DefaultCooldown.
func NewGuard(store Store, bus *signals.Bus, cooldown time.Duration, logger zerolog.Logger) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Guard{
		store:    store,
		bus:      bus,
		cooldown: cooldown,
		logger:   logger,
		after:    time.AfterFunc,
	}
}

// Trigger starts the termination sequence unless one is already in progress.
// Clearing the persisted store is best-effort; the signal is emitted even if
// the clear fails. Guard logic itself never returns an error.
func (g *Guard) Trigger(reason string) {
	g.mu.Lock()
	if g.terminating {
		g.mu.Unlock()
		return
	}
	g.terminating = true
	g.reason = reason
	g.mu.Unlock()

	if err := Clear(g.store); err != nil {
		g.logger.Error().Err(err).Str("reason", reason).Msg("session clear failed during termination")
	}

	g.logger.Info().Str("reason", reason).Msg("session terminated")
	g.bus.Emit(signals.Signal{Name: signals.SessionTerminated, Reason: reason})

	g.after(g.cooldown, g.reset)
}

// Terminating reports whether a termination sequence is currently latched.
func (g *Guard) Terminating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminating
}

// Reason returns the reason code of the latest termination, or "" if the
// guard has never fired.
func (g *Guard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

func (g *Guard) reset() {
	g.mu.Lock()
	g.terminating = false
	g.mu.Unlock()
}

package agentjobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is the fixed tick interval between status queries.
const DefaultPollInterval = 2500 * time.Millisecond

// StatusFetcher is the part of the Coordinator the poller needs.
type StatusFetcher interface {
	Latest(ctx context.Context, entityType, entityID, jobKind string) (*Snapshot, error)
}

// Poller repeatedly queries a job's status on a fixed interval until the job
// reaches a terminal state or the session is cancelled.
type Poller struct {
	fetch    StatusFetcher
	interval time.Duration
	logger   zerolog.Logger
}

// NewPoller creates a Poller. An interval of zero falls back to
// DefaultPollInterval.
func NewPoller(fetch StatusFetcher, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{fetch: fetch, interval: interval, logger: logger}
}

// PollSession is one running poll loop bound to a single job handle.
type PollSession struct {
	key    Key
	cancel context.CancelFunc
	done   chan struct{}
}

// Key returns the job identity this session polls.
func (s *PollSession) Key() Key { return s.key }

// Cancel stops future ticks immediately. A query already in flight is allowed
// to finish but its result is discarded rather than applied, so a late
// response can never mutate state after the consumer has been torn down.
func (s *PollSession) Cancel() { s.cancel() }

// Done is closed when the poll loop has fully exited.
func (s *PollSession) Done() <-chan struct{} { return s.done }

// Active reports whether the loop is still running.
func (s *PollSession) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start begins polling for the given handle and invokes onUpdate with the
// updated handle after each authoritative snapshot is applied.
//
// At most one status query is in flight at any instant: each tick's query is
// awaited before the next tick is considered, and ticks that would overlap
// are skipped, not queued. The instant a query reports DONE or FAILED the
// loop exits on its own; Cancel is only needed for premature teardown. A
// single failed query is a missed tick — it neither stops polling nor
// corrupts the last-known state.
func (p *Poller) Start(ctx context.Context, handle Handle, onUpdate func(Handle)) *PollSession {
	ctx, cancel := context.WithCancel(ctx)
	sess := &PollSession{
		key:    handle.Key(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go p.run(ctx, handle, onUpdate, sess)
	return sess
}

func (p *Poller) run(ctx context.Context, current Handle, onUpdate func(Handle), sess *PollSession) {
	defer close(sess.done)

	if current.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := p.fetch.Latest(ctx, current.EntityType, current.EntityID, current.JobKind)

		// The Ticker buffers one tick while the loop is busy; drain it so a
		// query slower than the interval skips ticks rather than queuing one
		// and firing the next query immediately.
		select {
		case <-ticker.C:
		default:
		}

		// Consult the cancellation token before applying anything; a result
		// that raced with Cancel is discarded.
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			p.logger.Debug().Err(err).
				Str("entity", current.EntityType+"/"+current.EntityID).
				Str("kind", current.JobKind).
				Msg("poll miss")
			continue
		}
		if snap == nil || !snap.Status.Valid() {
			continue
		}

		current.Apply(*snap)
		onUpdate(current)

		if current.Status.Terminal() {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

// Tracker owns the poll sessions of one UI surface and enforces at most one
// active session per job key: starting a session for a key supersedes any
// session already polling that key.
type Tracker struct {
	mu       sync.Mutex
	poller   *Poller
	sessions map[Key]*PollSession
}

// NewTracker creates a Tracker over the given poller.
func NewTracker(poller *Poller) *Tracker {
	return &Tracker{poller: poller, sessions: make(map[Key]*PollSession)}
}

// Watch starts polling the handle, cancelling any session already active for
// the same key.
func (t *Tracker) Watch(ctx context.Context, handle Handle, onUpdate func(Handle)) *PollSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.sessions[handle.Key()]; ok {
		prev.Cancel()
	}
	sess := t.poller.Start(ctx, handle, onUpdate)
	t.sessions[handle.Key()] = sess
	return sess
}

// Stop cancels the session for the given key, if any.
func (t *Tracker) Stop(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sess, ok := t.sessions[key]; ok {
		sess.Cancel()
		delete(t.sessions, key)
	}
}

// StopAll cancels every session. Used on surface teardown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, sess := range t.sessions {
		sess.Cancel()
		delete(t.sessions, key)
	}
}

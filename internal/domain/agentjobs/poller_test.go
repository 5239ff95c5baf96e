package agentjobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fetchResult struct {
	snap *Snapshot
	err  error
}

// scriptedFetcher returns canned results in order; the last result repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	script  []fetchResult
	calls   int
	started chan struct{} // receives one value per Latest call, if non-nil
	release chan struct{} // Latest blocks until closed, if non-nil
}

func (f *scriptedFetcher) Latest(ctx context.Context, entityType, entityID, jobKind string) (*Snapshot, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	res := f.script[idx]
	started := f.started
	release := f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return res.snap, res.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func snap(id int64, status Status) *Snapshot {
	return &Snapshot{EventID: id, EventType: KindCaseGenerateSummary, Status: status, UpdatedAt: time.Now()}
}

func testHandle() Handle {
	return Handle{EntityType: EntityCase, EntityID: "42", JobKind: KindCaseGenerateSummary, EventID: 7, Status: StatusQueued}
}

func waitDone(t *testing.T, sess *PollSession) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll session did not finish in time")
	}
}

func TestPollingStopsAtTerminalStatus(t *testing.T) {
	// Ticks 1-3 observe QUEUED, PROCESSING, DONE: exactly 3 queries, no 4th.
	fetcher := &scriptedFetcher{script: []fetchResult{
		{snap: snap(7, StatusQueued)},
		{snap: snap(7, StatusProcessing)},
		{snap: snap(7, StatusDone)},
	}}
	p := NewPoller(fetcher, 5*time.Millisecond, zerolog.Nop())

	var updates []Status
	var mu sync.Mutex
	sess := p.Start(context.Background(), testHandle(), func(h Handle) {
		mu.Lock()
		updates = append(updates, h.Status)
		mu.Unlock()
	})

	waitDone(t, sess)
	time.Sleep(50 * time.Millisecond) // room for a 4th tick, which must not come

	if got := fetcher.callCount(); got != 3 {
		t.Errorf("issued %d queries, want exactly 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusQueued, StatusProcessing, StatusDone}
	if len(updates) != len(want) {
		t.Fatalf("updates = %v, want %v", updates, want)
	}
	for i := range want {
		if updates[i] != want[i] {
			t.Errorf("update %d = %s, want %s", i, updates[i], want[i])
		}
	}
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	// A query is in flight when the session is cancelled; its late result
	// must be discarded, leaving observed state unchanged.
	fetcher := &scriptedFetcher{
		script:  []fetchResult{{snap: snap(7, StatusProcessing)}},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	p := NewPoller(fetcher, 5*time.Millisecond, zerolog.Nop())

	updated := false
	sess := p.Start(context.Background(), testHandle(), func(Handle) { updated = true })

	<-fetcher.started // query now in flight
	sess.Cancel()
	close(fetcher.release) // query resolves after cancellation

	waitDone(t, sess)
	if updated {
		t.Error("late result mutated state after cancellation")
	}
}

func TestSlowQuerySkipsBufferedTick(t *testing.T) {
	// A query outlasting the interval leaves one tick buffered in the Ticker.
	// That tick must be dropped: the next query starts at the next tick
	// boundary, not the instant the slow query returns.
	const interval = 100 * time.Millisecond
	fetcher := &scriptedFetcher{
		script: []fetchResult{
			{snap: snap(7, StatusProcessing)},
			{snap: snap(7, StatusDone)},
		},
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	p := NewPoller(fetcher, interval, zerolog.Nop())
	sess := p.Start(context.Background(), testHandle(), func(Handle) {})

	<-fetcher.started            // first query in flight
	time.Sleep(interval * 5 / 2) // several ticks fire against the busy loop
	released := time.Now()
	close(fetcher.release) // slow query resolves

	select {
	case <-fetcher.started: // second query begins
	case <-time.After(2 * time.Second):
		t.Fatal("second query never started")
	}
	gap := time.Since(released)
	waitDone(t, sess)

	if gap < interval/4 {
		t.Errorf("second query started %v after the slow one returned; buffered tick was consumed as a queued tick", gap)
	}
}

func TestFailedQueryIsAMissedTick(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: errors.New("connection reset")},
		{err: errors.New("502 bad gateway")},
		{snap: snap(7, StatusDone)},
	}}
	p := NewPoller(fetcher, 5*time.Millisecond, zerolog.Nop())

	var updates int
	sess := p.Start(context.Background(), testHandle(), func(Handle) { updates++ })
	waitDone(t, sess)

	if fetcher.callCount() != 3 {
		t.Errorf("queries = %d, want 3 (misses keep polling)", fetcher.callCount())
	}
	if updates != 1 {
		t.Errorf("updates = %d, want 1 (misses never reach the consumer)", updates)
	}
}

func TestEmptyHistoryKeepsPolling(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{
		{snap: nil},
		{snap: snap(7, StatusDone)},
	}}
	p := NewPoller(fetcher, 5*time.Millisecond, zerolog.Nop())

	sess := p.Start(context.Background(), testHandle(), func(Handle) {})
	waitDone(t, sess)

	if fetcher.callCount() != 2 {
		t.Errorf("queries = %d, want 2", fetcher.callCount())
	}
}

func TestTerminalHandleNeverPolls(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: snap(7, StatusDone)}}}
	p := NewPoller(fetcher, time.Millisecond, zerolog.Nop())

	h := testHandle()
	h.Status = StatusFailed
	sess := p.Start(context.Background(), h, func(Handle) { t.Error("update for terminal handle") })
	waitDone(t, sess)

	if fetcher.callCount() != 0 {
		t.Errorf("queries = %d, want 0", fetcher.callCount())
	}
}

func TestTrackerSupersedesSessionForSameKey(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: snap(7, StatusProcessing)}}}
	p := NewPoller(fetcher, 5*time.Millisecond, zerolog.Nop())
	tracker := NewTracker(p)

	first := tracker.Watch(context.Background(), testHandle(), func(Handle) {})
	second := tracker.Watch(context.Background(), testHandle(), func(Handle) {})

	waitDone(t, first)
	if first.Active() {
		t.Error("superseded session still active")
	}
	if !second.Active() {
		t.Error("new session should be active")
	}

	tracker.StopAll()
	waitDone(t, second)
}

func TestTrackerIndependentKeysPollConcurrently(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{snap: snap(1, StatusProcessing)}}}
	p := NewPoller(fetcher, 5*time.Millisecond, zerolog.Nop())
	tracker := NewTracker(p)

	caseSess := tracker.Watch(context.Background(), testHandle(), func(Handle) {})
	apptSess := tracker.Watch(context.Background(), Handle{
		EntityType: EntityAppointment, EntityID: "a-1", JobKind: KindAppointmentCompleted, Status: StatusQueued,
	}, func(Handle) {})

	if !caseSess.Active() || !apptSess.Active() {
		t.Error("sessions for independent keys should both be active")
	}

	tracker.StopAll()
	waitDone(t, caseSess)
	waitDone(t, apptSess)
}

package singbox

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/blikh/singbox-panel/internal/directory"
)

type signallingLister struct {
	mu    sync.Mutex
	users []directory.User
	calls chan struct{}
}

func (l *signallingLister) set(users []directory.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = users
}

func (l *signallingLister) ListActive(ctx context.Context) ([]directory.User, error) {
	l.mu.Lock()
	users := slices.Clone(l.users)
	l.mu.Unlock()
	l.calls <- struct{}{}
	return users, nil
}

func TestResyncerSyncsOnlyOnDrift(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer testCancel()

	path := writeFixture(t, fixture)
	daemon := &fakeDaemon{}
	s := NewSynchronizer(path, daemon, &fakeAudit{}, discard)
	lister := &signallingLister{users: testUsers, calls: make(chan struct{}, 16)}

	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTicker("resync")
	defer trap.Close()

	const interval = time.Minute
	r := NewResyncer(s, lister, interval, clock, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	waitCall := func() {
		t.Helper()
		select {
		case <-lister.calls:
		case <-testCtx.Done():
			t.Fatal("timed out waiting for ListActive")
		}
	}

	waitCall() // initial check
	trap.MustWait(testCtx).MustRelease(testCtx)

	// Unchanged set: listed, not synced.
	clock.Advance(interval).MustWait(testCtx)
	waitCall()

	// Drift: b drops out.
	lister.set(testUsers[:1])
	clock.Advance(interval).MustWait(testCtx)
	waitCall()

	// One more tick so the previous check has finished.
	clock.Advance(interval).MustWait(testCtx)
	waitCall()

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Serve returned %v", err)
	}

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	if daemon.validations != 2 {
		t.Fatalf("validations = %d, want 2 (initial + drift)", daemon.validations)
	}
}

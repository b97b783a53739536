package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sender/internal/broadcast"
	"sender/internal/browser"
	"sender/internal/browser/browsertest"
	"sender/internal/platform"
	"sender/internal/platform/platformtest"
)

type fixture struct {
	m        *Manager
	launcher *browsertest.Launcher
	wa       *platformtest.Adapter
	tg       *platformtest.Adapter
	root     string
}

func newFixture(t *testing.T, policy LockPolicy) *fixture {
	t.Helper()
	f := &fixture{
		launcher: &browsertest.Launcher{},
		wa:       platformtest.New(broadcast.WhatsApp),
		tg:       platformtest.New(broadcast.Telegram),
		root:     t.TempDir(),
	}
	cfg := Config{
		ProfileRoot: f.root,
		Browser:     browser.Options{UserAgent: "test-agent", Headless: true},
		LockPolicy:  policy,
	}
	f.m = NewManager(cfg, f.launcher, platform.NewRegistry(f.wa, f.tg))
	return f
}

func TestAcquireCreatesOnceAndProbesOnce(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()

	s1, err := f.m.Acquire(ctx, "acc-1", broadcast.WhatsApp)
	require.NoError(t, err)
	s2, err := f.m.Acquire(ctx, "acc-1", broadcast.WhatsApp)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, f.launcher.Launches())
	assert.Equal(t, 1, f.wa.Probes())
	assert.True(t, s1.Authenticated())

	opts := f.launcher.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, filepath.Join(f.root, "account_acc-1"), opts[0].ProfileDir)
	assert.Equal(t, "test-agent", opts[0].UserAgent)
	assert.DirExists(t, opts[0].ProfileDir)
}

func TestConcurrentAcquireLaunchesOneBrowser(t *testing.T) {
	f := newFixture(t, PolicyWait)
	f.launcher.Delay = 20 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = f.m.Acquire(context.Background(), "acc", broadcast.Telegram)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, f.launcher.Launches())
}

func TestAcquireLaunchFailure(t *testing.T) {
	f := newFixture(t, PolicyWait)
	f.launcher.Err = errors.New("chrome not found")

	_, err := f.m.Acquire(context.Background(), "acc", broadcast.WhatsApp)
	require.ErrorIs(t, err, broadcast.ErrSessionCreation)
	assert.Empty(t, f.m.Snapshot())

	// A failed launch is not cached.
	f.launcher.Err = nil
	_, err = f.m.Acquire(context.Background(), "acc", broadcast.WhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 2, f.launcher.Launches())
}

func TestAcquireProbeFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, PolicyWait)
	f.wa.Authenticated = false
	f.tg.ProbeErr = errors.New("navigation failed")

	s, err := f.m.Acquire(context.Background(), "a", broadcast.WhatsApp)
	require.NoError(t, err)
	assert.False(t, s.Authenticated())

	s, err = f.m.Acquire(context.Background(), "b", broadcast.Telegram)
	require.NoError(t, err)
	assert.False(t, s.Authenticated())
}

func TestAcquireRejectsBadInput(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()

	_, err := f.m.Acquire(ctx, "acc", "viber")
	assert.ErrorIs(t, err, broadcast.ErrUnsupportedPlatform)
	assert.Equal(t, 0, f.launcher.Launches())

	_, err = f.m.Acquire(ctx, " ", broadcast.WhatsApp)
	assert.ErrorIs(t, err, broadcast.ErrInvalidConfiguration)

	_, err = f.m.Acquire(ctx, "acc", broadcast.WhatsApp)
	require.NoError(t, err)
	_, err = f.m.Acquire(ctx, "acc", broadcast.Telegram)
	assert.ErrorIs(t, err, broadcast.ErrInvalidConfiguration)
}

func TestReleaseClosesBrowser(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()

	_, err := f.m.Acquire(ctx, "a", broadcast.WhatsApp)
	require.NoError(t, err)
	_, err = f.m.Acquire(ctx, "b", broadcast.Telegram)
	require.NoError(t, err)
	require.Len(t, f.m.Snapshot(), 2)

	require.NoError(t, f.m.Release("a"))
	require.NoError(t, f.m.Release("a"), "second release is a no-op")
	require.NoError(t, f.m.Release("unknown"))

	drivers := f.launcher.Drivers()
	assert.True(t, drivers[0].Closed())
	assert.False(t, drivers[1].Closed())

	require.NoError(t, f.m.ReleaseAll())
	assert.True(t, drivers[1].Closed())
	assert.Empty(t, f.m.Snapshot())

	// The account can be used again afterwards with a fresh browser.
	_, err = f.m.Acquire(ctx, "a", broadcast.WhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 3, f.launcher.Launches())
}

func TestReleaseRefusesAccountInUse(t *testing.T) {
	f := newFixture(t, PolicyReject)
	ctx := context.Background()

	_, err := f.m.Acquire(ctx, "acc", broadcast.WhatsApp)
	require.NoError(t, err)
	unlock, err := f.m.Lock(ctx, "acc", nil)
	require.NoError(t, err)

	err = f.m.Release("acc")
	require.ErrorIs(t, err, broadcast.ErrAccountBusy)
	assert.False(t, f.launcher.Drivers()[0].Closed(), "browser of a running job must stay open")

	// A second job on the same account still sees the lock taken.
	_, err = f.m.Acquire(ctx, "acc", broadcast.WhatsApp)
	require.NoError(t, err)
	_, err = f.m.Lock(ctx, "acc", nil)
	require.ErrorIs(t, err, broadcast.ErrAccountBusy)
	assert.Equal(t, 1, f.launcher.Launches())

	unlock()
	require.NoError(t, f.m.Release("acc"))
	assert.True(t, f.launcher.Drivers()[0].Closed())

	// A fresh lock comes back free.
	unlock, err = f.m.Lock(ctx, "acc", nil)
	require.NoError(t, err)
	unlock()
}

func TestReleaseAllClosesBusySessions(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()

	_, err := f.m.Acquire(ctx, "acc", broadcast.Telegram)
	require.NoError(t, err)
	unlock, err := f.m.Lock(ctx, "acc", nil)
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, f.m.ReleaseAll())
	assert.True(t, f.launcher.Drivers()[0].Closed())
	assert.Empty(t, f.m.Snapshot())
}

func TestLockWaitPolicy(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()

	unlock, err := f.m.Lock(ctx, "acc", nil)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := f.m.Lock(ctx, "acc", nil)
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLockAbandonedByStopAndContext(t *testing.T) {
	f := newFixture(t, PolicyWait)
	unlock, err := f.m.Lock(context.Background(), "acc", nil)
	require.NoError(t, err)
	defer unlock()

	stop := broadcast.NewStopToken()
	time.AfterFunc(10*time.Millisecond, func() { stop.Stop() })
	_, err = f.m.Lock(context.Background(), "acc", stop)
	assert.ErrorIs(t, err, broadcast.ErrStopped)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.m.Lock(ctx, "acc", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockRejectPolicy(t *testing.T) {
	f := newFixture(t, PolicyReject)
	unlock, err := f.m.Lock(context.Background(), "acc", nil)
	require.NoError(t, err)

	_, err = f.m.Lock(context.Background(), "acc", nil)
	assert.ErrorIs(t, err, broadcast.ErrAccountBusy)

	// Other accounts are independent.
	u2, err := f.m.Lock(context.Background(), "other", nil)
	require.NoError(t, err)
	u2()

	unlock()
	u3, err := f.m.Lock(context.Background(), "acc", nil)
	require.NoError(t, err)
	u3()
}

func TestProbeRefreshesIdleSessions(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()

	s, err := f.m.Acquire(ctx, "acc", broadcast.WhatsApp)
	require.NoError(t, err)
	require.True(t, s.Authenticated())

	f.wa.Authenticated = false
	ok, err := f.m.Probe(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.Authenticated())

	unlock, _ := f.m.TryLock("acc")
	_, err = f.m.Probe(ctx, "acc")
	assert.ErrorIs(t, err, broadcast.ErrAccountBusy)
	unlock()

	_, err = f.m.Probe(ctx, "missing")
	assert.Error(t, err)
}

func TestProberRunOnceSkipsBusyAccounts(t *testing.T) {
	f := newFixture(t, PolicyWait)
	ctx := context.Background()
	_, err := f.m.Acquire(ctx, "idle", broadcast.WhatsApp)
	require.NoError(t, err)
	_, err = f.m.Acquire(ctx, "busy", broadcast.Telegram)
	require.NoError(t, err)

	unlock, ok := f.m.TryLock("busy")
	require.True(t, ok)
	defer unlock()

	f.wa.Authenticated = false
	p := NewProber(f.m, "@every 1h", time.Second, f.m.log)
	require.NoError(t, p.Validate())

	rep := p.RunOnce(ctx)
	assert.Equal(t, 1, rep.Probed)
	assert.Equal(t, []string{"busy"}, rep.Skipped)
	assert.Equal(t, []string{"idle"}, rep.Unauthenticated)
	assert.Equal(t, 2, f.wa.Probes())
	assert.Equal(t, 1, f.tg.Probes())
}

func TestProberStartStop(t *testing.T) {
	f := newFixture(t, PolicyWait)
	assert.Error(t, NewProber(f.m, "not a schedule", 0, f.m.log).Validate())

	p := NewProber(f.m, "@every 1h", 0, f.m.log)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	p.Stop()

	disabled := NewProber(f.m, "", 0, f.m.log)
	require.NoError(t, disabled.Start(context.Background()))
	disabled.Stop()
}

func TestSnapshotReportsBusy(t *testing.T) {
	f := newFixture(t, PolicyWait)
	_, err := f.m.Acquire(context.Background(), "b", broadcast.WhatsApp)
	require.NoError(t, err)
	_, err = f.m.Acquire(context.Background(), "a", broadcast.WhatsApp)
	require.NoError(t, err)
	unlock, _ := f.m.TryLock("b")
	defer unlock()

	snap := f.m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].AccountID)
	assert.False(t, snap[0].Busy)
	assert.True(t, snap[1].Busy)
}

func TestProfileName(t *testing.T) {
	assert.Equal(t, "account_acc-1", profileName("acc-1"))
	assert.Equal(t, "account_.._etc", profileName("../etc"))
	assert.Equal(t, "account__", profileName(""))
}

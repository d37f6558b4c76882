package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
)

type fakeAuth struct {
	calls   atomic.Int32
	failFor int32
	block   chan struct{}
}

func (f *fakeAuth) Login(context.Context) (monitor.Session, error) {
	n := f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if n <= f.failFor {
		return monitor.Session{}, errors.New("bad credentials")
	}
	return monitor.Session{ID: "s-1", Token: "tok"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	system []string
}

func (*recordingPublisher) PublishAlert(monitor.Alert)                         {}
func (*recordingPublisher) PublishCampaignEvent(string, string, map[string]any) {}
func (p *recordingPublisher) PublishSystemEvent(eventType string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.system = append(p.system, eventType)
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.system...)
}

func newTestManager(auth monitor.Authenticator, pub monitor.Publisher, waits *[]time.Duration) *Manager {
	m := New(context.Background(), auth, pub, nil, Config{}, zap.NewNop())
	var mu sync.Mutex
	m.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		if waits != nil {
			*waits = append(*waits, d)
		}
		return nil
	}
	return m
}

// TestAcquireExhaustsAfterBound verifies three failures stop automatic retries.
func TestAcquireExhaustsAfterBound(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{failFor: 100}
	pub := &recordingPublisher{}
	var waits []time.Duration
	m := newTestManager(auth, pub, &waits)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, monitor.ErrAuthExhausted)
	require.EqualValues(t, 3, auth.calls.Load())
	require.Equal(t, []time.Duration{30 * time.Second, 45 * time.Second}, waits)
	require.Equal(t, StateDegraded, m.State())

	// No fourth attempt without an explicit retrigger.
	_, err = m.Acquire(context.Background())
	require.ErrorIs(t, err, monitor.ErrAuthExhausted)
	require.EqualValues(t, 3, auth.calls.Load())
	require.Contains(t, pub.events(), monitor.EventSessionExhausted)
}

// TestRetriggerStartsFreshCycle verifies an explicit retrigger logs in again.
func TestRetriggerStartsFreshCycle(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{failFor: 3}
	m := newTestManager(auth, nil, nil)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, monitor.ErrAuthExhausted)

	s, err := m.Retrigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s-1", s.ID)
	require.EqualValues(t, 4, auth.calls.Load())
	require.Equal(t, StateReady, m.State())
	require.False(t, m.Status().Exhausted)
}

// TestLoginAfterExhaustionIsSkipped covers a caller that passed the
// exhausted check just before another login cycle gave up.
func TestLoginAfterExhaustionIsSkipped(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{failFor: 100}
	m := newTestManager(auth, nil, nil)
	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, monitor.ErrAuthExhausted)
	require.EqualValues(t, 3, auth.calls.Load())

	_, err = m.loginUnlessSettled()
	require.ErrorIs(t, err, monitor.ErrAuthExhausted)
	require.EqualValues(t, 3, auth.calls.Load())

	ok := &fakeAuth{}
	fresh := newTestManager(ok, nil, nil)
	s, err := fresh.Acquire(context.Background())
	require.NoError(t, err)
	again, err := fresh.loginUnlessSettled()
	require.NoError(t, err)
	require.Equal(t, s.ID, again.ID)
	require.EqualValues(t, 1, ok.calls.Load())
}

// TestAcquireSingleFlight verifies concurrent callers share one login.
func TestAcquireSingleFlight(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{block: make(chan struct{})}
	m := newTestManager(auth, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background())
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return auth.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(auth.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, auth.calls.Load())

	// A held session is returned without another login.
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, auth.calls.Load())
}

// TestInvalidateForcesLogin verifies invalidation drops the cached session.
func TestInvalidateForcesLogin(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{}
	m := newTestManager(auth, nil, nil)
	require.Equal(t, StateIdle, m.State())

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Invalidate()
	require.Equal(t, StateIdle, m.State())

	_, err = m.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, auth.calls.Load())
}

// TestOnReadyRunsAfterLogin verifies subscribers see every successful login.
func TestOnReadyRunsAfterLogin(t *testing.T) {
	t.Parallel()

	m := newTestManager(&fakeAuth{}, nil, nil)
	var ready atomic.Int32
	m.OnReady(func(context.Context, monitor.Session) { ready.Add(1) })

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ready.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	m := New(context.Background(), &fakeAuth{}, nil, nil, Config{MaxBackoff: time.Minute}, nil)
	require.Equal(t, 30*time.Second, m.Backoff(1))
	require.Equal(t, 45*time.Second, m.Backoff(2))
	require.Equal(t, time.Minute, m.Backoff(3))
}

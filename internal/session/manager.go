// Package session owns the single authenticated session shared by every
// crawl job. Logins are single-flight and retried with bounded backoff; once
// the bound is reached no further login is attempted until Retrigger.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/socialwatch/sentinel/internal/clock/system"
	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

// State summarises session availability.
type State string

// Session states.
const (
	StateIdle     State = "idle"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
)

// Config tunes login retries.
type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State      State     `json:"state"`
	Exhausted  bool      `json:"exhausted"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
}

// ReadyFunc is invoked after every successful login.
type ReadyFunc func(ctx context.Context, s monitor.Session)

// Manager implements monitor.SessionProvider.
type Manager struct {
	auth   monitor.Authenticator
	pub    monitor.Publisher
	clock  monitor.Clock
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error

	base  context.Context
	group singleflight.Group

	mu        sync.RWMutex
	current   *monitor.Session
	exhausted bool
	attempts  int
	lastErr   error
	listeners []ReadyFunc
}

// New constructs a Manager. base bounds the lifetime of background logins;
// an individual caller's cancellation never aborts a shared login.
func New(base context.Context, auth monitor.Authenticator, pub monitor.Publisher, clk monitor.Clock, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = system.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1.5
	}
	return &Manager{
		auth:   auth,
		pub:    pub,
		clock:  clk,
		cfg:    cfg,
		logger: logger.Named("session"),
		sleep:  system.Sleep,
		base:   base,
	}
}

// OnReady registers fn to run (asynchronously) after every successful login.
func (m *Manager) OnReady(fn ReadyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Acquire returns the current session, logging in when none is held.
// Concurrent callers share one in-flight login.
func (m *Manager) Acquire(ctx context.Context) (monitor.Session, error) {
	m.mu.RLock()
	cur, exhausted := m.current, m.exhausted
	m.mu.RUnlock()
	if cur != nil && !cur.Expired(m.clock.Now()) {
		return *cur, nil
	}
	if exhausted {
		return monitor.Session{}, fmt.Errorf("acquire session: %w", monitor.ErrAuthExhausted)
	}

	ch := m.group.DoChan("login", func() (any, error) {
		return m.loginUnlessSettled()
	})
	select {
	case <-ctx.Done():
		return monitor.Session{}, fmt.Errorf("acquire session: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return monitor.Session{}, res.Err
		}
		s, _ := res.Val.(monitor.Session)
		return s, nil
	}
}

// loginUnlessSettled runs a login cycle unless one that finished while the
// caller waited already produced a session or exhausted the attempts.
func (m *Manager) loginUnlessSettled() (monitor.Session, error) {
	m.mu.RLock()
	cur, exhausted := m.current, m.exhausted
	m.mu.RUnlock()
	if cur != nil && !cur.Expired(m.clock.Now()) {
		return *cur, nil
	}
	if exhausted {
		return monitor.Session{}, fmt.Errorf("acquire session: %w", monitor.ErrAuthExhausted)
	}
	return m.login(m.base)
}

// Retrigger clears the exhausted flag and starts a fresh bounded login cycle.
func (m *Manager) Retrigger(ctx context.Context) (monitor.Session, error) {
	m.mu.Lock()
	m.exhausted = false
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()
	m.logger.Info("login retriggered")
	return m.Acquire(ctx)
}

// Invalidate drops the held session so the next Acquire logs in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.logger.Warn("session invalidated", zap.String("session_id", m.current.ID))
	}
	m.current = nil
}

// State reports whether a usable session is held.
func (m *Manager) State() State {
	return m.Status().State
}

// Status returns a snapshot for the ops surface.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{Exhausted: m.exhausted, Attempts: m.attempts}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	switch {
	case m.current != nil && !m.current.Expired(m.clock.Now()):
		st.State = StateReady
		st.AcquiredAt = m.current.AcquiredAt
	case m.exhausted || m.lastErr != nil:
		st.State = StateDegraded
	default:
		st.State = StateIdle
	}
	return st
}

func (m *Manager) login(ctx context.Context) (monitor.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		s, err := m.auth.Login(ctx)
		if err == nil {
			metrics.ObserveLogin("success")
			return m.ready(s), nil
		}
		metrics.ObserveLogin("failure")
		lastErr = err
		m.setErr(err)
		m.logger.Warn("login failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Error(err),
		)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return monitor.Session{}, fmt.Errorf("login: %w: %w", monitor.ErrAuth, err)
		}
		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, m.Backoff(attempt)); err != nil {
			return monitor.Session{}, fmt.Errorf("login backoff: %w: %w", monitor.ErrAuth, err)
		}
	}

	m.mu.Lock()
	m.exhausted = true
	m.mu.Unlock()
	m.logger.Error("login retries exhausted; waiting for retrigger", zap.Error(lastErr))
	if m.pub != nil {
		m.pub.PublishSystemEvent(monitor.EventSessionExhausted, map[string]any{
			"attempts": m.cfg.MaxAttempts,
			"error":    lastErr.Error(),
		})
	}
	return monitor.Session{}, fmt.Errorf("login: %w: %w", monitor.ErrAuthExhausted, lastErr)
}

// Backoff returns the wait after the given failed attempt:
// initial * factor^(attempt-1), capped at MaxBackoff when set.
func (m *Manager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(m.cfg.InitialBackoff) * math.Pow(m.cfg.BackoffFactor, float64(attempt-1)))
	if m.cfg.MaxBackoff > 0 && d > m.cfg.MaxBackoff {
		d = m.cfg.MaxBackoff
	}
	return d
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) ready(s monitor.Session) monitor.Session {
	if s.AcquiredAt.IsZero() {
		s.AcquiredAt = m.clock.Now()
	}
	m.mu.Lock()
	m.current = &s
	m.exhausted = false
	m.lastErr = nil
	listeners := append([]ReadyFunc(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("session ready", zap.String("session_id", s.ID))
	if m.pub != nil {
		m.pub.PublishSystemEvent(monitor.EventSessionReady, map[string]any{"session_id": s.ID})
	}
	for _, fn := range listeners {
		go fn(m.base, s)
	}
	return s
}

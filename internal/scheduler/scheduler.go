// Package scheduler runs one recurring crawl job per eligible campaign.
//
// A job is created when a campaign is active, below its item ceiling and a
// session is available. Each job owns a cron entry plus a one-shot
// first-run timer; both call tick, which first checks that the job is still
// the campaign's current generation so a late firing after Stop is a no-op.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/clock/system"
	"github.com/socialwatch/sentinel/internal/id/uuid"
	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

var tracer = otel.Tracer("github.com/socialwatch/sentinel/internal/scheduler")

// State is the externally visible status of a campaign's crawl job.
type State string

// Job states.
const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateStopped    State = "stopped"
	StateDegraded   State = "degraded"
)

// Config tunes crawl pacing and caps.
type Config struct {
	DefaultCeiling  int           `mapstructure:"default_ceiling"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	StartDelay      time.Duration `mapstructure:"start_delay"`
	Terms           TermCaps      `mapstructure:"terms"`
	PerTermMax      int           `mapstructure:"per_term_max"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
	RecoveryWave    int           `mapstructure:"recovery_wave"`
	RecoveryStagger time.Duration `mapstructure:"recovery_stagger"`
	RecoveryWaveGap time.Duration `mapstructure:"recovery_wave_gap"`
	ArchivePrefix   string        `mapstructure:"archive_prefix"`
}

func (c *Config) setDefaults() {
	if c.DefaultCeiling <= 0 {
		c.DefaultCeiling = 200
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 15 * time.Minute
	}
	if c.Terms.Keywords <= 0 {
		c.Terms.Keywords = 3
	}
	if c.Terms.Hashtags <= 0 {
		c.Terms.Hashtags = 2
	}
	if c.Terms.Total <= 0 {
		c.Terms.Total = 5
	}
	if c.PerTermMax <= 0 {
		c.PerTermMax = 50
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 10 * time.Minute
	}
	if c.RecoveryWave <= 0 {
		c.RecoveryWave = 5
	}
	if c.RecoveryStagger <= 0 {
		c.RecoveryStagger = 10 * time.Second
	}
	if c.RecoveryWaveGap <= 0 {
		c.RecoveryWaveGap = time.Minute
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "campaigns"
	}
}

// Classifier accepts the deferred hand-off after new items land.
type Classifier interface {
	Trigger()
}

// Alerter runs the inline real-time alert pass.
type Alerter interface {
	Process(ctx context.Context, item monitor.Item, campaignIDs ...string) ([]monitor.Alert, error)
	ProcessThreshold(ctx context.Context, campaign monitor.Campaign, item monitor.Item) (monitor.Alert, bool, error)
}

// Deps are the scheduler's collaborators. Classifier, Alerts and Archive
// are optional. A nil Cron gets a private instance started by Start.
type Deps struct {
	Campaigns  monitor.CampaignStore
	Items      monitor.ItemStore
	Sessions   monitor.SessionProvider
	Source     monitor.ContentSource
	Classifier Classifier
	Alerts     Alerter
	Archive    monitor.BlobStore
	Publisher  monitor.Publisher
	Clock      monitor.Clock
	IDs        monitor.IDGenerator
	Cron       *cron.Cron
}

// JobStatus is a point-in-time view of one campaign's job.
type JobStatus struct {
	CampaignID   string    `json:"campaign_id"`
	State        State     `json:"state"`
	Generation   uint64    `json:"generation,omitempty"`
	Interval     string    `json:"interval,omitempty"`
	InFlight     bool      `json:"in_flight"`
	LastRunAt    time.Time `json:"last_run_at,omitzero"`
	ItemsLastRun int       `json:"items_last_run"`
	NextRunAt    time.Time `json:"next_run_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

type job struct {
	campaignID string
	generation uint64
	interval   time.Duration
	firstRun   time.Time
	entryID    cron.EntryID
	timer      *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	run        sync.Mutex

	mu           sync.Mutex
	state        State
	inFlight     bool
	lastRun      time.Time
	itemsThisRun int
	lastErr      string
}

func (j *job) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		CampaignID:   j.campaignID,
		State:        j.state,
		Generation:   j.generation,
		Interval:     j.interval.String(),
		InFlight:     j.inFlight,
		LastRunAt:    j.lastRun,
		ItemsLastRun: j.itemsThisRun,
		LastError:    j.lastErr,
	}
}

func (j *job) set(fn func(j *job)) {
	j.mu.Lock()
	fn(j)
	j.mu.Unlock()
}

// Scheduler owns every crawl job.
type Scheduler struct {
	cfg        Config
	campaigns  monitor.CampaignStore
	items      monitor.ItemStore
	sessions   monitor.SessionProvider
	source     monitor.ContentSource
	classifier Classifier
	alerts     Alerter
	archive    monitor.BlobStore
	pub        monitor.Publisher
	clock      monitor.Clock
	ids        monitor.IDGenerator
	cron       *cron.Cron
	ownCron    bool
	cronLog    cron.Logger
	logger     *zap.Logger

	base       context.Context
	stop       context.CancelFunc
	generation atomic.Uint64

	mu      sync.Mutex
	jobs    map[string]*job
	retired map[string]JobStatus
}

// New builds a scheduler. base bounds the lifetime of every job.
func New(base context.Context, deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	logger = logger.Named("scheduler")
	cronLog := CronLogger(logger)

	s := &Scheduler{
		cfg:        cfg,
		campaigns:  deps.Campaigns,
		items:      deps.Items,
		sessions:   deps.Sessions,
		source:     deps.Source,
		classifier: deps.Classifier,
		alerts:     deps.Alerts,
		archive:    deps.Archive,
		pub:        deps.Publisher,
		clock:      deps.Clock,
		ids:        deps.IDs,
		cron:       deps.Cron,
		cronLog:    cronLog,
		logger:     logger,
		jobs:       make(map[string]*job),
		retired:    make(map[string]JobStatus),
	}
	if s.clock == nil {
		s.clock = system.New()
	}
	if s.ids == nil {
		s.ids = uuid.New()
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cronLog))
		s.ownCron = true
	}
	s.base, s.stop = context.WithCancel(base)
	return s
}

// Start starts the private cron instance, if any.
func (s *Scheduler) Start() {
	if s.ownCron {
		s.cron.Start()
	}
}

// Close tears down every job and waits for running ticks of a private
// cron instance to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	for id, j := range s.jobs {
		s.teardown(j)
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	s.stop()
	metrics.SetActiveJobs(0)

	if !s.ownCron {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl ticks: %w", ctx.Err())
	}
}

// OnCampaignCreated schedules a job for a new campaign when it is eligible.
func (s *Scheduler) OnCampaignCreated(ctx context.Context, campaignID string) (JobStatus, error) {
	return s.Sync(ctx, campaignID)
}

// OnCampaignStatusChanged reconciles the job with the stored status.
func (s *Scheduler) OnCampaignStatusChanged(ctx context.Context, campaignID string) (JobStatus, error) {
	return s.Sync(ctx, campaignID)
}

// OnCampaignArchived stops the campaign's job before returning.
func (s *Scheduler) OnCampaignArchived(_ context.Context, campaignID string) (JobStatus, error) {
	s.Stop(campaignID, "archived")
	return s.Status(campaignID), nil
}

// OnSessionReady runs the catch-up sweep. It matches session.ReadyFunc.
func (s *Scheduler) OnSessionReady(ctx context.Context, _ monitor.Session) {
	if _, err := s.Recover(ctx); err != nil {
		s.logger.Error("catch-up after login failed", zap.Error(err))
	}
}

// Sync re-reads the campaign and starts, restarts, completes or stops its
// job to match. Restarting cancels the prior job first.
func (s *Scheduler) Sync(ctx context.Context, campaignID string) (JobStatus, error) {
	camp, err := s.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, monitor.ErrNotFound) {
		s.Stop(campaignID, "deleted")
		return s.Status(campaignID), nil
	}
	if err != nil {
		return JobStatus{}, fmt.Errorf("sync campaign %s: %w", campaignID, err)
	}

	switch {
	case camp.Status == monitor.CampaignActive && !camp.Eligible(s.cfg.DefaultCeiling):
		s.complete(ctx, nil, camp)
	case camp.Status == monitor.CampaignCompleted:
		s.retire(campaignID, nil, StateCompleted, "")
	case camp.Status != monitor.CampaignActive:
		s.retire(campaignID, nil, StateStopped, string(camp.Status))
	default:
		if _, err := s.sessions.Acquire(ctx); err != nil {
			s.markDegraded(campaignID, err)
			return s.Status(campaignID), nil
		}
		s.schedule(camp, s.cfg.StartDelay)
	}
	return s.Status(campaignID), nil
}

// Stop cancels the campaign's job. It reports whether a job was running.
func (s *Scheduler) Stop(campaignID, reason string) bool {
	return s.retire(campaignID, nil, StateStopped, reason)
}

// Recover schedules every active campaign below its ceiling that has no
// healthy job, in waves of RecoveryWave. The stagger applies to the first
// run and to every later tick.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	camps, err := s.campaigns.ListCampaigns(ctx, monitor.CampaignFilter{
		Statuses: []monitor.CampaignStatus{monitor.CampaignActive},
	})
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}
	sort.Slice(camps, func(i, j int) bool { return camps[i].CreatedAt.Before(camps[j].CreatedAt) })

	n := 0
	for _, c := range camps {
		if !c.Eligible(s.cfg.DefaultCeiling) {
			s.complete(ctx, nil, c)
			continue
		}
		if s.healthy(c.ID) {
			continue
		}
		s.schedule(c, s.recoveryDelay(n))
		n++
	}
	if n > 0 {
		s.logger.Info("recovered crawl jobs", zap.Int("jobs", n))
	}
	return n, nil
}

func (s *Scheduler) recoveryDelay(i int) time.Duration {
	wave := i / s.cfg.RecoveryWave
	slot := i % s.cfg.RecoveryWave
	return time.Duration(wave)*s.cfg.RecoveryWaveGap + time.Duration(slot)*s.cfg.RecoveryStagger
}

// Status returns the job view for one campaign.
func (s *Scheduler) Status(campaignID string) JobStatus {
	s.mu.Lock()
	j := s.jobs[campaignID]
	retired, ok := s.retired[campaignID]
	s.mu.Unlock()
	if j != nil {
		return s.withNext(j)
	}
	if ok {
		return retired
	}
	return JobStatus{CampaignID: campaignID, State: StateNotStarted}
}

// Jobs lists every known job, sorted by campaign.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	live := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		live = append(live, j)
	}
	out := make([]JobStatus, 0, len(s.jobs)+len(s.retired))
	for _, st := range s.retired {
		out = append(out, st)
	}
	s.mu.Unlock()

	for _, j := range live {
		out = append(out, s.withNext(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

func (s *Scheduler) withNext(j *job) JobStatus {
	st := j.status()
	if e := s.cron.Entry(j.entryID); e.Valid() {
		st.NextRunAt = e.Next
	}
	if time.Now().Before(j.firstRun) {
		st.NextRunAt = j.firstRun
	}
	return st
}

func (s *Scheduler) healthy(campaignID string) bool {
	s.mu.Lock()
	j := s.jobs[campaignID]
	s.mu.Unlock()
	return j != nil && j.status().State == StateRunning
}

func (s *Scheduler) current(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[j.campaignID] == j
}

func (s *Scheduler) schedule(camp monitor.Campaign, delay time.Duration) {
	interval := camp.Settings.CrawlInterval
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}
	ctx, cancel := context.WithCancel(s.base)
	j := &job{
		campaignID: camp.ID,
		generation: s.generation.Add(1),
		interval:   interval,
		firstRun:   time.Now().Add(delay),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateRunning,
	}

	s.mu.Lock()
	if prior := s.jobs[camp.ID]; prior != nil {
		s.teardown(prior)
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(s.cronLog)).Then(cron.FuncJob(func() { s.tick(j) }))
	j.entryID = s.cron.Schedule(phasedEvery{start: j.firstRun, interval: interval}, wrapped)
	j.timer = time.AfterFunc(delay, func() { s.tick(j) })
	s.jobs[camp.ID] = j
	delete(s.retired, camp.ID)
	active := len(s.jobs)
	s.mu.Unlock()

	metrics.SetActiveJobs(active)
	s.logger.Info("crawl job scheduled",
		zap.String("campaign_id", camp.ID),
		zap.Uint64("generation", j.generation),
		zap.Duration("interval", interval),
		zap.Duration("first_run_in", delay))
	s.pub.PublishCampaignEvent(camp.ID, monitor.EventJobScheduled, map[string]any{
		"generation":   j.generation,
		"interval":     interval.String(),
		"first_run_in": delay.String(),
	})
}

// phasedEvery fires every interval after start. Unlike cron.Every its slots
// are anchored to start, so jobs with staggered first runs stay apart.
type phasedEvery struct {
	start    time.Time
	interval time.Duration
}

func (p phasedEvery) Next(t time.Time) time.Time {
	if t.Before(p.start) {
		return p.start.Add(p.interval)
	}
	return p.start.Add((t.Sub(p.start)/p.interval + 1) * p.interval)
}

// teardown must be called with s.mu held.
func (s *Scheduler) teardown(j *job) {
	s.cron.Remove(j.entryID)
	if j.timer != nil {
		j.timer.Stop()
	}
	j.cancel()
}

// retire removes the campaign's job when j is nil or still current, and
// records the terminal state. It reports whether a job was removed.
func (s *Scheduler) retire(campaignID string, j *job, state State, reason string) bool {
	s.mu.Lock()
	cur := s.jobs[campaignID]
	if j != nil && cur != j {
		s.mu.Unlock()
		return false
	}
	st := JobStatus{CampaignID: campaignID, State: state}
	if cur != nil {
		prev := cur.status()
		st.Generation = prev.Generation
		st.LastRunAt = prev.LastRunAt
		st.ItemsLastRun = prev.ItemsLastRun
		s.teardown(cur)
		delete(s.jobs, campaignID)
	}
	s.retired[campaignID] = st
	active := len(s.jobs)
	s.mu.Unlock()

	if cur == nil {
		return false
	}
	metrics.SetActiveJobs(active)
	s.logger.Info("crawl job stopped",
		zap.String("campaign_id", campaignID),
		zap.String("state", string(state)),
		zap.String("reason", reason))
	s.pub.PublishCampaignEvent(campaignID, monitor.EventJobStopped, map[string]any{
		"state":  string(state),
		"reason": reason,
	})
	return true
}

// markDegraded flags the campaign as waiting on a session. A live job keeps
// its schedule.
func (s *Scheduler) markDegraded(campaignID string, cause error) {
	s.mu.Lock()
	j := s.jobs[campaignID]
	if j == nil {
		s.retired[campaignID] = JobStatus{CampaignID: campaignID, State: StateDegraded, LastError: cause.Error()}
	}
	s.mu.Unlock()
	if j != nil {
		j.set(func(j *job) {
			j.state = StateDegraded
			j.lastErr = cause.Error()
		})
	}
	s.logger.Warn("crawl job degraded", zap.String("campaign_id", campaignID), zap.Error(cause))
	s.pub.PublishCampaignEvent(campaignID, monitor.EventCampaignDegraded, map[string]any{"error": cause.Error()})
}

// complete moves an active campaign to completed and retires its job.
func (s *Scheduler) complete(ctx context.Context, j *job, camp monitor.Campaign) {
	ceiling := camp.Ceiling(s.cfg.DefaultCeiling)
	updated, err := s.campaigns.UpdateCampaignStatus(ctx, camp.ID, monitor.CampaignCompleted, monitor.CampaignActive)
	switch {
	case errors.Is(err, monitor.ErrInvalidTransition):
		s.retire(camp.ID, j, StateStopped, "status changed")
		return
	case err != nil:
		s.logger.Error("complete campaign failed", zap.String("campaign_id", camp.ID), zap.Error(err))
		return
	}
	s.retire(camp.ID, j, StateCompleted, "ceiling reached")
	s.logger.Info("campaign completed",
		zap.String("campaign_id", camp.ID),
		zap.Int("total_items", updated.Stats.TotalItems),
		zap.Int("ceiling", ceiling))
	s.pub.PublishCampaignEvent(camp.ID, monitor.EventCampaignCompleted, map[string]any{
		"total_items": updated.Stats.TotalItems,
		"ceiling":     ceiling,
	})
}

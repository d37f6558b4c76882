package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/store/memory"
)

var now = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run%d", g.n), nil
}

type fakeSessions struct {
	mu          sync.Mutex
	err         error
	invalidated int
}

func (f *fakeSessions) Acquire(context.Context) (monitor.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return monitor.Session{}, f.err
	}
	return monitor.Session{ID: "s1", Token: "tok"}, nil
}

func (f *fakeSessions) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

type scriptedSource struct {
	mu      sync.Mutex
	calls   []string
	limits  []int
	byTerm  map[string][]monitor.Item
	errs    map[string]error
	panicOn string
}

func (s *scriptedSource) Search(_ context.Context, _ monitor.Session, term string, maxItems int) ([]monitor.Item, error) {
	s.mu.Lock()
	s.calls = append(s.calls, term)
	s.limits = append(s.limits, maxItems)
	s.mu.Unlock()
	if term == s.panicOn {
		panic("source exploded")
	}
	if err := s.errs[term]; err != nil {
		return nil, err
	}
	return s.byTerm[term], nil
}

func (s *scriptedSource) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type countingClassifier struct {
	mu       sync.Mutex
	triggers int
}

func (c *countingClassifier) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers++
}

type fakeAlerter struct {
	mu        sync.Mutex
	processed []string
	threshold []string
}

func (f *fakeAlerter) Process(_ context.Context, item monitor.Item, _ ...string) ([]monitor.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, item.ID)
	return nil, nil
}

func (f *fakeAlerter) ProcessThreshold(_ context.Context, _ monitor.Campaign, item monitor.Item) (monitor.Alert, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = append(f.threshold, item.ID)
	return monitor.Alert{}, item.Engagement.Likes > 100, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) PublishAlert(monitor.Alert) {}

func (r *eventRecorder) PublishCampaignEvent(id, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, id+":"+eventType)
}

func (r *eventRecorder) PublishSystemEvent(string, map[string]any) {}

func (r *eventRecorder) Has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type memBlob struct {
	mu    sync.Mutex
	paths []string
}

func (b *memBlob) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

type harness struct {
	store    *memory.Store
	source   *scriptedSource
	sessions *fakeSessions
	pub      *eventRecorder
	cls      *countingClassifier
	alerts   *fakeAlerter
	blob     *memBlob
	sched    *Scheduler
}

func newHarness(t *testing.T, camps ...monitor.Campaign) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:    memory.New(),
		source:   &scriptedSource{byTerm: map[string][]monitor.Item{}, errs: map[string]error{}},
		sessions: &fakeSessions{},
		pub:      &eventRecorder{},
		cls:      &countingClassifier{},
		alerts:   &fakeAlerter{},
		blob:     &memBlob{},
	}
	for _, c := range camps {
		require.NoError(t, h.store.CreateCampaign(ctx, c))
	}
	h.sched = New(ctx, Deps{
		Campaigns:  h.store,
		Items:      h.store,
		Sessions:   h.sessions,
		Source:     h.source,
		Classifier: h.cls,
		Alerts:     h.alerts,
		Archive:    h.blob,
		Publisher:  h.pub,
		Clock:      fixedClock{},
		IDs:        &seqIDs{},
		Cron:       cron.New(),
	}, Config{StartDelay: time.Hour, DefaultInterval: time.Hour}, nil)
	t.Cleanup(func() { _ = h.sched.Close(context.Background()) })
	return h
}

// runNow runs one tick of the campaign's current job synchronously.
func (h *harness) runNow(t *testing.T, campaignID string) TickResult {
	t.Helper()
	h.sched.mu.Lock()
	j := h.sched.jobs[campaignID]
	h.sched.mu.Unlock()
	require.NotNil(t, j, "no job for %s", campaignID)
	res, err := h.sched.runTick(context.Background(), j)
	require.NoError(t, err)
	return res
}

func campaign(id string, total int) monitor.Campaign {
	return monitor.Campaign{
		ID:       id,
		Topic:    "flood",
		Keywords: []string{"evacuation", "levee"},
		Hashtags: []string{"stormwatch"},
		Status:   monitor.CampaignActive,
		Settings: monitor.CampaignSettings{MaxItems: 200},
		Stats:    monitor.CampaignStats{TotalItems: total},
	}
}

func batch(prefix string, n int) []monitor.Item {
	out := make([]monitor.Item, n)
	for i := range out {
		out[i] = monitor.Item{ID: fmt.Sprintf("%s-%d", prefix, i), Text: "water rising", Engagement: monitor.Engagement{Likes: 1}}
	}
	return out
}

func TestSearchTermsCaps(t *testing.T) {
	t.Parallel()

	c := monitor.Campaign{
		Topic:    "Flood",
		Keywords: []string{"flood", "evacuation", "levee", "sandbags", "rain"},
		Hashtags: []string{"stormwatch", "#Levee", "rescue", "extra"},
	}
	require.Equal(t, []string{"Flood", "evacuation", "levee", "sandbags", "#stormwatch"},
		SearchTerms(c, TermCaps{Keywords: 3, Hashtags: 2, Total: 5}))
	require.Equal(t, []string{"Flood", "evacuation", "#stormwatch", "#Levee"},
		SearchTerms(c, TermCaps{Keywords: 1, Hashtags: 2, Total: 5}))
}

// TestTickStopsAtCeiling ingests only up to the ceiling and completes mid-run.
func TestTickStopsAtCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 195))
	h.source.byTerm["flood"] = batch("a", 10)
	h.source.byTerm["evacuation"] = batch("b", 10)

	st, err := h.sched.OnCampaignCreated(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)

	res := h.runNow(t, "c1")
	require.True(t, res.Completed)
	require.Equal(t, 5, res.NewItems)
	require.Equal(t, []string{"flood"}, h.source.Calls())
	require.Equal(t, []int{5}, h.source.limits)

	c, err := h.store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 200, c.Stats.TotalItems)
	require.Equal(t, monitor.CampaignCompleted, c.Status)
	require.Equal(t, StateCompleted, h.sched.Status("c1").State)
	require.True(t, h.pub.Has("c1:"+monitor.EventCampaignCompleted))
	require.Equal(t, 1, h.cls.triggers)
}

func TestTickDedupesAgainstStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))
	_, err := h.store.InsertItems(ctx, batch("a", 2))
	require.NoError(t, err)

	fresh := batch("a", 3)
	h.source.byTerm["flood"] = append(fresh, fresh[2])
	h.source.byTerm["evacuation"] = batch("a", 3)

	_, err = h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	res := h.runNow(t, "c1")
	require.Equal(t, 1, res.NewItems)
	require.False(t, res.Completed)

	c, err := h.store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats.TotalItems)
	require.NotNil(t, c.Stats.LastCrawlAt)

	stored, err := h.store.GetItem(ctx, "a-2")
	require.NoError(t, err)
	require.Equal(t, "flood", stored.SearchTerm)
	require.Equal(t, now, stored.IngestedAt)
	require.True(t, h.pub.Has("c1:"+monitor.EventCrawlCompleted))
	require.Len(t, h.blob.paths, 2)
	require.Equal(t, "campaigns/c1/2024-07-01/run1-0.json", h.blob.paths[0])
}

// ambiguousStatsStore commits item stats but reports the write as failed,
// as when the connection drops after the commit.
type ambiguousStatsStore struct {
	*memory.Store
	mu     sync.Mutex
	failed int
	reads  int
}

func (a *ambiguousStatsStore) ApplyStats(ctx context.Context, id string, d monitor.StatsDelta) (monitor.Campaign, error) {
	c, err := a.Store.ApplyStats(ctx, id, d)
	if err != nil || d.Items == 0 {
		return c, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed++
	return monitor.Campaign{}, fmt.Errorf("commit acknowledgement lost: %w", monitor.ErrPersistence)
}

func (a *ambiguousStatsStore) GetCampaign(ctx context.Context, id string) (monitor.Campaign, error) {
	a.mu.Lock()
	a.reads++
	a.mu.Unlock()
	return a.Store.GetCampaign(ctx, id)
}

// TestStatsFailureRereadsBeforeCompleting decides completion from the persisted record.
func TestStatsFailureRereadsBeforeCompleting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 195))
	stats := &ambiguousStatsStore{Store: h.store}
	h.sched.campaigns = stats
	h.source.byTerm["flood"] = batch("a", 10)
	h.source.byTerm["evacuation"] = batch("b", 10)

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	readsBefore := stats.reads

	res := h.runNow(t, "c1")
	require.Equal(t, 1, stats.failed)
	require.Equal(t, readsBefore+2, stats.reads, "tick load plus re-read after the failed stats write")
	require.True(t, res.Completed)
	require.Equal(t, 5, res.NewItems)
	require.Equal(t, []string{"flood"}, h.source.Calls())

	c, err := h.store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 200, c.Stats.TotalItems)
	require.Equal(t, monitor.CampaignCompleted, c.Status)
	require.Equal(t, StateCompleted, h.sched.Status("c1").State)
}

func TestTermFailureIsIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))
	h.source.errs["flood"] = fmt.Errorf("timeout: %w", monitor.ErrAdapter)
	h.source.byTerm["evacuation"] = batch("b", 4)

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	res := h.runNow(t, "c1")
	require.Equal(t, 1, res.TermErrors)
	require.Equal(t, 4, res.NewItems)
	require.Equal(t, []string{"flood", "evacuation", "levee", "#stormwatch"}, h.source.Calls())
	require.Equal(t, StateRunning, h.sched.Status("c1").State)
}

func TestAuthFailureInvalidatesAndEndsTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))
	h.source.errs["flood"] = fmt.Errorf("search: %w", monitor.ErrAuth)

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	res := h.runNow(t, "c1")
	require.True(t, res.Degraded)
	require.Equal(t, []string{"flood"}, h.source.Calls())
	require.Equal(t, 1, h.sessions.invalidated)
	require.Equal(t, StateDegraded, h.sched.Status("c1").State)
	require.True(t, h.pub.Has("c1:"+monitor.EventCampaignDegraded))
}

func TestSyncWithoutSessionIsDegraded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, campaign("c1", 0))
	h.sessions.err = monitor.ErrAuthExhausted

	st, err := h.sched.Sync(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, StateDegraded, st.State)
	require.Empty(t, h.sched.jobs)
}

func TestStoppedJobIgnoresLateTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))
	h.source.byTerm["flood"] = batch("a", 3)

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	h.sched.mu.Lock()
	stale := h.sched.jobs["c1"]
	h.sched.mu.Unlock()

	st, err := h.sched.OnCampaignArchived(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StateStopped, st.State)
	require.False(t, h.sched.Stop("c1", "again"))

	h.sched.tick(stale)
	require.Empty(t, h.source.Calls())
	require.True(t, h.pub.Has("c1:"+monitor.EventJobStopped))
}

func TestRestartReplacesPriorGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))

	first, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	h.sched.mu.Lock()
	old := h.sched.jobs["c1"]
	h.sched.mu.Unlock()

	second, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	require.Greater(t, second.Generation, first.Generation)
	require.Error(t, old.ctx.Err())
	require.Len(t, h.sched.cron.Entries(), 1)

	h.sched.tick(old)
	require.Empty(t, h.source.Calls())
}

func TestPanicAbortsOnlyTheTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))
	h.source.panicOn = "flood"

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	h.sched.mu.Lock()
	j := h.sched.jobs["c1"]
	h.sched.mu.Unlock()

	_, err = h.sched.runTick(ctx, j)
	require.ErrorContains(t, err, "panicked")
	require.True(t, h.sched.current(j))
	require.Equal(t, StateRunning, h.sched.Status("c1").State)
}

func TestRealTimeAlertsRunInline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := campaign("c1", 0)
	c.Settings.RealTimeAlerts = true
	c.Settings.AlertThreshold = 100
	h := newHarness(t, c)
	hot := batch("hot", 1)
	hot[0].Engagement.Likes = 500
	h.source.byTerm["flood"] = append(batch("a", 2), hot...)

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	res := h.runNow(t, "c1")
	require.Equal(t, 1, res.Alerts)
	require.Equal(t, []string{"a-0", "a-1", "hot-0"}, h.alerts.processed)
	require.Len(t, h.alerts.threshold, 3)
}

func TestSyncCompletesAndStops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	paused := campaign("c2", 0)
	paused.Status = monitor.CampaignPaused
	h := newHarness(t, campaign("c1", 200), paused)

	st, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st.State)
	c, err := h.store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, monitor.CampaignCompleted, c.Status)

	st, err = h.sched.Sync(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, StateStopped, st.State)

	st, err = h.sched.Sync(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, StateNotStarted, h.sched.Status("other").State)
}

func TestRecoverStaggersWaves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var camps []monitor.Campaign
	for i := range 7 {
		c := campaign(fmt.Sprintf("c%d", i), 0)
		c.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		camps = append(camps, c)
	}
	camps = append(camps, campaign("full", 200))
	h := newHarness(t, camps...)

	n, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, StateCompleted, h.sched.Status("full").State)

	n, err = h.sched.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, time.Duration(0), h.sched.recoveryDelay(0))
	require.Equal(t, 40*time.Second, h.sched.recoveryDelay(4))
	require.Equal(t, time.Minute, h.sched.recoveryDelay(5))
	require.Equal(t, time.Minute+20*time.Second, h.sched.recoveryDelay(7))
	require.Len(t, h.sched.Jobs(), 8)
}

// TestRecoveredJobsKeepDistinctSlots keeps the stagger on ticks after the first run.
func TestRecoveredJobsKeepDistinctSlots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var camps []monitor.Campaign
	for i := range 4 {
		c := campaign(fmt.Sprintf("c%d", i), 0)
		c.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		camps = append(camps, c)
	}
	h := newHarness(t, camps...)
	h.sched.cfg.RecoveryStagger = 10 * time.Minute
	h.sched.cron.Start()
	t.Cleanup(func() { <-h.sched.cron.Stop().Done() })

	n, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	next := make([]time.Time, 0, n)
	for i := range n {
		h.sched.mu.Lock()
		j := h.sched.jobs[fmt.Sprintf("c%d", i)]
		h.sched.mu.Unlock()
		require.NotNil(t, j)
		e := h.sched.cron.Entry(j.entryID)
		require.True(t, e.Valid())
		require.WithinDuration(t, j.firstRun.Add(time.Hour), e.Next, time.Second)
		next = append(next, e.Next)
	}
	for i := 1; i < len(next); i++ {
		require.InDelta(t, float64(10*time.Minute), float64(next[i].Sub(next[i-1])), float64(time.Second))
	}
}

func TestPhasedEveryAnchorsToStart(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 9, 10, 0, 0, time.UTC)
	p := phasedEvery{start: start, interval: time.Hour}

	require.Equal(t, start.Add(time.Hour), p.Next(start.Add(-time.Minute)))
	require.Equal(t, start.Add(time.Hour), p.Next(start))
	require.Equal(t, start.Add(2*time.Hour), p.Next(start.Add(time.Hour)))
	require.Equal(t, start.Add(3*time.Hour), p.Next(start.Add(2*time.Hour+time.Second)))
}

func TestRecoverReschedulesDegradedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, campaign("c1", 0))

	_, err := h.sched.Sync(ctx, "c1")
	require.NoError(t, err)
	h.sched.markDegraded("c1", errors.New("login failed"))

	n, err := h.sched.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StateRunning, h.sched.Status("c1").State)
}

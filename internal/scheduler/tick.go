package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

// TickResult summarises one crawl tick.
type TickResult struct {
	RunID      string
	Terms      int
	TermErrors int
	NewItems   int
	Alerts     int
	Completed  bool
	Degraded   bool
	Stopped    bool
}

func (r TickResult) outcome() string {
	switch {
	case r.Completed:
		return "completed"
	case r.Stopped:
		return "stopped"
	case r.Degraded:
		return "degraded"
	}
	return "ok"
}

// tick is the body of every cron firing and first-run timer.
func (s *Scheduler) tick(j *job) {
	if !s.current(j) || j.ctx.Err() != nil {
		metrics.ObserveTick("stale")
		return
	}
	if !j.run.TryLock() {
		metrics.ObserveTick("overlap")
		return
	}
	defer j.run.Unlock()

	ctx, cancel := context.WithTimeout(j.ctx, s.cfg.TickTimeout)
	defer cancel()

	j.set(func(j *job) { j.inFlight = true })
	defer j.set(func(j *job) { j.inFlight = false })

	res, err := s.runTick(ctx, j)
	if err != nil {
		metrics.ObserveTick("error")
		j.set(func(j *job) { j.lastErr = err.Error() })
		s.logger.Error("crawl tick failed", zap.String("campaign_id", j.campaignID), zap.Error(err))
		return
	}
	metrics.ObserveTick(res.outcome())
}

func (s *Scheduler) runTick(ctx context.Context, j *job) (res TickResult, err error) {
	ctx, span := tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.String("campaign.id", j.campaignID),
		attribute.Int64("job.generation", int64(j.generation)),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl tick panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	logger := s.logger.With(zap.String("campaign_id", j.campaignID), zap.Uint64("generation", j.generation))

	camp, err := s.campaigns.GetCampaign(ctx, j.campaignID)
	if errors.Is(err, monitor.ErrNotFound) {
		s.retire(j.campaignID, j, StateStopped, "deleted")
		res.Stopped = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load campaign: %w", err)
	}
	if camp.Status != monitor.CampaignActive {
		state := StateStopped
		if camp.Status == monitor.CampaignCompleted {
			state = StateCompleted
		}
		s.retire(camp.ID, j, state, string(camp.Status))
		res.Stopped = true
		return res, nil
	}
	ceiling := camp.Ceiling(s.cfg.DefaultCeiling)
	if camp.Stats.TotalItems >= ceiling {
		s.complete(ctx, j, camp)
		res.Completed = true
		return res, nil
	}

	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		s.markDegraded(camp.ID, err)
		res.Degraded = true
		return res, nil
	}

	runID, err := s.ids.NewID()
	if err != nil {
		return res, fmt.Errorf("new run id: %w", err)
	}
	res.RunID = runID
	terms := SearchTerms(camp, s.cfg.Terms)
	res.Terms = len(terms)
	j.set(func(j *job) { j.itemsThisRun = 0 })

	var fresh []monitor.Item
	for n, term := range terms {
		if ctx.Err() != nil || !s.current(j) {
			break
		}
		remaining := camp.Remaining(s.cfg.DefaultCeiling)
		if remaining == 0 {
			break
		}
		inserted, updated, err := s.crawlTerm(ctx, camp, sess, runID, n, term, remaining)
		if errors.Is(err, monitor.ErrAuth) {
			s.sessions.Invalidate()
			s.markDegraded(camp.ID, err)
			res.Degraded = true
			break
		}
		if err != nil {
			metrics.ObserveTerm("error")
			res.TermErrors++
			logger.Warn("search term failed", zap.String("term", term), zap.Error(err))
			continue
		}
		metrics.ObserveTerm("ok")
		camp = updated
		fresh = append(fresh, inserted...)
		j.set(func(j *job) { j.itemsThisRun += len(inserted) })
	}
	res.NewItems = len(fresh)

	if ctx.Err() == nil {
		crawled := s.clock.Now()
		if updated, err := s.campaigns.ApplyStats(ctx, camp.ID, monitor.StatsDelta{CrawledAt: &crawled}); err != nil {
			logger.Warn("record crawl time failed", zap.Error(err))
		} else {
			camp = updated
		}
	}

	if len(fresh) > 0 {
		if s.classifier != nil {
			s.classifier.Trigger()
		}
		if camp.Settings.RealTimeAlerts && s.alerts != nil {
			res.Alerts = s.alertInline(ctx, camp, fresh)
		}
	}

	j.set(func(j *job) {
		j.lastRun = s.clock.Now()
		if !res.Degraded {
			j.state = StateRunning
			j.lastErr = ""
		}
	})
	span.SetAttributes(attribute.Int("crawl.terms", res.Terms), attribute.Int("crawl.new_items", res.NewItems))
	logger.Info("crawl tick finished",
		zap.String("run_id", runID),
		zap.Int("terms", res.Terms),
		zap.Int("term_errors", res.TermErrors),
		zap.Int("new_items", res.NewItems),
		zap.Int("total_items", camp.Stats.TotalItems))
	s.pub.PublishCampaignEvent(camp.ID, monitor.EventCrawlCompleted, map[string]any{
		"run_id":      runID,
		"terms":       res.Terms,
		"term_errors": res.TermErrors,
		"new_items":   res.NewItems,
		"total_items": camp.Stats.TotalItems,
	})

	if camp.Stats.TotalItems >= ceiling && s.current(j) {
		s.complete(ctx, j, camp)
		res.Completed = true
	}
	return res, nil
}

// crawlTerm searches one term and persists the new items, never beyond
// remaining. It returns the inserted items and the campaign after the
// stats update.
func (s *Scheduler) crawlTerm(
	ctx context.Context,
	camp monitor.Campaign,
	sess monitor.Session,
	runID string,
	n int,
	term string,
	remaining int,
) ([]monitor.Item, monitor.Campaign, error) {
	batch, err := s.source.Search(ctx, sess, term, min(s.cfg.PerTermMax, remaining))
	if err != nil {
		return nil, camp, fmt.Errorf("search %q: %w", term, err)
	}
	s.archiveBatch(ctx, camp.ID, runID, n, term, batch)

	seen := make(map[string]struct{}, len(batch))
	candidates := make([]monitor.Item, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, it := range batch {
		if it.ID == "" {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		candidates = append(candidates, it)
		ids = append(ids, it.ID)
	}
	if len(candidates) == 0 {
		return nil, camp, nil
	}

	existing, err := s.items.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, camp, fmt.Errorf("check existing items: %w", err)
	}
	now := s.clock.Now()
	fresh := candidates[:0]
	for _, it := range candidates {
		if _, ok := existing[it.ID]; ok {
			continue
		}
		if it.SearchTerm == "" {
			it.SearchTerm = term
		}
		it.IngestedAt = now
		it.Analyzed = false
		it.Classification = nil
		it.AnalysisError = ""
		fresh = append(fresh, it)
	}
	if len(fresh) > remaining {
		fresh = fresh[:remaining]
	}
	if len(fresh) == 0 {
		return nil, camp, nil
	}

	inserted, err := s.items.InsertItems(ctx, fresh)
	if err != nil {
		return nil, camp, fmt.Errorf("insert items: %w", err)
	}
	if len(inserted) == 0 {
		return nil, camp, nil
	}
	metrics.AddItemsIngested(len(inserted))

	delta := monitor.StatsDelta{Items: len(inserted)}
	for _, it := range inserted {
		delta.Engagement += it.Engagement.Total()
		if it.SentimentHint != nil {
			delta.SentimentSum += *it.SentimentHint
			delta.SentimentN++
		}
	}
	updated, err := s.campaigns.ApplyStats(ctx, camp.ID, delta)
	if err != nil {
		s.logger.Warn("apply crawl stats failed", zap.String("campaign_id", camp.ID), zap.Error(err))
		if reloaded, rerr := s.campaigns.GetCampaign(ctx, camp.ID); rerr == nil {
			return inserted, reloaded, nil
		}
		camp.Stats.TotalItems += len(inserted)
		return inserted, camp, nil
	}
	return inserted, updated, nil
}

type archivedBatch struct {
	CampaignID string         `json:"campaign_id"`
	RunID      string         `json:"run_id"`
	Term       string         `json:"term"`
	FetchedAt  time.Time      `json:"fetched_at"`
	Items      []monitor.Item `json:"items"`
}

// archiveBatch writes the raw search result to the blob store. Failures
// are logged only.
func (s *Scheduler) archiveBatch(ctx context.Context, campaignID, runID string, n int, term string, batch []monitor.Item) {
	if s.archive == nil || len(batch) == 0 {
		return
	}
	now := s.clock.Now().UTC()
	body, err := json.Marshal(archivedBatch{CampaignID: campaignID, RunID: runID, Term: term, FetchedAt: now, Items: batch})
	if err != nil {
		s.logger.Warn("encode crawl batch failed", zap.Error(err))
		return
	}
	key := path.Join(s.cfg.ArchivePrefix, campaignID, now.Format("2006-01-02"), fmt.Sprintf("%s-%d.json", runID, n))
	if _, err := s.archive.PutObject(ctx, key, "application/json", bytes.NewReader(body)); err != nil {
		s.logger.Warn("archive crawl batch failed", zap.String("path", key), zap.Error(err))
	}
}

// alertInline runs the threshold check and the rule pass for each new item.
func (s *Scheduler) alertInline(ctx context.Context, camp monitor.Campaign, items []monitor.Item) int {
	raised := 0
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if _, ok, err := s.alerts.ProcessThreshold(ctx, camp, it); err != nil {
			s.logger.Warn("threshold alert failed", zap.String("item_id", it.ID), zap.Error(err))
		} else if ok {
			raised++
		}
		alerts, err := s.alerts.Process(ctx, it, camp.ID)
		if err != nil {
			s.logger.Warn("inline rule pass failed", zap.String("item_id", it.ID), zap.Error(err))
		}
		raised += len(alerts)
	}
	return raised
}

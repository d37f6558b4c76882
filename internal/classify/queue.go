// Package classify feeds unanalyzed items to the classification oracle.
//
// Work arrives three ways: a bounded backlog sweep at startup, a recurring
// sweep over the recent ingestion window, and a coalesced hand-off trigger
// fired by the crawl scheduler. Only one sweep runs at a time; items are
// submitted strictly one after another with a fixed delay between them.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/clock/system"
	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

var tracer = otel.Tracer("github.com/socialwatch/sentinel/internal/classify")

// Config tunes sweep sizes and pacing.
type Config struct {
	BatchSize       int           `mapstructure:"batch_size"`
	ItemDelay       time.Duration `mapstructure:"item_delay"`
	ItemTimeout     time.Duration `mapstructure:"item_timeout"`
	BacklogPageSize int           `mapstructure:"backlog_page_size"`
	BacklogMaxPages int           `mapstructure:"backlog_max_pages"`
	RecentWindow    time.Duration `mapstructure:"recent_window"`
	HandoffDelay    time.Duration `mapstructure:"handoff_delay"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ItemDelay <= 0 {
		c.ItemDelay = 2 * time.Second
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.BacklogPageSize <= 0 {
		c.BacklogPageSize = 100
	}
	if c.BacklogMaxPages <= 0 {
		c.BacklogMaxPages = 20
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 10 * time.Minute
	}
	if c.HandoffDelay <= 0 {
		c.HandoffDelay = 5 * time.Second
	}
}

// RuleProcessor runs the alert-rule pass for a freshly classified item.
type RuleProcessor interface {
	Process(ctx context.Context, item monitor.Item, campaignIDs ...string) ([]monitor.Alert, error)
}

// Result summarises one sweep.
type Result struct {
	Kind       string `json:"kind"`
	Fetched    int    `json:"fetched"`
	Classified int    `json:"classified"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Alerts     int    `json:"alerts"`
}

// Queue is the classification worker. It is safe for concurrent use; at
// most one sweep executes at any moment.
type Queue struct {
	items     monitor.ItemStore
	campaigns monitor.CampaignStore
	oracle    monitor.Oracle
	rules     RuleProcessor
	pub       monitor.Publisher
	clock     monitor.Clock
	cfg       Config
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error

	base    context.Context
	busy    atomic.Bool
	pending atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// New constructs a Queue. base bounds hand-off sweeps started by Trigger.
func New(
	base context.Context,
	items monitor.ItemStore,
	campaigns monitor.CampaignStore,
	oracle monitor.Oracle,
	rules RuleProcessor,
	pub monitor.Publisher,
	clk monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = system.New()
	}
	cfg.setDefaults()
	return &Queue{
		items:     items,
		campaigns: campaigns,
		oracle:    oracle,
		rules:     rules,
		pub:       pub,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.Named("classifier"),
		sleep:     system.Sleep,
		base:      base,
	}
}

// Busy reports whether a sweep is running.
func (q *Queue) Busy() bool { return q.busy.Load() }

// RunBacklog classifies the unanalyzed backlog newest first, bounded by
// BacklogMaxPages pages of BacklogPageSize items.
func (q *Queue) RunBacklog(ctx context.Context) (Result, error) {
	return q.sweep(ctx, "backlog", func(ctx context.Context, page, skipped int) ([]monitor.Item, error) {
		if page >= q.cfg.BacklogMaxPages {
			return nil, nil
		}
		return q.items.ListItems(ctx, monitor.ItemQuery{
			Analyzed: monitor.Bool(false),
			Offset:   skipped,
			Limit:    q.cfg.BacklogPageSize,
		})
	})
}

// RunRecent classifies unanalyzed items ingested within RecentWindow.
func (q *Queue) RunRecent(ctx context.Context) (Result, error) {
	since := q.clock.Now().Add(-q.cfg.RecentWindow)
	return q.sweep(ctx, "recent", func(ctx context.Context, page, skipped int) ([]monitor.Item, error) {
		if page >= q.cfg.BacklogMaxPages {
			return nil, nil
		}
		return q.items.ListItems(ctx, monitor.ItemQuery{
			Analyzed:      monitor.Bool(false),
			IngestedAfter: since,
			Offset:        skipped,
			Limit:         q.cfg.BacklogPageSize,
		})
	})
}

// Trigger schedules a recent-window sweep after HandoffDelay. Calls made
// while one is already pending coalesce into it.
func (q *Queue) Trigger() {
	if !q.pending.CompareAndSwap(false, true) {
		return
	}
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	if q.closed {
		q.pending.Store(false)
		return
	}
	q.timer = time.AfterFunc(q.cfg.HandoffDelay, q.handoff)
}

func (q *Queue) handoff() {
	q.pending.Store(false)
	if q.base.Err() != nil {
		return
	}
	_, err := q.RunRecent(q.base)
	switch {
	case errors.Is(err, monitor.ErrBusy):
		// The running sweep may have listed before the newest items landed.
		q.Trigger()
	case err != nil:
		q.logger.Warn("hand-off sweep failed", zap.Error(err))
	}
}

// Stop cancels a pending hand-off.
func (q *Queue) Stop() {
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
}

type fetchFunc func(ctx context.Context, page, skipped int) ([]monitor.Item, error)

func (q *Queue) sweep(ctx context.Context, kind string, fetch fetchFunc) (res Result, err error) {
	if !q.busy.CompareAndSwap(false, true) {
		return Result{Kind: kind}, fmt.Errorf("classification sweep %s: %w", kind, monitor.ErrBusy)
	}
	defer q.busy.Store(false)

	ctx, span := tracer.Start(ctx, "classify.sweep", trace.WithAttributes(attribute.String("classify.kind", kind)))
	defer span.End()

	res.Kind = kind
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classification sweep %s panicked: %v", kind, r)
			q.logger.Error("classification sweep panicked", zap.String("kind", kind), zap.Any("panic", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		q.finish(res)
	}()

	campaigns, err := q.campaigns.ListCampaigns(ctx, monitor.CampaignFilter{
		Statuses: []monitor.CampaignStatus{monitor.CampaignActive, monitor.CampaignPaused, monitor.CampaignCompleted},
	})
	if err != nil {
		return res, fmt.Errorf("list campaigns: %w", err)
	}

	seen := make(map[string]struct{})
	perCampaign := make(map[string]int)
	skipped := 0
	submitted := 0
	for page := 0; ; page++ {
		batch, err := fetch(ctx, page, skipped)
		if err != nil {
			return res, fmt.Errorf("list unanalyzed items: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		fresh := 0
		for start := 0; start < len(batch); start += q.cfg.BatchSize {
			end := min(start+q.cfg.BatchSize, len(batch))
			for _, item := range batch[start:end] {
				if _, dup := seen[item.ID]; dup {
					continue
				}
				seen[item.ID] = struct{}{}
				fresh++
				res.Fetched++
				if submitted > 0 {
					if err := q.sleep(ctx, q.cfg.ItemDelay); err != nil {
						return res, err
					}
				}
				submitted++
				outcome, alerts, matched := q.classify(ctx, item, campaigns)
				res.Alerts += alerts
				switch outcome {
				case outcomeClassified:
					res.Classified++
					for _, id := range matched {
						perCampaign[id]++
					}
				case outcomeFailed:
					res.Failed++
				case outcomeSkipped:
					res.Skipped++
					skipped++
				case outcomeAborted:
					skipped++
				}
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
			}
			q.logger.Debug("classification batch done",
				zap.String("kind", kind),
				zap.Int("page", page),
				zap.Int("classified", res.Classified))
		}
		if fresh == 0 {
			break
		}
	}

	for id, n := range perCampaign {
		q.pub.PublishCampaignEvent(id, monitor.EventItemsClassified, map[string]any{"items": n})
	}
	span.SetAttributes(
		attribute.Int("classify.fetched", res.Fetched),
		attribute.Int("classify.classified", res.Classified),
		attribute.Int("classify.failed", res.Failed),
	)
	return res, nil
}

func (q *Queue) finish(res Result) {
	q.pub.PublishSystemEvent(monitor.EventSweepFinished, map[string]any{
		"kind":       res.Kind,
		"fetched":    res.Fetched,
		"classified": res.Classified,
		"failed":     res.Failed,
		"alerts":     res.Alerts,
	})
	if res.Fetched > 0 {
		q.logger.Info("classification sweep finished",
			zap.String("kind", res.Kind),
			zap.Int("fetched", res.Fetched),
			zap.Int("classified", res.Classified),
			zap.Int("failed", res.Failed),
			zap.Int("alerts", res.Alerts))
	}
}

type outcome int

const (
	outcomeClassified outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeAborted
)

// classify submits one item and records the verdict. It returns the
// campaigns the item counted towards.
func (q *Queue) classify(ctx context.Context, item monitor.Item, campaigns []monitor.Campaign) (outcome, int, []string) {
	logger := q.logger.With(zap.String("item_id", item.ID))

	current, err := q.items.GetItem(ctx, item.ID)
	if err != nil {
		logger.Warn("reload item failed", zap.Error(err))
		return outcomeSkipped, 0, nil
	}
	if current.Analyzed {
		return outcomeSkipped, 0, nil
	}

	var (
		matched []string
		topics  []string
	)
	for _, c := range campaigns {
		if c.Matches(current) {
			matched = append(matched, c.ID)
			topics = append(topics, c.Topic)
		}
	}

	octx, cancel := context.WithTimeout(ctx, q.cfg.ItemTimeout)
	cls, err := q.oracle.Classify(octx, current.Text, monitor.ClassifyContext{
		ItemID:     current.ID,
		Author:     current.Author.Handle,
		Language:   current.Language,
		SearchTerm: current.SearchTerm,
		Topics:     topics,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return outcomeAborted, 0, nil
		}
		metrics.ObserveClassification("failed")
		logger.Warn("classification failed", zap.Error(err))
		if markErr := q.items.MarkAnalysisFailed(ctx, current.ID, err.Error()); markErr != nil {
			logger.Error("mark analysis failed", zap.Error(markErr))
			return outcomeSkipped, 0, nil
		}
		return outcomeFailed, 0, nil
	}
	if cls.ClassifiedAt.IsZero() {
		cls.ClassifiedAt = q.clock.Now()
	}
	if err := q.items.SaveClassification(ctx, current.ID, cls); err != nil {
		logger.Error("save classification failed", zap.Error(err))
		return outcomeSkipped, 0, nil
	}
	metrics.ObserveClassification("classified")
	current.Classification = &cls
	current.Analyzed = true

	for _, id := range matched {
		delta := monitor.StatsDelta{Categories: map[string]int{}}
		// Items carrying a source hint were sampled at ingest.
		if current.SentimentHint == nil {
			delta.SentimentSum = cls.Sentiment.Score
			delta.SentimentN = 1
		}
		if cls.Category != "" {
			delta.Categories[cls.Category] = 1
		}
		if _, err := q.campaigns.ApplyStats(ctx, id, delta); err != nil {
			logger.Warn("apply classification stats failed", zap.String("campaign_id", id), zap.Error(err))
		}
	}

	if q.rules == nil {
		return outcomeClassified, 0, matched
	}
	alerts, err := q.rules.Process(ctx, current, matched...)
	if err != nil {
		logger.Warn("rule pass failed", zap.Error(err))
	}
	return outcomeClassified, len(alerts), matched
}

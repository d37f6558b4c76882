// Package memory implements monitor.Store in process memory for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// Store keeps every record in maps guarded by one mutex. Returned values are
// copies; callers never alias stored state.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]monitor.Campaign
	items     map[string]monitor.Item
	rules     map[string]monitor.AlertRule
	alerts    map[string]monitor.Alert
	dedupe    map[string]string
	claims    map[string]time.Time
	now       func() time.Time
}

var _ monitor.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		campaigns: make(map[string]monitor.Campaign),
		items:     make(map[string]monitor.Item),
		rules:     make(map[string]monitor.AlertRule),
		alerts:    make(map[string]monitor.Alert),
		dedupe:    make(map[string]string),
		claims:    make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// CreateCampaign stores a new campaign.
func (s *Store) CreateCampaign(_ context.Context, c monitor.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s: %w", c.ID, monitor.ErrDuplicate)
	}
	if c.Stats.CategoryCounts == nil {
		c.Stats.CategoryCounts = make(map[string]int)
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(_ context.Context, id string) (monitor.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return monitor.Campaign{}, fmt.Errorf("campaign %s: %w", id, monitor.ErrNotFound)
	}
	return cloneCampaign(c), nil
}

// ListCampaigns returns campaigns ordered by creation time.
func (s *Store) ListCampaigns(_ context.Context, filter monitor.CampaignFilter) ([]monitor.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, c.Status) {
			continue
		}
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateCampaignStatus sets the status when the current one is allowed.
func (s *Store) UpdateCampaignStatus(_ context.Context, id string, status monitor.CampaignStatus, from ...monitor.CampaignStatus) (monitor.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return monitor.Campaign{}, fmt.Errorf("campaign %s: %w", id, monitor.ErrNotFound)
	}
	if len(from) > 0 && !slices.Contains(from, c.Status) {
		return cloneCampaign(c), fmt.Errorf("campaign %s is %s: %w", id, c.Status, monitor.ErrInvalidTransition)
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return cloneCampaign(c), nil
}

// ApplyStats increments campaign counters.
func (s *Store) ApplyStats(_ context.Context, id string, d monitor.StatsDelta) (monitor.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return monitor.Campaign{}, fmt.Errorf("campaign %s: %w", id, monitor.ErrNotFound)
	}
	c = cloneCampaign(c)
	c.Stats.TotalItems += d.Items
	c.Stats.TotalEngagement += d.Engagement
	c.Stats.SentimentSum += d.SentimentSum
	c.Stats.SentimentSamples += d.SentimentN
	c.Stats.AlertsGenerated += d.Alerts
	for k, v := range d.Categories {
		c.Stats.CategoryCounts[k] += v
	}
	if d.CrawledAt != nil {
		t := *d.CrawledAt
		c.Stats.LastCrawlAt = &t
	}
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return cloneCampaign(c), nil
}

// InsertItems stores items with unseen IDs and returns them.
func (s *Store) InsertItems(_ context.Context, items []monitor.Item) ([]monitor.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := make([]monitor.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, ok := s.items[it.ID]; ok {
			continue
		}
		s.items[it.ID] = cloneItem(it)
		inserted = append(inserted, cloneItem(it))
	}
	return inserted, nil
}

// ExistingIDs reports which of ids are already stored.
func (s *Store) ExistingIDs(_ context.Context, ids []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := s.items[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(_ context.Context, id string) (monitor.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return monitor.Item{}, fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	return cloneItem(it), nil
}

// ListItems returns matching items newest-ingested first.
func (s *Store) ListItems(_ context.Context, q monitor.ItemQuery) ([]monitor.Item, error) {
	s.mu.RLock()
	matched := s.filterItems(q)
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].IngestedAt.Equal(matched[j].IngestedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].IngestedAt.After(matched[j].IngestedAt)
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// CountItems counts matching items.
func (s *Store) CountItems(_ context.Context, q monitor.ItemQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filterItems(q))), nil
}

func (s *Store) filterItems(q monitor.ItemQuery) []monitor.Item {
	var out []monitor.Item
	for _, it := range s.items {
		if q.Analyzed != nil && it.Analyzed != *q.Analyzed {
			continue
		}
		if !q.IngestedAfter.IsZero() && !it.IngestedAt.After(q.IngestedAfter) {
			continue
		}
		if len(q.SearchTerms) > 0 && !slices.ContainsFunc(q.SearchTerms, func(t string) bool {
			return strings.EqualFold(t, it.SearchTerm)
		}) {
			continue
		}
		out = append(out, cloneItem(it))
	}
	return out
}

// SaveClassification records a successful classification.
func (s *Store) SaveClassification(_ context.Context, id string, cls monitor.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	c := cls
	c.Recommendations = slices.Clone(cls.Recommendations)
	it.Classification = &c
	it.Analyzed = true
	it.AnalysisError = ""
	s.items[id] = it
	return nil
}

// MarkAnalysisFailed marks an item analyzed with an error marker.
func (s *Store) MarkAnalysisFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	it.Analyzed = true
	it.AnalysisError = reason
	s.items[id] = it
	return nil
}

// CreateRule stores a new rule.
func (s *Store) CreateRule(_ context.Context, r monitor.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s: %w", r.ID, monitor.ErrDuplicate)
	}
	s.rules[r.ID] = r
	return nil
}

// UpdateRule replaces a stored rule.
func (s *Store) UpdateRule(_ context.Context, r monitor.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return fmt.Errorf("rule %s: %w", r.ID, monitor.ErrNotFound)
	}
	s.rules[r.ID] = r
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(_ context.Context, id string) (monitor.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return monitor.AlertRule{}, fmt.Errorf("rule %s: %w", id, monitor.ErrNotFound)
	}
	return r, nil
}

// ListActiveRules returns active rules ordered by ID.
func (s *Store) ListActiveRules(context.Context) ([]monitor.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.AlertRule
	for _, id := range slices.Sorted(maps.Keys(s.rules)) {
		if r := s.rules[id]; r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecordTrigger bumps the trigger counter.
func (s *Store) RecordTrigger(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, monitor.ErrNotFound)
	}
	r.Performance.Triggers++
	r.Performance.LastTriggeredAt = &at
	s.rules[id] = r
	return nil
}

// RecordOutcome bumps an outcome counter and recomputes accuracy.
func (s *Store) RecordOutcome(_ context.Context, id string, truePositive bool) (monitor.RulePerformance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return monitor.RulePerformance{}, fmt.Errorf("rule %s: %w", id, monitor.ErrNotFound)
	}
	if truePositive {
		r.Performance.TruePositives++
	} else {
		r.Performance.FalsePositives++
	}
	r.Performance.Recompute()
	s.rules[id] = r
	return r.Performance, nil
}

// CreateAlert stores a new alert unless its dedupe key exists.
func (s *Store) CreateAlert(_ context.Context, a monitor.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.DedupeKey != "" {
		if _, ok := s.dedupe[a.DedupeKey]; ok {
			return fmt.Errorf("alert %s: %w", a.DedupeKey, monitor.ErrDuplicate)
		}
	}
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s: %w", a.ID, monitor.ErrDuplicate)
	}
	s.alerts[a.ID] = cloneAlert(a)
	if a.DedupeKey != "" {
		s.dedupe[a.DedupeKey] = a.ID
	}
	return nil
}

// ClaimDedupeKey records key unless it is already claimed.
func (s *Store) ClaimDedupeKey(_ context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	s.claims[key] = at
	return true, nil
}

// ReleaseDedupeKey forgets a claim.
func (s *Store) ReleaseDedupeKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// GetAlert fetches an alert by ID.
func (s *Store) GetAlert(_ context.Context, id string) (monitor.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return monitor.Alert{}, fmt.Errorf("alert %s: %w", id, monitor.ErrNotFound)
	}
	return cloneAlert(a), nil
}

// UpdateAlertStatus sets the status; terminal statuses record the actor.
func (s *Store) UpdateAlertStatus(_ context.Context, id string, status monitor.AlertStatus, actor string) (monitor.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return monitor.Alert{}, fmt.Errorf("alert %s: %w", id, monitor.ErrNotFound)
	}
	a.Status = status
	if status.Terminal() {
		a.ResolvedBy = actor
	}
	a.UpdatedAt = s.now()
	s.alerts[id] = a
	return cloneAlert(a), nil
}

// ListUndelivered returns undelivered alerts created before the cutoff,
// oldest first.
func (s *Store) ListUndelivered(_ context.Context, before time.Time, limit int) ([]monitor.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Alert
	for _, a := range s.alerts {
		if a.DeliveredAt == nil && a.CreatedAt.Before(before) {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDelivered stamps DeliveredAt on the given alerts; unknown IDs are ignored.
func (s *Store) MarkDelivered(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		a, ok := s.alerts[id]
		if !ok || a.DeliveredAt != nil {
			continue
		}
		t := at
		a.DeliveredAt = &t
		s.alerts[id] = a
	}
	return nil
}

// CountAlerts counts alerts matching q.
func (s *Store) CountAlerts(_ context.Context, q monitor.AlertQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.alerts {
		if q.RuleID != "" && a.RuleID != q.RuleID {
			continue
		}
		if q.CampaignID != "" && a.CampaignID != q.CampaignID {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
			continue
		}
		n++
	}
	return n, nil
}

func cloneCampaign(c monitor.Campaign) monitor.Campaign {
	c.Keywords = slices.Clone(c.Keywords)
	c.Hashtags = slices.Clone(c.Hashtags)
	c.Stats.CategoryCounts = maps.Clone(c.Stats.CategoryCounts)
	if c.Stats.CategoryCounts == nil {
		c.Stats.CategoryCounts = make(map[string]int)
	}
	if c.Stats.LastCrawlAt != nil {
		t := *c.Stats.LastCrawlAt
		c.Stats.LastCrawlAt = &t
	}
	return c
}

func cloneItem(it monitor.Item) monitor.Item {
	it.Hashtags = slices.Clone(it.Hashtags)
	if it.SentimentHint != nil {
		v := *it.SentimentHint
		it.SentimentHint = &v
	}
	if it.Classification != nil {
		c := *it.Classification
		c.Recommendations = slices.Clone(c.Recommendations)
		it.Classification = &c
	}
	return it
}

func cloneAlert(a monitor.Alert) monitor.Alert {
	a.ItemIDs = slices.Clone(a.ItemIDs)
	a.Channels = slices.Clone(a.Channels)
	if a.DeliveredAt != nil {
		t := *a.DeliveredAt
		a.DeliveredAt = &t
	}
	return a
}

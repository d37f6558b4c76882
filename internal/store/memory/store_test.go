package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/socialwatch/sentinel/internal/monitor"
)

func TestInsertItemsReturnsOnlyNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	got, err := s.InsertItems(ctx, []monitor.Item{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.InsertItems(ctx, []monitor.Item{{ID: "b"}, {ID: "c"}, {ID: ""}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c", got[0].ID)

	existing, err := s.ExistingIDs(ctx, []string{"a", "z"})
	require.NoError(t, err)
	require.Contains(t, existing, "a")
	require.NotContains(t, existing, "z")
}

func TestListItemsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := s.InsertItems(ctx, []monitor.Item{
		{ID: "old", IngestedAt: base, SearchTerm: "Flood"},
		{ID: "mid", IngestedAt: base.Add(time.Minute), SearchTerm: "fire"},
		{ID: "new", IngestedAt: base.Add(2 * time.Minute), SearchTerm: "flood"},
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveClassification(ctx, "mid", monitor.Classification{Category: "news"}))

	items, err := s.ListItems(ctx, monitor.ItemQuery{Analyzed: monitor.Bool(false)})
	require.NoError(t, err)
	require.Equal(t, []string{"new", "old"}, ids(items))

	items, err = s.ListItems(ctx, monitor.ItemQuery{SearchTerms: []string{"FLOOD"}, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, ids(items))

	n, err := s.CountItems(ctx, monitor.ItemQuery{IngestedAfter: base})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestApplyStatsAccumulates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateCampaign(ctx, monitor.Campaign{ID: "c1", Status: monitor.CampaignActive}))

	at := time.Now().UTC()
	_, err := s.ApplyStats(ctx, "c1", monitor.StatsDelta{Items: 3, Engagement: 10, CrawledAt: &at})
	require.NoError(t, err)
	c, err := s.ApplyStats(ctx, "c1", monitor.StatsDelta{Categories: map[string]int{"news": 2}, SentimentSum: 0.5, SentimentN: 2})
	require.NoError(t, err)

	require.Equal(t, 3, c.Stats.TotalItems)
	require.EqualValues(t, 10, c.Stats.TotalEngagement)
	require.Equal(t, 2, c.Stats.CategoryCounts["news"])
	require.InDelta(t, 0.25, c.Stats.AvgSentiment(), 1e-9)
	require.NotNil(t, c.Stats.LastCrawlAt)

	_, err = s.ApplyStats(ctx, "missing", monitor.StatsDelta{Items: 1})
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestUpdateCampaignStatusGuardsFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateCampaign(ctx, monitor.Campaign{ID: "c1", Status: monitor.CampaignPaused}))

	_, err := s.UpdateCampaignStatus(ctx, "c1", monitor.CampaignCompleted, monitor.CampaignActive)
	require.ErrorIs(t, err, monitor.ErrInvalidTransition)

	c, err := s.UpdateCampaignStatus(ctx, "c1", monitor.CampaignArchived)
	require.NoError(t, err)
	require.Equal(t, monitor.CampaignArchived, c.Status)
}

func TestCreateAlertDedupes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	created := time.Now().Add(-time.Hour)

	require.NoError(t, s.CreateAlert(ctx, monitor.Alert{ID: "a1", DedupeKey: "k", CreatedAt: created}))
	require.ErrorIs(t, s.CreateAlert(ctx, monitor.Alert{ID: "a2", DedupeKey: "k"}), monitor.ErrDuplicate)

	pending, err := s.ListUndelivered(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkDelivered(ctx, []string{"a1", "ghost"}, time.Now()))
	pending, err = s.ListUndelivered(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestClaimDedupeKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	now := time.Now()

	ok, err := s.ClaimDedupeKey(ctx, "rule:r1:i1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimDedupeKey(ctx, "rule:r1:i1", now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReleaseDedupeKey(ctx, "rule:r1:i1"))
	ok, err = s.ClaimDedupeKey(ctx, "rule:r1:i1", now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecordOutcomeRecomputesAccuracy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRule(ctx, monitor.AlertRule{ID: "r1", Active: true}))
	require.NoError(t, s.CreateRule(ctx, monitor.AlertRule{ID: "r0"}))

	for _, tp := range []bool{true, true, false} {
		_, err := s.RecordOutcome(ctx, "r1", tp)
		require.NoError(t, err)
	}
	r, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.InDelta(t, 2.0/3.0, r.Performance.Accuracy, 1e-9)

	active, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateCampaign(ctx, monitor.Campaign{ID: "c1", Keywords: []string{"a"}}))

	c, err := s.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	c.Keywords[0] = "mutated"
	c.Stats.CategoryCounts["x"] = 9

	again, err := s.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "a", again.Keywords[0])
	require.Empty(t, again.Stats.CategoryCounts)
}

func ids(items []monitor.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

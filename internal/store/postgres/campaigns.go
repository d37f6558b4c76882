package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// CreateCampaign inserts a campaign.
func (s *Store) CreateCampaign(ctx context.Context, c monitor.Campaign) error {
	if c.Stats.CategoryCounts == nil {
		c.Stats.CategoryCounts = map[string]int{}
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, status, created_at, doc) VALUES ($1, $2, $3, $4)`,
		c.ID, string(c.Status), c.CreatedAt, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("campaign %s: %w", c.ID, monitor.ErrDuplicate)
	}
	if err != nil {
		return persistence("insert campaign", err)
	}
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (monitor.Campaign, error) {
	return getDoc[monitor.Campaign](ctx, s.pool, "campaigns", id)
}

// ListCampaigns returns campaigns in creation order.
func (s *Store) ListCampaigns(ctx context.Context, filter monitor.CampaignFilter) ([]monitor.Campaign, error) {
	if len(filter.Statuses) == 0 {
		return listDocs[monitor.Campaign](ctx, s.pool, `SELECT doc FROM campaigns ORDER BY created_at, id`)
	}
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	return listDocs[monitor.Campaign](ctx, s.pool,
		`SELECT doc FROM campaigns WHERE status = ANY($1) ORDER BY created_at, id`, statuses)
}

// UpdateCampaignStatus sets the status when the current one is allowed.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, status monitor.CampaignStatus, from ...monitor.CampaignStatus) (monitor.Campaign, error) {
	return mutate(ctx, s.pool, "campaigns", id,
		func(c *monitor.Campaign) error {
			if len(from) > 0 && !slices.Contains(from, c.Status) {
				return fmt.Errorf("campaign %s is %s: %w", id, c.Status, monitor.ErrInvalidTransition)
			}
			c.Status = status
			c.UpdatedAt = s.now()
			return nil
		},
		writeCampaign)
}

// ApplyStats increments campaign counters under a row lock.
func (s *Store) ApplyStats(ctx context.Context, id string, d monitor.StatsDelta) (monitor.Campaign, error) {
	return mutate(ctx, s.pool, "campaigns", id,
		func(c *monitor.Campaign) error {
			c.Stats.TotalItems += d.Items
			c.Stats.TotalEngagement += d.Engagement
			c.Stats.SentimentSum += d.SentimentSum
			c.Stats.SentimentSamples += d.SentimentN
			c.Stats.AlertsGenerated += d.Alerts
			if c.Stats.CategoryCounts == nil {
				c.Stats.CategoryCounts = map[string]int{}
			}
			for k, v := range d.Categories {
				c.Stats.CategoryCounts[k] += v
			}
			if d.CrawledAt != nil {
				t := *d.CrawledAt
				c.Stats.LastCrawlAt = &t
			}
			c.UpdatedAt = s.now()
			return nil
		},
		writeCampaign)
}

func writeCampaign(ctx context.Context, tx pgx.Tx, c monitor.Campaign, doc []byte) error {
	_, err := tx.Exec(ctx, `UPDATE campaigns SET status = $2, doc = $3 WHERE id = $1`, c.ID, string(c.Status), doc)
	return err
}

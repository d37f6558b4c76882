package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// CreateAlert inserts an alert; a repeated dedupe key yields ErrDuplicate.
func (s *Store) CreateAlert(ctx context.Context, a monitor.Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO alerts (id, dedupe_key, rule_id, campaign_id, status, created_at, delivered_at, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DedupeKey, a.RuleID, a.CampaignID, string(a.Status), a.CreatedAt, a.DeliveredAt, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("alert %s: %w", a.DedupeKey, monitor.ErrDuplicate)
	}
	if err != nil {
		return persistence("insert alert", err)
	}
	return nil
}

// ClaimDedupeKey inserts key into alert_claims and reports whether the row was new.
func (s *Store) ClaimDedupeKey(ctx context.Context, key string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO alert_claims (dedupe_key, claimed_at) VALUES ($1, $2) ON CONFLICT (dedupe_key) DO NOTHING`,
		key, at)
	if err != nil {
		return false, persistence("claim dedupe key", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseDedupeKey deletes a claim.
func (s *Store) ReleaseDedupeKey(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM alert_claims WHERE dedupe_key = $1`, key); err != nil {
		return persistence("release dedupe key", err)
	}
	return nil
}

// GetAlert fetches an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (monitor.Alert, error) {
	return getDoc[monitor.Alert](ctx, s.pool, "alerts", id)
}

// UpdateAlertStatus sets the status; terminal statuses record the actor.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status monitor.AlertStatus, actor string) (monitor.Alert, error) {
	return mutate(ctx, s.pool, "alerts", id,
		func(a *monitor.Alert) error {
			a.Status = status
			if status.Terminal() {
				a.ResolvedBy = actor
			}
			a.UpdatedAt = s.now()
			return nil
		},
		func(ctx context.Context, tx pgx.Tx, a monitor.Alert, doc []byte) error {
			_, err := tx.Exec(ctx, `UPDATE alerts SET status = $2, doc = $3 WHERE id = $1`, a.ID, string(a.Status), doc)
			return err
		})
}

// ListUndelivered returns undelivered alerts created before the cutoff, oldest first.
func (s *Store) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return listDocs[monitor.Alert](ctx, s.pool,
		`SELECT doc FROM alerts WHERE delivered_at IS NULL AND created_at < $1 ORDER BY created_at LIMIT $2`,
		before, limit)
}

// MarkDelivered stamps delivered_at on the given alerts.
func (s *Store) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE alerts SET delivered_at = $2, doc = doc || jsonb_build_object('delivered_at', $3::text)
WHERE id = ANY($1) AND delivered_at IS NULL`,
		ids, at, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return persistence("mark alerts delivered", err)
	}
	return nil
}

// CountAlerts counts alerts matching q.
func (s *Store) CountAlerts(ctx context.Context, q monitor.AlertQuery) (int64, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.RuleID != "" {
		add("rule_id = $%d", q.RuleID)
	}
	if q.CampaignID != "" {
		add("campaign_id = $%d", q.CampaignID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}
	sql := "SELECT count(*) FROM alerts"
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, persistence("count alerts", err)
	}
	return n, nil
}

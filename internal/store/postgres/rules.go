package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// CreateRule inserts a rule.
func (s *Store) CreateRule(ctx context.Context, r monitor.AlertRule) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO alert_rules (id, active, doc) VALUES ($1, $2, $3)`, r.ID, r.Active, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule %s: %w", r.ID, monitor.ErrDuplicate)
	}
	if err != nil {
		return persistence("insert rule", err)
	}
	return nil
}

// UpdateRule replaces a stored rule.
func (s *Store) UpdateRule(ctx context.Context, r monitor.AlertRule) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE alert_rules SET active = $2, doc = $3 WHERE id = $1`, r.ID, r.Active, doc)
	if err != nil {
		return persistence("update rule", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, monitor.ErrNotFound)
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (monitor.AlertRule, error) {
	return getDoc[monitor.AlertRule](ctx, s.pool, "alert_rules", id)
}

// ListActiveRules returns active rules ordered by ID.
func (s *Store) ListActiveRules(ctx context.Context) ([]monitor.AlertRule, error) {
	return listDocs[monitor.AlertRule](ctx, s.pool, `SELECT doc FROM alert_rules WHERE active ORDER BY id`)
}

// RecordTrigger bumps the trigger counter.
func (s *Store) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	_, err := mutate(ctx, s.pool, "alert_rules", id,
		func(r *monitor.AlertRule) error {
			r.Performance.Triggers++
			r.Performance.LastTriggeredAt = &at
			return nil
		},
		writeRule)
	return err
}

// RecordOutcome bumps an outcome counter and recomputes accuracy.
func (s *Store) RecordOutcome(ctx context.Context, id string, truePositive bool) (monitor.RulePerformance, error) {
	r, err := mutate(ctx, s.pool, "alert_rules", id,
		func(r *monitor.AlertRule) error {
			if truePositive {
				r.Performance.TruePositives++
			} else {
				r.Performance.FalsePositives++
			}
			r.Performance.Recompute()
			return nil
		},
		writeRule)
	if err != nil {
		return monitor.RulePerformance{}, err
	}
	return r.Performance, nil
}

func writeRule(ctx context.Context, tx pgx.Tx, r monitor.AlertRule, doc []byte) error {
	_, err := tx.Exec(ctx, `UPDATE alert_rules SET active = $2, doc = $3 WHERE id = $1`, r.ID, r.Active, doc)
	return err
}

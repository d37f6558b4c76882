package rules

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// File is the on-disk shape of a rule seed file.
type File struct {
	Rules []monitor.AlertRule `yaml:"rules"`
}

// LoadFile parses a YAML rule file.
func LoadFile(path string) ([]monitor.AlertRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML rule definitions.
func Parse(raw []byte) ([]monitor.AlertRule, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	return f.Rules, nil
}

// Seed upserts rules into the store, keeping stored performance counters,
// and reloads the index once. Invalid rules are skipped and reported.
func (s *Service) Seed(ctx context.Context, rules []monitor.AlertRule) error {
	var errs []error
	for _, r := range rules {
		if err := Validate(r); err != nil {
			errs = append(errs, err)
			continue
		}
		now := s.clock.Now()
		existing, err := s.rules.GetRule(ctx, r.ID)
		switch {
		case errors.Is(err, monitor.ErrNotFound):
			r.CreatedAt, r.UpdatedAt = now, now
			if err := s.rules.CreateRule(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("create rule %s: %w", r.ID, err))
			}
		case err != nil:
			errs = append(errs, fmt.Errorf("get rule %s: %w", r.ID, err))
		default:
			r.Performance = existing.Performance
			r.CreatedAt = existing.CreatedAt
			r.UpdatedAt = now
			if err := s.rules.UpdateRule(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("update rule %s: %w", r.ID, err))
			}
		}
	}
	if err := s.engine.Reload(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reload rules: %w", err))
	}
	s.logger.Info("rules seeded", zap.Int("rules", len(rules)), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

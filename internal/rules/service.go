package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/id/uuid"
	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

const descriptionLimit = 280

// Service turns rule matches into alerts and owns rule lifecycle hooks.
type Service struct {
	engine    *Engine
	rules     monitor.RuleStore
	alerts    monitor.AlertStore
	campaigns monitor.CampaignStore
	pub       monitor.Publisher
	clock     monitor.Clock
	ids       monitor.IDGenerator
	logger    *zap.Logger
	window    *window
}

// NewService wires the engine to persistence and the outbound publisher.
func NewService(
	engine *Engine,
	rules monitor.RuleStore,
	alerts monitor.AlertStore,
	campaigns monitor.CampaignStore,
	pub monitor.Publisher,
	clk monitor.Clock,
	ids monitor.IDGenerator,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:    engine,
		rules:     rules,
		alerts:    alerts,
		campaigns: campaigns,
		pub:       pub,
		clock:     clk,
		ids:       ids,
		logger:    logger.Named("rules_service"),
		window:    newWindow(),
	}
}

// Engine exposes the underlying index.
func (s *Service) Engine() *Engine { return s.engine }

// Process evaluates item against the index and executes the actions of every
// matching rule. Failures on one rule do not stop the others; they are
// joined into the returned error.
func (s *Service) Process(ctx context.Context, item monitor.Item, campaignIDs ...string) ([]monitor.Alert, error) {
	var (
		raised []monitor.Alert
		errs   []error
	)
	for _, t := range s.engine.Evaluate(item, campaignIDs...) {
		alert, ok, err := s.fire(ctx, t, item)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", t.Rule.ID, err))
			continue
		}
		if ok {
			raised = append(raised, alert)
		}
	}
	return raised, errors.Join(errs...)
}

func (s *Service) fire(ctx context.Context, t Triggered, item monitor.Item) (monitor.Alert, bool, error) {
	rule := t.Rule
	now := s.clock.Now()
	key := uuid.DedupeKey(string(monitor.TriggeredByRule), rule.ID, item.ID)
	claimed, err := s.alerts.ClaimDedupeKey(ctx, key, now)
	if err != nil {
		return monitor.Alert{}, false, fmt.Errorf("claim dedupe key: %w", err)
	}
	if !claimed {
		s.logger.Debug("rule already fired for item", zap.String("rule_id", rule.ID), zap.String("item_id", item.ID))
		return monitor.Alert{}, false, nil
	}
	if err := s.rules.RecordTrigger(ctx, rule.ID, now); err != nil && !errors.Is(err, monitor.ErrNotFound) {
		s.logger.Warn("record rule trigger failed", zap.String("rule_id", rule.ID), zap.Error(err))
	}
	if !rule.Actions.CreateAlert && len(rule.Actions.Notify) == 0 {
		return monitor.Alert{}, false, nil
	}

	alert := monitor.Alert{
		DedupeKey:   key,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		CampaignID:  t.CampaignID,
		ItemIDs:     []string{item.ID},
		Severity:    severityFor(rule.Alert.Severity, item),
		Type:        firstNonEmpty(rule.Alert.Type, "rule_match"),
		Category:    firstNonEmpty(rule.Alert.Category, categoryOf(item)),
		Title:       firstNonEmpty(rule.Alert.Title, rule.Name),
		Description: firstNonEmpty(rule.Alert.Description, truncate(item.Text, descriptionLimit)),
		Status:      monitor.AlertOpen,
		TriggeredBy: monitor.TriggeredByRule,
		AssignedTo:  rule.Actions.AutoAssign,
		Channels:    rule.Actions.Notify,
	}
	limit := rule.Actions.RateLimit
	if !s.window.acquire(rule.ID, limit.MaxAlerts, limit.Window, now) {
		s.logger.Info("rule rate limited",
			zap.String("rule_id", rule.ID),
			zap.String("item_id", item.ID),
			zap.Int("max_alerts", limit.MaxAlerts),
			zap.Duration("window", limit.Window))
		return monitor.Alert{}, false, nil
	}
	if !rule.Actions.CreateAlert {
		// Notify-only rules publish without persisting.
		if err := s.stamp(&alert, now); err != nil {
			s.unclaim(ctx, rule.ID, key, now)
			return monitor.Alert{}, false, err
		}
		s.pub.PublishAlert(alert)
		metrics.ObserveAlert(string(alert.Severity), string(alert.TriggeredBy))
		return alert, true, nil
	}
	created, err := s.persist(ctx, alert, now)
	if err != nil {
		s.unclaim(ctx, rule.ID, key, now)
		return monitor.Alert{}, false, err
	}
	if !created {
		s.window.release(rule.ID, now)
		return monitor.Alert{}, false, nil
	}
	return alert, true, nil
}

// unclaim gives back the rate-limit slot and the dedupe claim of a failed action.
func (s *Service) unclaim(ctx context.Context, ruleID, key string, now time.Time) {
	s.window.release(ruleID, now)
	if err := s.alerts.ReleaseDedupeKey(ctx, key); err != nil {
		s.logger.Warn("release dedupe key failed", zap.String("dedupe_key", key), zap.Error(err))
	}
}

// ProcessThreshold raises a campaign_threshold alert when the item's
// engagement reaches the campaign's alert threshold. It reports whether a
// new alert was created.
func (s *Service) ProcessThreshold(ctx context.Context, campaign monitor.Campaign, item monitor.Item) (monitor.Alert, bool, error) {
	threshold := campaign.Settings.AlertThreshold
	if threshold <= 0 || item.Engagement.Total() < threshold {
		return monitor.Alert{}, false, nil
	}
	severity := monitor.SeverityMedium
	if item.Classification != nil {
		if ts := monitor.SeverityFromThreat(item.Classification.Threat.Level); ts.Rank() > severity.Rank() {
			severity = ts
		}
	}
	now := s.clock.Now()
	alert := monitor.Alert{
		DedupeKey:   uuid.DedupeKey(string(monitor.TriggeredByThreshold), campaign.ID, item.ID),
		CampaignID:  campaign.ID,
		ItemIDs:     []string{item.ID},
		Severity:    severity,
		Type:        "engagement_threshold",
		Category:    categoryOf(item),
		Title:       fmt.Sprintf("%s: engagement reached %d", campaign.Name, item.Engagement.Total()),
		Description: truncate(item.Text, descriptionLimit),
		Status:      monitor.AlertOpen,
		TriggeredBy: monitor.TriggeredByThreshold,
	}
	created, err := s.persist(ctx, alert, now)
	if err != nil || !created {
		return monitor.Alert{}, false, err
	}
	return alert, true, nil
}

func (s *Service) stamp(alert *monitor.Alert, now time.Time) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate alert id: %w", err)
	}
	alert.ID = id
	alert.CreatedAt = now
	alert.UpdatedAt = now
	return nil
}

// persist stores and publishes an alert. A duplicate dedupe key is not an
// error; it reports created=false.
func (s *Service) persist(ctx context.Context, alert monitor.Alert, now time.Time) (bool, error) {
	if err := s.stamp(&alert, now); err != nil {
		return false, err
	}
	if err := s.alerts.CreateAlert(ctx, alert); err != nil {
		if errors.Is(err, monitor.ErrDuplicate) {
			s.logger.Debug("alert already raised", zap.String("dedupe_key", alert.DedupeKey))
			return false, nil
		}
		return false, fmt.Errorf("create alert: %w", err)
	}
	if alert.CampaignID != "" {
		if _, err := s.campaigns.ApplyStats(ctx, alert.CampaignID, monitor.StatsDelta{Alerts: 1}); err != nil {
			s.logger.Warn("count campaign alert failed", zap.String("campaign_id", alert.CampaignID), zap.Error(err))
		}
	}
	s.pub.PublishAlert(alert)
	metrics.ObserveAlert(string(alert.Severity), string(alert.TriggeredBy))
	s.logger.Info("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("campaign_id", alert.CampaignID),
		zap.String("severity", string(alert.Severity)),
		zap.String("triggered_by", string(alert.TriggeredBy)))
	return true, nil
}

// UpdateAlertStatus moves an alert through triage. Terminal outcomes feed
// the originating rule's accuracy.
func (s *Service) UpdateAlertStatus(ctx context.Context, alertID string, status monitor.AlertStatus, actor string) (monitor.Alert, error) {
	current, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	if !monitor.CanTransition(current.Status, status) {
		return monitor.Alert{}, fmt.Errorf("%w: %s -> %s", monitor.ErrInvalidTransition, current.Status, status)
	}
	updated, err := s.alerts.UpdateAlertStatus(ctx, alertID, status, actor)
	if err != nil {
		return monitor.Alert{}, fmt.Errorf("update alert status: %w", err)
	}
	if status.Terminal() && updated.RuleID != "" {
		perf, err := s.rules.RecordOutcome(ctx, updated.RuleID, status == monitor.AlertResolved)
		if err != nil {
			s.logger.Warn("record rule outcome failed", zap.String("rule_id", updated.RuleID), zap.Error(err))
		} else {
			s.logger.Info("rule accuracy updated",
				zap.String("rule_id", updated.RuleID),
				zap.Float64("accuracy", perf.Accuracy))
		}
	}
	s.pub.PublishAlert(updated)
	return updated, nil
}

// CreateRule validates and stores a rule, then reloads the index.
func (s *Service) CreateRule(ctx context.Context, rule monitor.AlertRule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	now := s.clock.Now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return s.OnRuleCreated(ctx, rule.ID)
}

// UpdateRule validates and replaces a stored rule, then reloads the index.
func (s *Service) UpdateRule(ctx context.Context, rule monitor.AlertRule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	rule.UpdatedAt = s.clock.Now()
	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return s.OnRuleUpdated(ctx, rule.ID)
}

// DeactivateRule marks a rule inactive and drops it from the index.
func (s *Service) DeactivateRule(ctx context.Context, id string) error {
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return fmt.Errorf("get rule: %w", err)
	}
	rule.Active = false
	rule.UpdatedAt = s.clock.Now()
	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return s.OnRuleDeactivated(ctx, id)
}

// OnRuleCreated reloads the index after a rule was stored elsewhere.
func (s *Service) OnRuleCreated(ctx context.Context, id string) error {
	return s.reload(ctx, "created", id)
}

// OnRuleUpdated reloads the index after a rule changed.
func (s *Service) OnRuleUpdated(ctx context.Context, id string) error {
	return s.reload(ctx, "updated", id)
}

// OnRuleDeactivated reloads the index after a rule was deactivated.
func (s *Service) OnRuleDeactivated(ctx context.Context, id string) error {
	return s.reload(ctx, "deactivated", id)
}

func (s *Service) reload(ctx context.Context, reason, id string) error {
	if err := s.engine.Reload(ctx); err != nil {
		return fmt.Errorf("reload rules after %s %s: %w", reason, id, err)
	}
	return nil
}

// Validate reports every structural problem with a rule, including
// conditions that would compile to never-matching predicates.
func Validate(rule monitor.AlertRule) error {
	var errs []error
	if strings.TrimSpace(rule.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(rule.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if rule.Alert.Severity != "" && rule.Alert.Severity.Rank() == 0 {
		errs = append(errs, fmt.Errorf("unknown severity %q", rule.Alert.Severity))
	}
	if rl := rule.Actions.RateLimit; rl.MaxAlerts > 0 && rl.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive when max_alerts is set"))
	}
	for _, ch := range rule.Actions.Notify {
		if strings.TrimSpace(ch.Type) == "" {
			errs = append(errs, errors.New("notify channel type is required"))
		}
	}
	_, compileErrs := Compile(rule.Conditions)
	errs = append(errs, compileErrs...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid rule %q: %w", rule.ID, errors.Join(errs...))
}

func severityFor(template monitor.Severity, item monitor.Item) monitor.Severity {
	if template.Rank() > 0 {
		return monitor.Severity(strings.ToLower(string(template)))
	}
	if item.Classification != nil {
		return monitor.SeverityFromThreat(item.Classification.Threat.Level)
	}
	return monitor.SeverityLow
}

func categoryOf(item monitor.Item) string {
	if item.Classification == nil {
		return ""
	}
	return item.Classification.Category
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

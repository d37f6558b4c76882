package rules

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

type matcher interface {
	Match(item monitor.Item) bool
}

type compiledRule struct {
	rule monitor.AlertRule
	tree matcher
}

// Triggered is one rule match for an item.
type Triggered struct {
	Rule       monitor.AlertRule
	CampaignID string
}

// Engine holds the compiled index of active rules. The index is swapped
// wholesale on Reload, so Evaluate never observes a partial update.
type Engine struct {
	store  monitor.RuleStore
	logger *zap.Logger

	mu         sync.RWMutex
	global     []*compiledRule
	byCampaign map[string][]*compiledRule
	size       int
}

// NewEngine builds an empty engine; call Reload to populate it.
func NewEngine(store monitor.RuleStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		logger:     logger.Named("rules"),
		byCampaign: make(map[string][]*compiledRule),
	}
}

// Reload re-reads active rules from the store and rebuilds the index.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}
	e.Load(rules)
	return nil
}

// Load compiles rules and replaces the index. Inactive rules are skipped.
// A rule with neither a global flag nor campaign ids is treated as global.
func (e *Engine) Load(rules []monitor.AlertRule) {
	var (
		global     []*compiledRule
		byCampaign = make(map[string][]*compiledRule)
		size       int
	)
	for _, r := range rules {
		if !r.Active {
			continue
		}
		tree, errs := Compile(r.Conditions)
		for _, err := range errs {
			e.logger.Warn("rule condition fails closed", zap.String("rule_id", r.ID), zap.Error(err))
		}
		cr := &compiledRule{rule: r, tree: tree}
		size++
		if r.Scope.Global || len(r.Scope.CampaignIDs) == 0 {
			global = append(global, cr)
			continue
		}
		for _, id := range r.Scope.CampaignIDs {
			byCampaign[id] = append(byCampaign[id], cr)
		}
	}

	e.mu.Lock()
	e.global = global
	e.byCampaign = byCampaign
	e.size = size
	e.mu.Unlock()

	e.logger.Info("rule index loaded", zap.Int("rules", size), zap.Int("global", len(global)))
}

// Size returns the number of indexed rules.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// Evaluate returns every indexed rule that matches item, scoped to the given
// campaigns. Global rules always apply; with no campaigns only global rules
// are considered. A rule matches at most once per call.
func (e *Engine) Evaluate(item monitor.Item, campaignIDs ...string) []Triggered {
	e.mu.RLock()
	type candidate struct {
		rule       *compiledRule
		campaignID string
	}
	var first string
	if len(campaignIDs) > 0 {
		first = campaignIDs[0]
	}
	candidates := make([]candidate, 0, len(e.global))
	for _, cr := range e.global {
		candidates = append(candidates, candidate{rule: cr, campaignID: first})
	}
	for _, id := range campaignIDs {
		for _, cr := range e.byCampaign[id] {
			candidates = append(candidates, candidate{rule: cr, campaignID: id})
		}
	}
	e.mu.RUnlock()

	seen := make(map[string]struct{}, len(candidates))
	var out []Triggered
	for _, c := range candidates {
		if _, ok := seen[c.rule.rule.ID]; ok {
			continue
		}
		if !e.match(c.rule, item) {
			continue
		}
		seen[c.rule.rule.ID] = struct{}{}
		out = append(out, Triggered{Rule: c.rule.rule, CampaignID: c.campaignID})
	}
	return out
}

func (e *Engine) match(cr *compiledRule, item monitor.Item) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			metrics.ObserveRuleEvaluation("error")
			e.logger.Error("rule evaluation panicked",
				zap.String("rule_id", cr.rule.ID),
				zap.String("item_id", item.ID),
				zap.Error(fmt.Errorf("%w: %v", monitor.ErrRuleEvaluation, r)))
		}
	}()
	matched = cr.tree.Match(item)
	if matched {
		metrics.ObserveRuleEvaluation("match")
	} else {
		metrics.ObserveRuleEvaluation("miss")
	}
	return matched
}

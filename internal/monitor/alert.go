package monitor

import (
	"strings"
	"time"
)

// Severity grades an alert.
type Severity string

// Alert severities, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SeverityFromThreat maps an oracle threat level onto an alert severity.
// ThreatNone and unknown levels map to SeverityLow.
func SeverityFromThreat(l ThreatLevel) Severity {
	switch ThreatLevel(strings.ToLower(string(l))) {
	case ThreatCritical:
		return SeverityCritical
	case ThreatHigh:
		return SeverityHigh
	case ThreatMedium:
		return SeverityMedium
	}
	return SeverityLow
}

// AlertStatus is the triage state of an alert.
type AlertStatus string

// Alert statuses.
const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// CanTransition reports whether an alert may move from one status to another.
func CanTransition(from, to AlertStatus) bool {
	switch from {
	case AlertOpen:
		return to == AlertInvestigating || to == AlertResolved || to == AlertFalsePositive
	case AlertInvestigating:
		return to == AlertResolved || to == AlertFalsePositive
	}
	return false
}

// Provenance records what raised an alert.
type Provenance string

// Provenance tags.
const (
	TriggeredByRule      Provenance = "rule"
	TriggeredByThreshold Provenance = "campaign_threshold"
	TriggeredByManual    Provenance = "manual"
)

// Alert is a raised incident awaiting triage.
type Alert struct {
	ID          string          `json:"id" bson:"_id"`
	DedupeKey   string          `json:"dedupe_key" bson:"dedupe_key"`
	RuleID      string          `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	RuleName    string          `json:"rule_name,omitempty" bson:"rule_name,omitempty"`
	CampaignID  string          `json:"campaign_id,omitempty" bson:"campaign_id,omitempty"`
	ItemIDs     []string        `json:"item_ids" bson:"item_ids"`
	Severity    Severity        `json:"severity" bson:"severity"`
	Type        string          `json:"type" bson:"type"`
	Category    string          `json:"category,omitempty" bson:"category,omitempty"`
	Title       string          `json:"title" bson:"title"`
	Description string          `json:"description,omitempty" bson:"description,omitempty"`
	Status      AlertStatus     `json:"status" bson:"status"`
	TriggeredBy Provenance      `json:"triggered_by" bson:"triggered_by"`
	AssignedTo  string          `json:"assigned_to,omitempty" bson:"assigned_to,omitempty"`
	Channels    []ChannelTarget `json:"channels,omitempty" bson:"channels,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" bson:"updated_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
}

// AlertQuery narrows alert counts.
type AlertQuery struct {
	RuleID     string
	CampaignID string
	Status     AlertStatus
	Since      time.Time
}

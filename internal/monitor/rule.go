package monitor

import "time"

// Range is an inclusive numeric bound; nil ends are open.
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty" bson:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty" bson:"max,omitempty"`
}

// IsZero reports whether the range constrains nothing.
func (r Range) IsZero() bool { return r.Min == nil && r.Max == nil }

// Contains reports whether v falls inside the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// ContentConditions match on the item body.
type ContentConditions struct {
	Keywords        []string `json:"keywords,omitempty" yaml:"keywords,omitempty" bson:"keywords,omitempty"`
	Phrases         []string `json:"phrases,omitempty" yaml:"phrases,omitempty" bson:"phrases,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty" yaml:"exclude_keywords,omitempty" bson:"exclude_keywords,omitempty"`
	Regex           string   `json:"regex,omitempty" yaml:"regex,omitempty" bson:"regex,omitempty"`
	Sentiment       Range    `json:"sentiment,omitempty" yaml:"sentiment,omitempty" bson:"sentiment,omitempty"`
	Languages       []string `json:"languages,omitempty" yaml:"languages,omitempty" bson:"languages,omitempty"`
}

// AuthorConditions match on who published the item.
type AuthorConditions struct {
	Followers      Range    `json:"followers,omitempty" yaml:"followers,omitempty" bson:"followers,omitempty"`
	AccountAgeDays Range    `json:"account_age_days,omitempty" yaml:"account_age_days,omitempty" bson:"account_age_days,omitempty"`
	Verified       *bool    `json:"verified,omitempty" yaml:"verified,omitempty" bson:"verified,omitempty"`
	Allow          []string `json:"allow,omitempty" yaml:"allow,omitempty" bson:"allow,omitempty"`
	Deny           []string `json:"deny,omitempty" yaml:"deny,omitempty" bson:"deny,omitempty"`
}

// EngagementConditions bound each engagement counter.
type EngagementConditions struct {
	Likes   Range `json:"likes,omitempty" yaml:"likes,omitempty" bson:"likes,omitempty"`
	Reposts Range `json:"reposts,omitempty" yaml:"reposts,omitempty" bson:"reposts,omitempty"`
	Replies Range `json:"replies,omitempty" yaml:"replies,omitempty" bson:"replies,omitempty"`
	Views   Range `json:"views,omitempty" yaml:"views,omitempty" bson:"views,omitempty"`
	Total   Range `json:"total,omitempty" yaml:"total,omitempty" bson:"total,omitempty"`
}

// TemporalConditions restrict when an item was authored. Start and End are
// "HH:MM" in Timezone; End before Start wraps past midnight.
type TemporalConditions struct {
	Start    string   `json:"start,omitempty" yaml:"start,omitempty" bson:"start,omitempty"`
	End      string   `json:"end,omitempty" yaml:"end,omitempty" bson:"end,omitempty"`
	Weekdays []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty" bson:"weekdays,omitempty"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty" bson:"timezone,omitempty"`
}

// ClassificationConditions match on the oracle verdict.
type ClassificationConditions struct {
	Categories     []string    `json:"categories,omitempty" yaml:"categories,omitempty" bson:"categories,omitempty"`
	Confidence     Range       `json:"confidence,omitempty" yaml:"confidence,omitempty" bson:"confidence,omitempty"`
	MinThreatLevel ThreatLevel `json:"min_threat_level,omitempty" yaml:"min_threat_level,omitempty" bson:"min_threat_level,omitempty"`
}

// GeoConditions allow or deny by country code.
type GeoConditions struct {
	Countries        []string `json:"countries,omitempty" yaml:"countries,omitempty" bson:"countries,omitempty"`
	ExcludeCountries []string `json:"exclude_countries,omitempty" yaml:"exclude_countries,omitempty" bson:"exclude_countries,omitempty"`
}

// RuleConditions is the stored form of a rule predicate. Nil groups are
// vacuously true.
type RuleConditions struct {
	Content        *ContentConditions        `json:"content,omitempty" yaml:"content,omitempty" bson:"content,omitempty"`
	Author         *AuthorConditions         `json:"author,omitempty" yaml:"author,omitempty" bson:"author,omitempty"`
	Engagement     *EngagementConditions     `json:"engagement,omitempty" yaml:"engagement,omitempty" bson:"engagement,omitempty"`
	Temporal       *TemporalConditions       `json:"temporal,omitempty" yaml:"temporal,omitempty" bson:"temporal,omitempty"`
	Classification *ClassificationConditions `json:"classification,omitempty" yaml:"classification,omitempty" bson:"classification,omitempty"`
	Geographic     *GeoConditions            `json:"geographic,omitempty" yaml:"geographic,omitempty" bson:"geographic,omitempty"`
}

// AlertTemplate seeds the alerts a rule raises. An empty Severity takes the
// item's threat level.
type AlertTemplate struct {
	Severity    Severity `json:"severity,omitempty" yaml:"severity,omitempty" bson:"severity,omitempty"`
	Type        string   `json:"type" yaml:"type" bson:"type"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty" bson:"category,omitempty"`
	Title       string   `json:"title,omitempty" yaml:"title,omitempty" bson:"title,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" bson:"description,omitempty"`
}

// ChannelTarget names one notification destination.
type ChannelTarget struct {
	Type   string `json:"type" yaml:"type" bson:"type"`
	Target string `json:"target,omitempty" yaml:"target,omitempty" bson:"target,omitempty"`
}

// RateLimit caps how many alerts a rule may raise per window.
type RateLimit struct {
	MaxAlerts int           `json:"max_alerts" yaml:"max_alerts" bson:"max_alerts"`
	Window    time.Duration `json:"window" yaml:"window" bson:"window"`
}

// RuleActions configure what happens when a rule matches.
type RuleActions struct {
	CreateAlert bool            `json:"create_alert" yaml:"create_alert" bson:"create_alert"`
	Notify      []ChannelTarget `json:"notify,omitempty" yaml:"notify,omitempty" bson:"notify,omitempty"`
	AutoAssign  string          `json:"auto_assign,omitempty" yaml:"auto_assign,omitempty" bson:"auto_assign,omitempty"`
	RateLimit   RateLimit       `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" bson:"rate_limit,omitempty"`
}

// RuleScope binds a rule globally or to a set of campaigns.
type RuleScope struct {
	Global      bool     `json:"global" yaml:"global" bson:"global"`
	CampaignIDs []string `json:"campaign_ids,omitempty" yaml:"campaign_ids,omitempty" bson:"campaign_ids,omitempty"`
}

// RulePerformance tracks how well a rule predicts real incidents.
type RulePerformance struct {
	Triggers        int64      `json:"triggers" bson:"triggers"`
	TruePositives   int64      `json:"true_positives" bson:"true_positives"`
	FalsePositives  int64      `json:"false_positives" bson:"false_positives"`
	Accuracy        float64    `json:"accuracy" bson:"accuracy"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" bson:"last_triggered_at,omitempty"`
}

// Recompute refreshes Accuracy from the outcome counters.
func (p *RulePerformance) Recompute() {
	total := p.TruePositives + p.FalsePositives
	if total == 0 {
		p.Accuracy = 0
		return
	}
	p.Accuracy = float64(p.TruePositives) / float64(total)
}

// AlertRule is a stored predicate plus action template.
type AlertRule struct {
	ID          string          `json:"id" yaml:"id" bson:"_id"`
	Name        string          `json:"name" yaml:"name" bson:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty" bson:"description,omitempty"`
	Active      bool            `json:"active" yaml:"active" bson:"active"`
	Conditions  RuleConditions  `json:"conditions" yaml:"conditions" bson:"conditions"`
	Alert       AlertTemplate   `json:"alert" yaml:"alert" bson:"alert"`
	Actions     RuleActions     `json:"actions" yaml:"actions" bson:"actions"`
	Scope       RuleScope       `json:"scope" yaml:"scope" bson:"scope"`
	Performance RulePerformance `json:"performance" yaml:"-" bson:"performance"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-" bson:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"-" bson:"updated_at"`
}

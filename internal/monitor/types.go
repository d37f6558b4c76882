package monitor

import (
	"strings"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

// Campaign status values persisted in the campaign store.
const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignArchived  CampaignStatus = "archived"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignActive, CampaignPaused, CampaignCompleted, CampaignArchived:
		return true
	}
	return false
}

// CampaignSettings captures the per-campaign crawl and alerting knobs.
type CampaignSettings struct {
	MaxItems       int           `json:"max_items" yaml:"max_items" bson:"max_items"`
	CrawlInterval  time.Duration `json:"crawl_interval" yaml:"crawl_interval" bson:"crawl_interval"`
	AlertThreshold int64         `json:"alert_threshold" yaml:"alert_threshold" bson:"alert_threshold"`
	AutoClassify   bool          `json:"auto_classify" yaml:"auto_classify" bson:"auto_classify"`
	RealTimeAlerts bool          `json:"real_time_alerts" yaml:"real_time_alerts" bson:"real_time_alerts"`
}

// CampaignStats holds the cumulative counters maintained by the pipeline.
type CampaignStats struct {
	TotalItems       int            `json:"total_items" bson:"total_items"`
	CategoryCounts   map[string]int `json:"category_counts" bson:"category_counts"`
	TotalEngagement  int64          `json:"total_engagement" bson:"total_engagement"`
	SentimentSum     float64        `json:"sentiment_sum" bson:"sentiment_sum"`
	SentimentSamples int            `json:"sentiment_samples" bson:"sentiment_samples"`
	LastCrawlAt      *time.Time     `json:"last_crawl_at,omitempty" bson:"last_crawl_at,omitempty"`
	AlertsGenerated  int            `json:"alerts_generated" bson:"alerts_generated"`
}

// AvgSentiment returns the running mean of every sentiment sample recorded.
func (s CampaignStats) AvgSentiment() float64 {
	if s.SentimentSamples == 0 {
		return 0
	}
	return s.SentimentSum / float64(s.SentimentSamples)
}

// Campaign is a user-defined monitoring target.
type Campaign struct {
	ID        string           `json:"id" bson:"_id"`
	Name      string           `json:"name" bson:"name"`
	Topic     string           `json:"topic" bson:"topic"`
	Keywords  []string         `json:"keywords" bson:"keywords"`
	Hashtags  []string         `json:"hashtags" bson:"hashtags"`
	Status    CampaignStatus   `json:"status" bson:"status"`
	Settings  CampaignSettings `json:"settings" bson:"settings"`
	Stats     CampaignStats    `json:"stats" bson:"stats"`
	CreatedAt time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" bson:"updated_at"`
}

// Ceiling returns the item count at which the campaign completes.
func (c Campaign) Ceiling(fallback int) int {
	if c.Settings.MaxItems > 0 {
		return c.Settings.MaxItems
	}
	return fallback
}

// Remaining returns how many items may still be ingested before the ceiling.
func (c Campaign) Remaining(fallback int) int {
	left := c.Ceiling(fallback) - c.Stats.TotalItems
	if left < 0 {
		return 0
	}
	return left
}

// Eligible reports whether a crawl job may run for the campaign.
func (c Campaign) Eligible(fallback int) bool {
	return c.Status == CampaignActive && c.Stats.TotalItems < c.Ceiling(fallback)
}

// Terms lists every distinct search term the campaign tracks, uncapped.
func (c Campaign) Terms() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		k := strings.ToLower(t)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	add(c.Topic)
	for _, k := range c.Keywords {
		add(k)
	}
	for _, h := range c.Hashtags {
		add(normalizeHashtag(h))
	}
	return out
}

// Matches reports whether the item logically belongs to the campaign: its
// search term is one of the campaign terms, or the text mentions one of them.
func (c Campaign) Matches(item Item) bool {
	terms := c.Terms()
	if item.SearchTerm != "" {
		for _, t := range terms {
			if strings.EqualFold(t, item.SearchTerm) {
				return true
			}
		}
	}
	text := strings.ToLower(item.Text)
	for _, t := range terms {
		if strings.Contains(text, strings.ToLower(t)) {
			return true
		}
	}
	for _, h := range item.Hashtags {
		tag := strings.ToLower(normalizeHashtag(h))
		for _, t := range terms {
			if strings.ToLower(t) == tag {
				return true
			}
		}
	}
	return false
}

func normalizeHashtag(h string) string {
	h = strings.TrimSpace(h)
	if h == "" || strings.HasPrefix(h, "#") {
		return h
	}
	return "#" + h
}

// Author describes who published an item.
type Author struct {
	Handle           string    `json:"handle" bson:"handle"`
	DisplayName      string    `json:"display_name,omitempty" bson:"display_name,omitempty"`
	Followers        int64     `json:"followers" bson:"followers"`
	Verified         bool      `json:"verified" bson:"verified"`
	AccountCreatedAt time.Time `json:"account_created_at,omitempty" bson:"account_created_at,omitempty"`
}

// Engagement carries the source engagement counters for an item.
type Engagement struct {
	Likes   int64 `json:"likes" bson:"likes"`
	Reposts int64 `json:"reposts" bson:"reposts"`
	Replies int64 `json:"replies" bson:"replies"`
	Views   int64 `json:"views" bson:"views"`
}

// Total is the sum of interaction counters; views are excluded.
func (e Engagement) Total() int64 {
	return e.Likes + e.Reposts + e.Replies
}

// Item is one piece of ingested content.
type Item struct {
	ID             string          `json:"id" bson:"_id"`
	Author         Author          `json:"author" bson:"author"`
	Text           string          `json:"text" bson:"text"`
	Language       string          `json:"language,omitempty" bson:"language,omitempty"`
	Country        string          `json:"country,omitempty" bson:"country,omitempty"`
	Hashtags       []string        `json:"hashtags,omitempty" bson:"hashtags,omitempty"`
	URL            string          `json:"url,omitempty" bson:"url,omitempty"`
	SearchTerm     string          `json:"search_term" bson:"search_term"`
	AuthoredAt     time.Time       `json:"authored_at" bson:"authored_at"`
	IngestedAt     time.Time       `json:"ingested_at" bson:"ingested_at"`
	Engagement     Engagement      `json:"engagement" bson:"engagement"`
	SentimentHint  *float64        `json:"sentiment_hint,omitempty" bson:"sentiment_hint,omitempty"`
	Classification *Classification `json:"classification,omitempty" bson:"classification,omitempty"`
	Analyzed       bool            `json:"analyzed" bson:"analyzed"`
	AnalysisError  string          `json:"analysis_error,omitempty" bson:"analysis_error,omitempty"`
}

// ThreatLevel grades the risk an item poses.
type ThreatLevel string

// Threat levels, lowest first.
const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Rank orders threat levels; unknown values rank below ThreatNone.
func (l ThreatLevel) Rank() int {
	switch ThreatLevel(strings.ToLower(string(l))) {
	case ThreatNone:
		return 0
	case ThreatLow:
		return 1
	case ThreatMedium:
		return 2
	case ThreatHigh:
		return 3
	case ThreatCritical:
		return 4
	}
	return -1
}

// Sentiment is the oracle's polarity verdict; Score is in [-1, 1].
type Sentiment struct {
	Label string  `json:"label" bson:"label"`
	Score float64 `json:"score" bson:"score"`
}

// ThreatAssessment is the oracle's risk verdict.
type ThreatAssessment struct {
	Level ThreatLevel `json:"level" bson:"level"`
	Score float64     `json:"score" bson:"score"`
}

// Classification is the structured oracle result written back to an item.
type Classification struct {
	Category        string           `json:"category" bson:"category"`
	Confidence      float64          `json:"confidence" bson:"confidence"`
	Sentiment       Sentiment        `json:"sentiment" bson:"sentiment"`
	Threat          ThreatAssessment `json:"threat_assessment" bson:"threat"`
	Recommendations []string         `json:"recommendations,omitempty" bson:"recommendations,omitempty"`
	Model           string           `json:"model,omitempty" bson:"model,omitempty"`
	ClassifiedAt    time.Time        `json:"classified_at" bson:"classified_at"`
}

// ClassifyContext gives the oracle optional hints about an item.
type ClassifyContext struct {
	ItemID     string
	Author     string
	Language   string
	SearchTerm string
	Topics     []string
}

// Session is an opaque capability issued by the session manager.
type Session struct {
	ID         string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// StatsDelta is an atomic increment applied to a campaign's stats.
type StatsDelta struct {
	Items        int
	Engagement   int64
	SentimentSum float64
	SentimentN   int
	Categories   map[string]int
	Alerts       int
	CrawledAt    *time.Time
}

// Empty reports whether applying the delta would change nothing.
func (d StatsDelta) Empty() bool {
	return d.Items == 0 && d.Engagement == 0 && d.SentimentN == 0 &&
		len(d.Categories) == 0 && d.Alerts == 0 && d.CrawledAt == nil
}

// CampaignFilter narrows campaign listings.
type CampaignFilter struct {
	Statuses []CampaignStatus
}

// ItemQuery narrows item listings and counts. A nil Analyzed matches both.
type ItemQuery struct {
	Analyzed      *bool
	IngestedAfter time.Time
	SearchTerms   []string
	Offset        int
	Limit         int
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

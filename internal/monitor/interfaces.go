package monitor

import (
	"context"
	"io"
	"time"
)

// CampaignStore persists campaigns and their cumulative stats.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, campaign Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]Campaign, error)
	// UpdateCampaignStatus sets the status when the current one is listed in
	// from (any status when from is empty) and returns the stored campaign.
	UpdateCampaignStatus(ctx context.Context, id string, status CampaignStatus, from ...CampaignStatus) (Campaign, error)
	// ApplyStats increments stats atomically and returns the stored campaign.
	ApplyStats(ctx context.Context, id string, delta StatsDelta) (Campaign, error)
}

// ItemStore persists ingested items.
type ItemStore interface {
	// InsertItems stores items whose IDs are new and returns exactly those.
	InsertItems(ctx context.Context, items []Item) ([]Item, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	GetItem(ctx context.Context, id string) (Item, error)
	// ListItems returns matches newest-ingested first.
	ListItems(ctx context.Context, query ItemQuery) ([]Item, error)
	CountItems(ctx context.Context, query ItemQuery) (int64, error)
	SaveClassification(ctx context.Context, id string, classification Classification) error
	MarkAnalysisFailed(ctx context.Context, id string, reason string) error
}

// RuleStore persists alert rules and their performance counters.
type RuleStore interface {
	CreateRule(ctx context.Context, rule AlertRule) error
	UpdateRule(ctx context.Context, rule AlertRule) error
	GetRule(ctx context.Context, id string) (AlertRule, error)
	ListActiveRules(ctx context.Context) ([]AlertRule, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) error
	// RecordOutcome bumps the true or false positive counter and recomputes accuracy.
	RecordOutcome(ctx context.Context, id string, truePositive bool) (RulePerformance, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	// CreateAlert returns ErrDuplicate when the dedupe key already exists.
	CreateAlert(ctx context.Context, alert Alert) error
	GetAlert(ctx context.Context, id string) (Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status AlertStatus, actor string) (Alert, error)
	ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]Alert, error)
	MarkDelivered(ctx context.Context, ids []string, at time.Time) error
	CountAlerts(ctx context.Context, query AlertQuery) (int64, error)
	// ClaimDedupeKey records key and reports whether this call was the first
	// to do so. Rule actions run only for the claiming caller.
	ClaimDedupeKey(ctx context.Context, key string, at time.Time) (bool, error)
	// ReleaseDedupeKey drops a claim whose action failed so a later pass can retry.
	ReleaseDedupeKey(ctx context.Context, key string) error
}

// Store aggregates every persistence concern.
type Store interface {
	CampaignStore
	ItemStore
	RuleStore
	AlertStore
	Close(ctx context.Context) error
}

// Authenticator performs one login against the content source.
type Authenticator interface {
	Login(ctx context.Context) (Session, error)
}

// SessionProvider hands out the shared session.
type SessionProvider interface {
	Acquire(ctx context.Context) (Session, error)
	Invalidate()
}

// ContentSource searches the external platform. Implementations wrap
// failures with ErrAdapter, or ErrAuth when the session was rejected.
type ContentSource interface {
	Search(ctx context.Context, session Session, term string, maxItems int) ([]Item, error)
}

// Oracle classifies item text. Failures wrap ErrOracle.
type Oracle interface {
	Classify(ctx context.Context, text string, hints ClassifyContext) (Classification, error)
}

// Publisher is the outbound event contract. Calls never block on delivery.
type Publisher interface {
	PublishAlert(alert Alert)
	PublishCampaignEvent(campaignID string, eventType string, payload map[string]any)
	PublishSystemEvent(eventType string, payload map[string]any)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Event types published on the campaign and system streams.
const (
	EventJobScheduled      = "job_scheduled"
	EventJobStopped        = "job_stopped"
	EventCrawlCompleted    = "crawl_completed"
	EventCampaignCompleted = "campaign_completed"
	EventCampaignDegraded  = "campaign_degraded"
	EventItemsClassified   = "items_classified"
	EventSessionReady      = "session_ready"
	EventSessionExhausted  = "session_exhausted"
	EventSweepFinished     = "classification_sweep_finished"
)

// Package mongo implements monitor.Store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// Config selects the deployment and database.
type Config struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Store is the MongoDB-backed monitor.Store.
type Store struct {
	client    *mongo.Client
	campaigns *mongo.Collection
	items     *mongo.Collection
	rules     *mongo.Collection
	alerts    *mongo.Collection
	claims    *mongo.Collection
	now       func() time.Time
}

var _ monitor.Store = (*Store)(nil)

// New connects, pings and ensures indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store.mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "sentinel"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := NewWithDatabase(client.Database(cfg.Database))
	s.client = client
	if err := s.EnsureIndexes(cctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewWithDatabase builds a store on an existing database handle.
func NewWithDatabase(db *mongo.Database) *Store {
	return &Store{
		campaigns: db.Collection("campaigns"),
		items:     db.Collection("items"),
		rules:     db.Collection("alert_rules"),
		alerts:    db.Collection("alerts"),
		claims:    db.Collection("alert_claims"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the indexes the pipeline relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.alerts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "dedupe_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "delivered_at", Value: 1}, {Key: "created_at", Value: 1}}},
	}); err != nil {
		return persistence("create alert indexes", err)
	}
	if _, err := s.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "analyzed", Value: 1}, {Key: "ingested_at", Value: -1}}},
		{Keys: bson.D{{Key: "search_term", Value: 1}}},
	}); err != nil {
		return persistence("create item indexes", err)
	}
	if _, err := s.campaigns.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}}}); err != nil {
		return persistence("create campaign indexes", err)
	}
	return nil
}

// Close disconnects the client when the store owns it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrPersistence, err)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", kind, id, monitor.ErrNotFound)
	}
	return persistence("find "+kind, err)
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, kind, id string) (T, error) {
	var v T
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&v); err != nil {
		return v, notFound(kind, id, err)
	}
	return v, nil
}

func findMany[T any](ctx context.Context, coll *mongo.Collection, filter any, opts ...*options.FindOptions) ([]T, error) {
	cur, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, persistence("find "+coll.Name(), err)
	}
	defer cur.Close(ctx)
	var out []T
	if err := cur.All(ctx, &out); err != nil {
		return nil, persistence("decode "+coll.Name(), err)
	}
	return out, nil
}

func updateAfter[T any](ctx context.Context, coll *mongo.Collection, kind, id string, filter bson.M, update bson.M) (T, error) {
	var v T
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&v); err != nil {
		return v, notFound(kind, id, err)
	}
	return v, nil
}

// CreateCampaign inserts a campaign.
func (s *Store) CreateCampaign(ctx context.Context, c monitor.Campaign) error {
	if c.Stats.CategoryCounts == nil {
		c.Stats.CategoryCounts = map[string]int{}
	}
	if _, err := s.campaigns.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("campaign %s: %w", c.ID, monitor.ErrDuplicate)
		}
		return persistence("insert campaign", err)
	}
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (monitor.Campaign, error) {
	return findOne[monitor.Campaign](ctx, s.campaigns, "campaign", id)
}

// ListCampaigns returns campaigns in creation order.
func (s *Store) ListCampaigns(ctx context.Context, filter monitor.CampaignFilter) ([]monitor.Campaign, error) {
	f := bson.M{}
	if len(filter.Statuses) > 0 {
		f["status"] = bson.M{"$in": filter.Statuses}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findMany[monitor.Campaign](ctx, s.campaigns, f, opts)
}

// UpdateCampaignStatus sets the status when the current one is allowed.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, status monitor.CampaignStatus, from ...monitor.CampaignStatus) (monitor.Campaign, error) {
	filter := bson.M{"_id": id}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}
	c, err := updateAfter[monitor.Campaign](ctx, s.campaigns, "campaign", id, filter,
		bson.M{"$set": bson.M{"status": status, "updated_at": s.now()}})
	if errors.Is(err, monitor.ErrNotFound) && len(from) > 0 {
		current, getErr := s.GetCampaign(ctx, id)
		if getErr != nil {
			return monitor.Campaign{}, getErr
		}
		return current, fmt.Errorf("campaign %s is %s: %w", id, current.Status, monitor.ErrInvalidTransition)
	}
	return c, err
}

var fieldKey = strings.NewReplacer(".", "_", "$", "_")

// ApplyStats increments campaign counters with a single $inc.
func (s *Store) ApplyStats(ctx context.Context, id string, d monitor.StatsDelta) (monitor.Campaign, error) {
	inc := bson.M{
		"stats.total_items":       d.Items,
		"stats.total_engagement":  d.Engagement,
		"stats.sentiment_sum":     d.SentimentSum,
		"stats.sentiment_samples": d.SentimentN,
		"stats.alerts_generated":  d.Alerts,
	}
	for k, v := range d.Categories {
		// Category names become field paths; dots and dollars are not allowed there.
		inc["stats.category_counts."+fieldKey.Replace(k)] = v
	}
	set := bson.M{"updated_at": s.now()}
	if d.CrawledAt != nil {
		set["stats.last_crawl_at"] = *d.CrawledAt
	}
	return updateAfter[monitor.Campaign](ctx, s.campaigns, "campaign", id,
		bson.M{"_id": id}, bson.M{"$inc": inc, "$set": set})
}

// InsertItems inserts items with unseen IDs and returns exactly those.
func (s *Store) InsertItems(ctx context.Context, items []monitor.Item) ([]monitor.Item, error) {
	inserted := make([]monitor.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, err := s.items.InsertOne(ctx, it); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return inserted, persistence("insert item", err)
		}
		inserted = append(inserted, it)
	}
	return inserted, nil
}

// ExistingIDs reports which of ids are already stored.
func (s *Store) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(ids) == 0 {
		return out, nil
	}
	type idOnly struct {
		ID string `bson:"_id"`
	}
	found, err := findMany[idOnly](ctx, s.items, bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	for _, f := range found {
		out[f.ID] = struct{}{}
	}
	return out, nil
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (monitor.Item, error) {
	return findOne[monitor.Item](ctx, s.items, "item", id)
}

// ListItems returns matching items newest-ingested first.
func (s *Store) ListItems(ctx context.Context, q monitor.ItemQuery) ([]monitor.Item, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ingested_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	return findMany[monitor.Item](ctx, s.items, itemFilter(q), opts)
}

// CountItems counts matching items.
func (s *Store) CountItems(ctx context.Context, q monitor.ItemQuery) (int64, error) {
	n, err := s.items.CountDocuments(ctx, itemFilter(q))
	if err != nil {
		return 0, persistence("count items", err)
	}
	return n, nil
}

func itemFilter(q monitor.ItemQuery) bson.M {
	f := bson.M{}
	if q.Analyzed != nil {
		f["analyzed"] = *q.Analyzed
	}
	if !q.IngestedAfter.IsZero() {
		f["ingested_at"] = bson.M{"$gt": q.IngestedAfter}
	}
	if len(q.SearchTerms) > 0 {
		terms := make(bson.A, 0, len(q.SearchTerms))
		for _, t := range q.SearchTerms {
			terms = append(terms, primitive.Regex{Pattern: "^" + regexp.QuoteMeta(t) + "$", Options: "i"})
		}
		f["search_term"] = bson.M{"$in": terms}
	}
	return f
}

// SaveClassification records a successful classification.
func (s *Store) SaveClassification(ctx context.Context, id string, cls monitor.Classification) error {
	res, err := s.items.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set":   bson.M{"classification": cls, "analyzed": true},
		"$unset": bson.M{"analysis_error": ""},
	})
	if err != nil {
		return persistence("save classification", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// MarkAnalysisFailed marks an item analyzed with an error marker.
func (s *Store) MarkAnalysisFailed(ctx context.Context, id string, reason string) error {
	res, err := s.items.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"analyzed": true, "analysis_error": reason},
	})
	if err != nil {
		return persistence("mark analysis failed", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("item %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// CreateRule inserts a rule.
func (s *Store) CreateRule(ctx context.Context, r monitor.AlertRule) error {
	if _, err := s.rules.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("rule %s: %w", r.ID, monitor.ErrDuplicate)
		}
		return persistence("insert rule", err)
	}
	return nil
}

// UpdateRule replaces a stored rule.
func (s *Store) UpdateRule(ctx context.Context, r monitor.AlertRule) error {
	res, err := s.rules.ReplaceOne(ctx, bson.M{"_id": r.ID}, r)
	if err != nil {
		return persistence("replace rule", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, monitor.ErrNotFound)
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (monitor.AlertRule, error) {
	return findOne[monitor.AlertRule](ctx, s.rules, "rule", id)
}

// ListActiveRules returns active rules ordered by ID.
func (s *Store) ListActiveRules(ctx context.Context) ([]monitor.AlertRule, error) {
	return findMany[monitor.AlertRule](ctx, s.rules, bson.M{"active": true},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// RecordTrigger bumps the trigger counter.
func (s *Store) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	res, err := s.rules.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"performance.triggers": 1},
		"$set": bson.M{"performance.last_triggered_at": at},
	})
	if err != nil {
		return persistence("record trigger", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("rule %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// RecordOutcome bumps an outcome counter and recomputes accuracy.
func (s *Store) RecordOutcome(ctx context.Context, id string, truePositive bool) (monitor.RulePerformance, error) {
	field := "performance.false_positives"
	if truePositive {
		field = "performance.true_positives"
	}
	r, err := updateAfter[monitor.AlertRule](ctx, s.rules, "rule", id,
		bson.M{"_id": id}, bson.M{"$inc": bson.M{field: 1}})
	if err != nil {
		return monitor.RulePerformance{}, err
	}
	r.Performance.Recompute()
	if _, err := s.rules.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"performance.accuracy": r.Performance.Accuracy}}); err != nil {
		return monitor.RulePerformance{}, persistence("store accuracy", err)
	}
	return r.Performance, nil
}

// CreateAlert inserts an alert; a repeated dedupe key yields ErrDuplicate.
func (s *Store) CreateAlert(ctx context.Context, a monitor.Alert) error {
	if _, err := s.alerts.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("alert %s: %w", a.DedupeKey, monitor.ErrDuplicate)
		}
		return persistence("insert alert", err)
	}
	return nil
}

// ClaimDedupeKey inserts key as the _id of an alert_claims document; a
// duplicate key means another pass already claimed it.
func (s *Store) ClaimDedupeKey(ctx context.Context, key string, at time.Time) (bool, error) {
	if _, err := s.claims.InsertOne(ctx, bson.M{"_id": key, "claimed_at": at}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, persistence("claim dedupe key", err)
	}
	return true, nil
}

// ReleaseDedupeKey deletes a claim.
func (s *Store) ReleaseDedupeKey(ctx context.Context, key string) error {
	if _, err := s.claims.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return persistence("release dedupe key", err)
	}
	return nil
}

// GetAlert fetches an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (monitor.Alert, error) {
	return findOne[monitor.Alert](ctx, s.alerts, "alert", id)
}

// UpdateAlertStatus sets the status; terminal statuses record the actor.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status monitor.AlertStatus, actor string) (monitor.Alert, error) {
	set := bson.M{"status": status, "updated_at": s.now()}
	if status.Terminal() {
		set["resolved_by"] = actor
	}
	return updateAfter[monitor.Alert](ctx, s.alerts, "alert", id, bson.M{"_id": id}, bson.M{"$set": set})
}

// ListUndelivered returns undelivered alerts created before the cutoff, oldest first.
func (s *Store) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return findMany[monitor.Alert](ctx, s.alerts,
		bson.M{"delivered_at": nil, "created_at": bson.M{"$lt": before}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit)))
}

// MarkDelivered stamps delivered_at on the given alerts.
func (s *Store) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.alerts.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "delivered_at": nil},
		bson.M{"$set": bson.M{"delivered_at": at}}); err != nil {
		return persistence("mark alerts delivered", err)
	}
	return nil
}

// CountAlerts counts alerts matching q.
func (s *Store) CountAlerts(ctx context.Context, q monitor.AlertQuery) (int64, error) {
	f := bson.M{}
	if q.RuleID != "" {
		f["rule_id"] = q.RuleID
	}
	if q.CampaignID != "" {
		f["campaign_id"] = q.CampaignID
	}
	if q.Status != "" {
		f["status"] = q.Status
	}
	if !q.Since.IsZero() {
		f["created_at"] = bson.M{"$gte": q.Since}
	}
	n, err := s.alerts.CountDocuments(ctx, f)
	if err != nil {
		return 0, persistence("count alerts", err)
	}
	return n, nil
}

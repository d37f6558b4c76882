package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/socialwatch/sentinel/internal/monitor"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := NewWithPool(mock)
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return mock, s
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertItemsReportsOnlyInsertedRows(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO items").
		WithArgs("a", "flood", now, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs("b", "flood", now, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	got, err := s.InsertItems(context.Background(), []monitor.Item{
		{ID: "a", SearchTerm: "flood", IngestedAt: now},
		{ID: "b", SearchTerm: "flood", IngestedAt: now},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertMapsUniqueViolation(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	mock.ExpectExec("INSERT INTO alerts").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateAlert(context.Background(), monitor.Alert{ID: "a1", DedupeKey: "k"})
	require.ErrorIs(t, err, monitor.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDedupeKeyReportsConflict(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO alert_claims").
		WithArgs("rule:r1:i1", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO alert_claims").
		WithArgs("rule:r1:i1", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(q("DELETE FROM alert_claims WHERE dedupe_key = $1")).
		WithArgs("rule:r1:i1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ok, err := s.ClaimDedupeKey(context.Background(), "rule:r1:i1", at)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimDedupeKey(context.Background(), "rule:r1:i1", at)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.ReleaseDedupeKey(context.Background(), "rule:r1:i1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCampaignNotFound(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	mock.ExpectQuery(q("SELECT doc FROM campaigns WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCampaign(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStatsLocksAndRewrites(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	doc, err := json.Marshal(monitor.Campaign{
		ID:     "c1",
		Status: monitor.CampaignActive,
		Stats:  monitor.CampaignStats{TotalItems: 195, CategoryCounts: map[string]int{"news": 1}},
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT doc FROM campaigns WHERE id = $1 FOR UPDATE")).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectExec(q("UPDATE campaigns SET status = $2, doc = $3 WHERE id = $1")).
		WithArgs("c1", "active", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	c, err := s.ApplyStats(context.Background(), "c1", monitor.StatsDelta{
		Items:      5,
		Engagement: 42,
		Categories: map[string]int{"news": 2},
	})
	require.NoError(t, err)
	require.Equal(t, 200, c.Stats.TotalItems)
	require.Equal(t, 3, c.Stats.CategoryCounts["news"])
	require.EqualValues(t, 42, c.Stats.TotalEngagement)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCampaignStatusRejectsUnexpectedSource(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	doc, err := json.Marshal(monitor.Campaign{ID: "c1", Status: monitor.CampaignPaused})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT doc FROM campaigns WHERE id = $1 FOR UPDATE")).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectRollback()

	_, err = s.UpdateCampaignStatus(context.Background(), "c1", monitor.CampaignCompleted, monitor.CampaignActive)
	require.ErrorIs(t, err, monitor.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsBuildsFilter(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	doc, err := json.Marshal(monitor.Item{ID: "i1", Text: "hello"})
	require.NoError(t, err)

	mock.ExpectQuery(q("SELECT doc FROM items WHERE analyzed = $1 AND lower(search_term) = ANY($2) ORDER BY ingested_at DESC, id DESC LIMIT $3 OFFSET $4")).
		WithArgs(false, []string{"flood"}, 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	items, err := s.ListItems(context.Background(), monitor.ItemQuery{
		Analyzed:    monitor.Bool(false),
		SearchTerms: []string{"Flood"},
		Limit:       10,
		Offset:      20,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "hello", items[0].Text)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveClassificationUnknownItem(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	mock.ExpectExec("UPDATE items SET analyzed = TRUE").
		WithArgs("ghost", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SaveClassification(context.Background(), "ghost", monitor.Classification{Category: "news"})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAlertsFilters(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	mock.ExpectQuery(q("SELECT count(*) FROM alerts WHERE rule_id = $1 AND status = $2")).
		WithArgs("r1", "open").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := s.CountAlerts(context.Background(), monitor.AlertQuery{RuleID: "r1", Status: monitor.AlertOpen})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcomeRecomputesAccuracy(t *testing.T) {
	t.Parallel()
	mock, s := newMock(t)

	doc, err := json.Marshal(monitor.AlertRule{
		ID:          "r1",
		Active:      true,
		Performance: monitor.RulePerformance{TruePositives: 1, FalsePositives: 1},
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT doc FROM alert_rules WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectExec(q("UPDATE alert_rules SET active = $2, doc = $3 WHERE id = $1")).
		WithArgs("r1", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	perf, err := s.RecordOutcome(context.Background(), "r1", true)
	require.NoError(t, err)
	require.InDelta(t, 2.0/3.0, perf.Accuracy, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

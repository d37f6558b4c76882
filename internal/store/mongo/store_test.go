package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/socialwatch/sentinel/internal/monitor"
)

func toD(t *testing.T, v any) bson.D {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(raw, &d))
	return d
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("create alert duplicate", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))
		err := s.CreateAlert(context.Background(), monitor.Alert{ID: "a1", DedupeKey: "k"})
		require.ErrorIs(mt, err, monitor.ErrDuplicate)
	})

	mt.Run("claim dedupe key", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key error"}),
		)
		ok, err := s.ClaimDedupeKey(context.Background(), "rule:r1:i1", time.Now())
		require.NoError(mt, err)
		require.True(mt, ok)

		ok, err = s.ClaimDedupeKey(context.Background(), "rule:r1:i1", time.Now())
		require.NoError(mt, err)
		require.False(mt, ok)
	})

	mt.Run("get campaign", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		doc := toD(t, monitor.Campaign{ID: "c1", Name: "Metro", Status: monitor.CampaignActive})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.campaigns", mtest.FirstBatch, doc))

		c, err := s.GetCampaign(context.Background(), "c1")
		require.NoError(mt, err)
		require.Equal(mt, "Metro", c.Name)
		require.Equal(mt, monitor.CampaignActive, c.Status)
	})

	mt.Run("get campaign not found", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.campaigns", mtest.FirstBatch))

		_, err := s.GetCampaign(context.Background(), "missing")
		require.ErrorIs(mt, err, monitor.ErrNotFound)
	})

	mt.Run("apply stats returns updated document", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		updated := toD(t, monitor.Campaign{
			ID:    "c1",
			Stats: monitor.CampaignStats{TotalItems: 200, CategoryCounts: map[string]int{"news": 3}},
		})
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: updated}})

		c, err := s.ApplyStats(context.Background(), "c1", monitor.StatsDelta{Items: 5, Categories: map[string]int{"news": 2}})
		require.NoError(mt, err)
		require.Equal(mt, 200, c.Stats.TotalItems)
		require.Equal(mt, 3, c.Stats.CategoryCounts["news"])
	})

	mt.Run("insert items skips duplicates", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key error"}),
		)
		got, err := s.InsertItems(context.Background(), []monitor.Item{{ID: "a"}, {ID: "b"}})
		require.NoError(mt, err)
		require.Len(mt, got, 1)
		require.Equal(mt, "a", got[0].ID)
	})

	mt.Run("save classification unknown item", func(mt *mtest.T) {
		s := NewWithDatabase(mt.DB)
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "n", Value: 0}, {Key: "nModified", Value: 0}})

		err := s.SaveClassification(context.Background(), "ghost", monitor.Classification{Category: "news"})
		require.ErrorIs(mt, err, monitor.ErrNotFound)
	})
}

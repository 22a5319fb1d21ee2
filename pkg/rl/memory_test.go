package rl_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl/rltest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newMemory(t *testing.T) (*rl.Memory, *rltest.Store, *fakeClock) {
	t.Helper()
	store := rltest.New()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := rl.NewMemory(store, rl.MemoryConfig{CacheTTL: time.Minute, Clock: clock.now})
	return m, store, clock
}

func TestMemory_RecordAndSimilar(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t)

	val, err := m.Record(ctx, rl.RecordRequest{Query: "run a dcf valuation for acme", Intent: "valuation", Success: true, Latency: time.Second})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, val.Reward, 1e-9)
	assert.Equal(t, int64(1000), val.LatencyMs)

	_, err = m.Record(ctx, rl.RecordRequest{Query: "convert 100 eur to usd", Intent: "fx_conversion", Success: true})
	require.NoError(t, err)

	matches, err := m.Similar(ctx, "run a dcf valuation for acme", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, val.ID, matches[0].Experience.ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestMemory_SimilarLimitsAndOrders(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t)

	for _, q := range []string{"acme valuation", "acme valuation dcf", "acme valuation dcf comparables"} {
		_, err := m.Record(ctx, rl.RecordRequest{Query: q, Intent: "valuation", Success: true})
		require.NoError(t, err)
	}

	matches, err := m.Similar(ctx, "acme valuation", 2, 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "acme valuation", matches[0].Experience.Query)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestMemory_WindowCache(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newMemory(t)

	_, err := m.Similar(ctx, "acme", 5, 0)
	require.NoError(t, err)
	_, err = m.Similar(ctx, "acme", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, store.RecentCalls)

	// Records land in the loaded window without a reload.
	e, err := m.Record(ctx, rl.RecordRequest{Query: "acme runway", Intent: "company_lookup", Success: true})
	require.NoError(t, err)
	matches, err := m.Similar(ctx, "acme runway", 5, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, e.ID, matches[0].Experience.ID)
	assert.Equal(t, 1, store.RecentCalls)

	clock.t = clock.t.Add(2 * time.Minute)
	_, err = m.Similar(ctx, "acme", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, store.RecentCalls)
}

func TestMemory_ApplyFeedback(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t)

	e, err := m.Record(ctx, rl.RecordRequest{Query: "portfolio summary", Intent: "portfolio_summary", Success: true})
	require.NoError(t, err)
	_, err = m.Similar(ctx, "portfolio summary", 1, 0)
	require.NoError(t, err)

	up, err := m.ApplyFeedback(ctx, rl.FeedbackRequest{ExperienceID: e.ID.String(), Rating: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, up.Reward, 1e-9)
	require.NotNil(t, up.Feedback)
	assert.Equal(t, 1, up.Feedback.Rating)

	matches, err := m.Similar(ctx, "portfolio summary", 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Experience.Reward, 1e-9)

	down, err := m.ApplyFeedback(ctx, rl.FeedbackRequest{ExperienceID: e.ID.String(), Rating: 0, CorrectedIntent: "company_lookup"})
	require.NoError(t, err)
	assert.InDelta(t, -0.3, down.Reward, 1e-9)
}

func TestMemory_Validation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t)

	_, err := m.Record(ctx, rl.RecordRequest{Query: "  ", Intent: "general"})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = m.Record(ctx, rl.RecordRequest{Query: "hi", Intent: "general", ConversationID: "nope"})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = m.ApplyFeedback(ctx, rl.FeedbackRequest{ExperienceID: "nope", Rating: 1})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = m.ApplyFeedback(ctx, rl.FeedbackRequest{ExperienceID: uuid.NewString(), Rating: 2})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = m.ApplyFeedback(ctx, rl.FeedbackRequest{ExperienceID: uuid.NewString(), Rating: 1})
	assert.True(t, vcerrors.IsNotFound(err))
}

func TestMemory_IntentStats(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newMemory(t)

	for _, r := range []rl.RecordRequest{
		{Query: "value acme", Intent: "valuation", Success: true},
		{Query: "value globex", Intent: "valuation", Success: false},
		{Query: "eur to usd", Intent: "fx_conversion", Success: true},
	} {
		_, err := m.Record(ctx, r)
		require.NoError(t, err)
	}

	stats, err := m.IntentStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "valuation", stats[0].Intent)
	assert.Equal(t, 2, stats[0].Count)
	assert.InDelta(t, 0.5, stats[0].SuccessRate, 1e-9)
	assert.InDelta(t, 0.1, stats[0].AvgReward, 1e-9)
}

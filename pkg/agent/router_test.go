package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
)

type fakeFinder struct {
	matches []rl.Match
}

func (f *fakeFinder) Similar(context.Context, string, int, float64) ([]rl.Match, error) {
	return f.matches, nil
}

func TestRouter_Intents(t *testing.T) {
	r := NewRouter(nil, nil)
	tests := []struct {
		query string
		want  Intent
	}{
		{"Run a DCF valuation for Acme", IntentValuation},
		{"What's Acme's runway?", IntentCompanyLookup},
		{"Give me a portfolio overview", IntentPortfolioSummary},
		{"set Acme ARR to 5m", IntentMatrixUpdate},
		{"convert 100 EUR to USD", IntentFXConversion},
		{"calculate 1.5 * 12", IntentCalculation},
		{"Show me the latest pitch deck for Acme", IntentDocumentQuery},
		{"Any news about Acme competitors?", IntentMarketSearch},
		{"hello there", IntentGeneral},
		{"What is the meaning of life", IntentGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			e := ExtractEntities(tt.query, testPortfolio)
			d := r.Route(context.Background(), tt.query, e, State{}, len(e.Companies) > 0)
			assert.Equal(t, tt.want, d.Intent)
			assert.Greater(t, d.Confidence, 0.0)
			assert.LessOrEqual(t, d.Confidence, 1.0)
		})
	}
}

func TestRouter_GeneralConfidence(t *testing.T) {
	d := NewRouter(nil, nil).Route(context.Background(), "hello there", Entities{}, State{}, false)
	assert.Equal(t, IntentGeneral, d.Intent)
	assert.Equal(t, GeneralConfidence, d.Confidence)
}

func TestRouter_FollowUp(t *testing.T) {
	r := NewRouter(nil, nil)
	q := "and what about Globex?"
	e := ExtractEntities(q, testPortfolio)
	d := r.Route(context.Background(), q, e, State{LastIntent: IntentValuation}, true)
	assert.Equal(t, IntentValuation, d.Intent)
}

func TestRouter_ExperienceBias(t *testing.T) {
	q := "what's happening at Globex"
	e := ExtractEntities(q, testPortfolio)

	t.Run("well rewarded intent is boosted", func(t *testing.T) {
		r := NewRouter(&fakeFinder{matches: []rl.Match{
			{Experience: rl.Experience{Intent: string(IntentMarketSearch), Reward: 0.8}, Score: 0.9},
		}}, nil)
		d := r.Route(context.Background(), q, e, State{}, true)
		assert.Equal(t, IntentMarketSearch, d.Intent)
		assert.True(t, d.Boosted)
		assert.InDelta(t, RLBoost*0.9, d.Scores[IntentMarketSearch], 1e-9)
	})

	t.Run("corrected intent takes the boost", func(t *testing.T) {
		r := NewRouter(&fakeFinder{matches: []rl.Match{
			{Experience: rl.Experience{Intent: string(IntentGeneral), Reward: -1,
				Feedback: &rl.Feedback{Rating: -1, CorrectedIntent: string(IntentPortfolioSummary)}}, Score: 0.95},
		}}, nil)
		d := r.Route(context.Background(), q, e, State{}, true)
		assert.Equal(t, IntentPortfolioSummary, d.Intent)
	})

	t.Run("poorly rewarded experience is ignored", func(t *testing.T) {
		r := NewRouter(&fakeFinder{matches: []rl.Match{
			{Experience: rl.Experience{Intent: string(IntentMarketSearch), Reward: 0.1}, Score: 0.99},
		}}, nil)
		d := r.Route(context.Background(), q, e, State{}, true)
		assert.Equal(t, IntentGeneral, d.Intent)
		assert.False(t, d.Boosted)
	})
}

func TestParseIntent(t *testing.T) {
	in, err := ParseIntent(" Market_Search ")
	assert.NoError(t, err)
	assert.Equal(t, IntentMarketSearch, in)
	_, err = ParseIntent("weather")
	assert.Error(t, err)
}

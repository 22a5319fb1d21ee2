package rl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"acme", "arr", "1.2m"}, Tokens("What is Acme ARR? 1.2m."))
	assert.Empty(t, Tokens("what is the"))
}

func TestEmbed(t *testing.T) {
	t.Run("normalised", func(t *testing.T) {
		v := Embed("valuation of Acme Robotics")
		require.Len(t, v, Dims)
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
	})

	t.Run("empty text is the zero vector", func(t *testing.T) {
		v := Embed("  the of  ")
		require.Len(t, v, Dims)
		for _, x := range v {
			assert.Zero(t, x)
		}
	})

	t.Run("case and stopwords do not matter", func(t *testing.T) {
		assert.InDelta(t, 1.0, Cosine(Embed("Valuation of ACME"), Embed("the valuation acme")), 1e-9)
	})

	t.Run("related beats unrelated", func(t *testing.T) {
		q := Embed("run a dcf valuation for acme")
		related := Cosine(q, Embed("dcf valuation for acme robotics"))
		unrelated := Cosine(q, Embed("convert 100 eur to usd"))
		assert.Greater(t, related, 0.3)
		assert.Greater(t, related, unrelated)
	})
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-12)
	assert.Zero(t, Cosine([]float64{1, 2}, []float64{1}))
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float64{0, 0}, []float64{1, 1}))
}

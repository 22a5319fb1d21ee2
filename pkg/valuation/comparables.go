package valuation

import (
	"fmt"
	"math"
	"sort"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Multiple metrics.
const (
	MetricEVRevenue = "ev_revenue"
	MetricEVEBITDA  = "ev_ebitda"
)

// DefaultIlliquidityDiscount is applied to private-company implied values.
const DefaultIlliquidityDiscount = 0.20

// Comparable is a public peer.
type Comparable struct {
	Name            string  `json:"name" yaml:"name"`
	Ticker          string  `json:"ticker,omitempty" yaml:"ticker,omitempty"`
	EnterpriseValue float64 `json:"enterprise_value" yaml:"enterprise_value"`
	Revenue         float64 `json:"revenue" yaml:"revenue"`
	EBITDA          float64 `json:"ebitda" yaml:"ebitda"`
	GrowthPct       float64 `json:"growth_pct" yaml:"growth_pct"`
	Currency        string  `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// ComparablesInput values a target against peers. IlliquidityDiscount
// defaults to DefaultIlliquidityDiscount when nil.
type ComparablesInput struct {
	TargetRevenue       float64      `json:"target_revenue" yaml:"target_revenue"`
	TargetEBITDA        float64      `json:"target_ebitda" yaml:"target_ebitda"`
	TargetGrowthPct     float64      `json:"target_growth_pct" yaml:"target_growth_pct"`
	Peers               []Comparable `json:"peers" yaml:"peers"`
	Metric              string       `json:"metric" yaml:"metric"`
	IlliquidityDiscount *float64     `json:"illiquidity_discount,omitempty" yaml:"illiquidity_discount,omitempty"`
	GrowthAdjust        bool         `json:"growth_adjust" yaml:"growth_adjust"`
}

// PeerMultiple is the multiple computed for one usable peer.
type PeerMultiple struct {
	Name     string  `json:"name"`
	Ticker   string  `json:"ticker,omitempty"`
	Multiple float64 `json:"multiple"`
	Adjusted float64 `json:"adjusted_multiple"`
}

// SkippedPeer reports a peer that could not be used.
type SkippedPeer struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ComparablesResult holds peer statistics and the implied value range.
type ComparablesResult struct {
	Metric              string         `json:"metric"`
	Multiples           []PeerMultiple `json:"multiples"`
	Skipped             []SkippedPeer  `json:"skipped,omitempty"`
	Mean                float64        `json:"mean"`
	Median              float64        `json:"median"`
	P25                 float64        `json:"p25"`
	P75                 float64        `json:"p75"`
	IlliquidityDiscount float64        `json:"illiquidity_discount"`
	ImpliedEVMedian     float64        `json:"implied_ev_median"`
	ImpliedEVLow        float64        `json:"implied_ev_low"`
	ImpliedEVHigh       float64        `json:"implied_ev_high"`
}

// Comparables computes peer multiples and applies their median and
// interquartile range to the target, after the illiquidity discount. Peers
// with a non-positive denominator or enterprise value are skipped.
func Comparables(in ComparablesInput) (*ComparablesResult, error) {
	metric := in.Metric
	if metric == "" {
		metric = MetricEVRevenue
	}
	var target float64
	switch metric {
	case MetricEVRevenue:
		target = in.TargetRevenue
	case MetricEVEBITDA:
		target = in.TargetEBITDA
	default:
		return nil, fmt.Errorf("unknown multiple metric %q: %w", metric, vcerrors.ErrValidation)
	}
	if target <= 0 {
		return nil, fmt.Errorf("target %s denominator must be positive: %w", metric, vcerrors.ErrValidation)
	}

	discount := DefaultIlliquidityDiscount
	if in.IlliquidityDiscount != nil {
		discount = *in.IlliquidityDiscount
	}
	if discount < 0 || discount >= 1 {
		return nil, fmt.Errorf("illiquidity discount must be in [0,1): %w", vcerrors.ErrValidation)
	}

	res := &ComparablesResult{Metric: metric, IlliquidityDiscount: discount}
	for _, p := range in.Peers {
		denom := p.Revenue
		if metric == MetricEVEBITDA {
			denom = p.EBITDA
		}
		switch {
		case p.EnterpriseValue <= 0:
			res.Skipped = append(res.Skipped, SkippedPeer{Name: p.Name, Reason: "non-positive enterprise value"})
			continue
		case denom <= 0:
			res.Skipped = append(res.Skipped, SkippedPeer{Name: p.Name, Reason: "non-positive " + denominatorName(metric)})
			continue
		}

		m := p.EnterpriseValue / denom
		adjusted := m
		if in.GrowthAdjust && p.GrowthPct > 0 && in.TargetGrowthPct > 0 {
			adjusted = m * in.TargetGrowthPct / p.GrowthPct
		}
		res.Multiples = append(res.Multiples, PeerMultiple{Name: p.Name, Ticker: p.Ticker, Multiple: m, Adjusted: adjusted})
	}
	if len(res.Multiples) == 0 {
		return nil, fmt.Errorf("no usable peers out of %d: %w", len(in.Peers), vcerrors.ErrValidation)
	}

	values := make([]float64, len(res.Multiples))
	for i, m := range res.Multiples {
		values[i] = m.Adjusted
	}
	sort.Float64s(values)
	res.Mean = mean(values)
	res.Median = percentile(values, 0.50)
	res.P25 = percentile(values, 0.25)
	res.P75 = percentile(values, 0.75)

	keep := 1 - discount
	res.ImpliedEVMedian = target * res.Median * keep
	res.ImpliedEVLow = target * res.P25 * keep
	res.ImpliedEVHigh = target * res.P75 * keep
	return res, nil
}

func denominatorName(metric string) string {
	if metric == MetricEVEBITDA {
		return "EBITDA"
	}
	return "revenue"
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile interpolates linearly between closest ranks of sorted xs.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

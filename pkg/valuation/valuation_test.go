package valuation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

func fptr(v float64) *float64 { return &v }

func TestDefaultScenariosSumToOne(t *testing.T) {
	var total float64
	for _, s := range DefaultScenarios() {
		total += s.Probability
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestPWERM_DefaultScenariosWithPreference(t *testing.T) {
	res, err := PWERM(PWERMInput{
		Revenue:               1_000_000,
		Ownership:             0.10,
		Investment:            1_000_000,
		LiquidationPreference: 1_000_000,
	})
	require.NoError(t, err)

	assert.True(t, res.UsedDefaultScenarios)
	assert.Equal(t, 5, res.ScenarioCount)
	assert.InDelta(t, 4_500_000, res.ExpectedExitValue, 1e-6)
	// Zero discount rate leaves present values at exit values.
	assert.InDelta(t, 4_500_000, res.WeightedPresentValue, 1e-6)

	// IPO: 10% of 15m beats the 1m preference; M&A, PE and acqui-hire are
	// preference-protected; wind-down returns nothing.
	assert.InDelta(t, 1_500_000, res.Scenarios[0].InvestorProceeds, 1e-6)
	assert.InDelta(t, 1_000_000, res.Scenarios[1].InvestorProceeds, 1e-6)
	assert.InDelta(t, 1_000_000, res.Scenarios[3].InvestorProceeds, 1e-6)
	assert.InDelta(t, 0, res.Scenarios[4].InvestorProceeds, 1e-6)

	assert.InDelta(t, 800_000, res.ExpectedProceeds, 1e-6)
	require.NotNil(t, res.ExpectedMOIC)
	assert.InDelta(t, 0.8, *res.ExpectedMOIC, 1e-9)
	assert.InDelta(t, 3.2, res.WeightedYearsToExit, 1e-9)
	require.NotNil(t, res.ExpectedIRR)
	assert.InDelta(t, math.Pow(0.8, 1/3.2)-1, *res.ExpectedIRR, 1e-9)
	assert.InDelta(t, 0.25, res.ProbabilityOfLoss, 1e-9)
}

func TestPWERM_Discounting(t *testing.T) {
	res, err := PWERM(PWERMInput{
		Revenue:      0,
		DiscountRate: 0.25,
		Scenarios: []Scenario{
			{Name: "sale", Probability: 1, ExitValue: fptr(1_000), YearsToExit: 2},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.UsedDefaultScenarios)
	assert.InDelta(t, 640, res.WeightedPresentValue, 1e-9)
	assert.Nil(t, res.ExpectedMOIC)
}

func TestPWERM_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   PWERMInput
	}{
		{"probabilities do not sum to one", PWERMInput{Revenue: 1, Scenarios: []Scenario{
			{Name: "a", Probability: 0.5, ExitMultiple: 2}, {Name: "b", Probability: 0.4, ExitMultiple: 1},
		}}},
		{"probability above one", PWERMInput{Revenue: 1, Scenarios: []Scenario{{Name: "a", Probability: 1.5}}}},
		{"negative years", PWERMInput{Revenue: 1, Scenarios: []Scenario{{Name: "a", Probability: 1, YearsToExit: -1}}}},
		{"discount rate at -1", PWERMInput{Revenue: 1, DiscountRate: -1}},
		{"ownership above one", PWERMInput{Revenue: 1, Ownership: 12}},
		{"negative revenue", PWERMInput{Revenue: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PWERM(tt.in)
			require.Error(t, err)
			assert.True(t, vcerrors.IsValidation(err))
		})
	}
}

func simpleDCF() DCFInput {
	return DCFInput{
		BaseRevenue:    100,
		GrowthRates:    []float64{0.1, 0.1},
		EBITDAMargin:   0.2,
		DiscountRate:   0.1,
		TerminalGrowth: 0,
		NetDebt:        40,
	}
}

func TestDCF_GordonGrowth(t *testing.T) {
	res, err := DCF(simpleDCF())
	require.NoError(t, err)

	require.Len(t, res.Projections, 2)
	assert.InDelta(t, 110, res.Projections[0].Revenue, 1e-9)
	assert.InDelta(t, 22, res.Projections[0].FreeCashFlow, 1e-9)
	assert.InDelta(t, 20, res.Projections[0].PresentValue, 1e-9)
	assert.InDelta(t, 20, res.Projections[1].PresentValue, 1e-9)
	assert.InDelta(t, 40, res.SumPVCashFlows, 1e-9)

	assert.Equal(t, TerminalGordon, res.TerminalMethod)
	assert.InDelta(t, 242, res.TerminalValue, 1e-9)
	assert.InDelta(t, 200, res.PVTerminalValue, 1e-9)
	assert.InDelta(t, 240, res.EnterpriseValue, 1e-9)
	assert.InDelta(t, 200, res.EquityValue, 1e-9)
	assert.InDelta(t, 200.0/240.0, res.TerminalValueShare, 1e-9)
}

func TestDCF_ExitMultiple(t *testing.T) {
	in := simpleDCF()
	in.ExitMultiple = 10
	res, err := DCF(in)
	require.NoError(t, err)
	assert.Equal(t, TerminalExitMultiple, res.TerminalMethod)
	assert.InDelta(t, 242, res.TerminalValue, 1e-9)
}

func TestDCF_CostsAndDecay(t *testing.T) {
	res, err := DCF(DCFInput{
		BaseRevenue:    100,
		InitialGrowth:  0.5,
		GrowthDecay:    0.5,
		Years:          3,
		EBITDAMargin:   0.3,
		TaxRate:        0.2,
		CapexPct:       0.1,
		NWCPct:         0.1,
		DiscountRate:   0.2,
		TerminalGrowth: 0.02,
	})
	require.NoError(t, err)
	require.Len(t, res.Projections, 3)
	assert.InDelta(t, 0.5, res.Projections[0].Growth, 1e-9)
	assert.InDelta(t, 0.25, res.Projections[1].Growth, 1e-9)
	assert.InDelta(t, 0.125, res.Projections[2].Growth, 1e-9)

	// Year 1: revenue 150, EBITDA 45, tax 9, capex 15, NWC 5.
	assert.InDelta(t, 16, res.Projections[0].FreeCashFlow, 1e-9)
}

func TestDCF_NegativeEBITDAIsNotTaxed(t *testing.T) {
	in := simpleDCF()
	in.EBITDAMargin = -0.5
	in.TaxRate = 0.3
	res, err := DCF(in)
	require.NoError(t, err)
	assert.Zero(t, res.Projections[0].Taxes)
}

func TestDCF_Validation(t *testing.T) {
	in := simpleDCF()
	in.DiscountRate, in.TerminalGrowth = 0.03, 0.03
	_, err := DCF(in)
	assert.True(t, vcerrors.IsValidation(err))

	in = simpleDCF()
	in.BaseRevenue = 0
	_, err = DCF(in)
	assert.True(t, vcerrors.IsValidation(err))

	in = simpleDCF()
	in.Margins = []float64{0.1}
	_, err = DCF(in)
	assert.True(t, vcerrors.IsValidation(err))

	in = simpleDCF()
	in.GrowthRates = make([]float64, 31)
	_, err = DCF(in)
	assert.True(t, vcerrors.IsValidation(err))
}

func TestCAPMAndWACC(t *testing.T) {
	assert.InDelta(t, 0.13, CostOfEquity(0.04, 1.2, 0.05, 0.02, 0.01), 1e-12)

	res, err := CAPM(CAPMInput{RiskFreeRate: 0.04, Beta: 1.2, EquityRiskPremium: 0.05, SizePremium: 0.02, SpecificPremium: 0.01})
	require.NoError(t, err)
	assert.InDelta(t, 0.13, res.CostOfEquity, 1e-12)
	assert.InDelta(t, 0.06, res.MarketRisk, 1e-12)
	assert.InDelta(t, 0.03, res.Premiums, 1e-12)

	_, err = CAPM(CAPMInput{Beta: -1})
	assert.True(t, vcerrors.IsValidation(err))

	w, err := WACC(60, 40, 0.13, 0.06, 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.096, w, 1e-12)

	_, err = WACC(0, 0, 0.1, 0.1, 0.2)
	assert.True(t, vcerrors.IsValidation(err))
}

func TestComparables(t *testing.T) {
	res, err := Comparables(ComparablesInput{
		TargetRevenue: 10,
		Peers: []Comparable{
			{Name: "A", EnterpriseValue: 100, Revenue: 10},
			{Name: "B", EnterpriseValue: 60, Revenue: 10},
			{Name: "C", EnterpriseValue: 80, Revenue: 10},
			{Name: "D", EnterpriseValue: 50, Revenue: 0},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, MetricEVRevenue, res.Metric)
	assert.Len(t, res.Multiples, 3)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "D", res.Skipped[0].Name)

	assert.InDelta(t, 8, res.Mean, 1e-9)
	assert.InDelta(t, 8, res.Median, 1e-9)
	assert.InDelta(t, 7, res.P25, 1e-9)
	assert.InDelta(t, 9, res.P75, 1e-9)
	assert.InDelta(t, DefaultIlliquidityDiscount, res.IlliquidityDiscount, 1e-12)
	assert.InDelta(t, 64, res.ImpliedEVMedian, 1e-9)
	assert.InDelta(t, 56, res.ImpliedEVLow, 1e-9)
	assert.InDelta(t, 72, res.ImpliedEVHigh, 1e-9)
}

func TestComparables_GrowthAdjustAndEBITDA(t *testing.T) {
	res, err := Comparables(ComparablesInput{
		TargetEBITDA:        5,
		TargetGrowthPct:     25,
		Metric:              MetricEVEBITDA,
		IlliquidityDiscount: fptr(0),
		GrowthAdjust:        true,
		Peers:               []Comparable{{Name: "A", EnterpriseValue: 100, EBITDA: 10, GrowthPct: 50}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 10, res.Multiples[0].Multiple, 1e-9)
	assert.InDelta(t, 5, res.Multiples[0].Adjusted, 1e-9)
	assert.InDelta(t, 25, res.ImpliedEVMedian, 1e-9)
}

func TestComparables_Errors(t *testing.T) {
	_, err := Comparables(ComparablesInput{TargetRevenue: 10, Peers: []Comparable{{Name: "A", Revenue: 10}}})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = Comparables(ComparablesInput{TargetRevenue: 10, Metric: "p_e"})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = Comparables(ComparablesInput{TargetRevenue: 0, Peers: []Comparable{{Name: "A", EnterpriseValue: 1, Revenue: 1}}})
	assert.True(t, vcerrors.IsValidation(err))
}

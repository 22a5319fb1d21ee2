package valuation

import (
	"fmt"
	"math"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

const (
	defaultDCFYears = 5
	maxDCFYears     = 30
)

// DCFInput are the inputs to a discounted cash flow model. Growth is either
// explicit per year (GrowthRates) or decays from InitialGrowth by GrowthDecay
// each year over Years. Margins, when set, override EBITDAMargin per year.
// Rates are fractions.
type DCFInput struct {
	BaseRevenue    float64   `json:"base_revenue" yaml:"base_revenue"`
	GrowthRates    []float64 `json:"growth_rates,omitempty" yaml:"growth_rates,omitempty"`
	InitialGrowth  float64   `json:"initial_growth" yaml:"initial_growth"`
	GrowthDecay    float64   `json:"growth_decay" yaml:"growth_decay"`
	Years          int       `json:"years" yaml:"years"`
	EBITDAMargin   float64   `json:"ebitda_margin" yaml:"ebitda_margin"`
	Margins        []float64 `json:"margins,omitempty" yaml:"margins,omitempty"`
	TaxRate        float64   `json:"tax_rate" yaml:"tax_rate"`
	CapexPct       float64   `json:"capex_pct" yaml:"capex_pct"`
	NWCPct         float64   `json:"nwc_pct" yaml:"nwc_pct"`
	DiscountRate   float64   `json:"discount_rate" yaml:"discount_rate"`
	TerminalGrowth float64   `json:"terminal_growth" yaml:"terminal_growth"`
	NetDebt        float64   `json:"net_debt" yaml:"net_debt"`
	ExitMultiple   float64   `json:"exit_multiple,omitempty" yaml:"exit_multiple,omitempty"`
}

// YearProjection is one projected year.
type YearProjection struct {
	Year           int     `json:"year"`
	Growth         float64 `json:"growth"`
	Revenue        float64 `json:"revenue"`
	EBITDA         float64 `json:"ebitda"`
	Taxes          float64 `json:"taxes"`
	Capex          float64 `json:"capex"`
	ChangeInNWC    float64 `json:"change_in_nwc"`
	FreeCashFlow   float64 `json:"free_cash_flow"`
	DiscountFactor float64 `json:"discount_factor"`
	PresentValue   float64 `json:"present_value"`
}

// DCFResult is the output of DCF.
type DCFResult struct {
	Projections        []YearProjection `json:"projections"`
	SumPVCashFlows     float64          `json:"sum_pv_cash_flows"`
	TerminalValue      float64          `json:"terminal_value"`
	PVTerminalValue    float64          `json:"pv_terminal_value"`
	TerminalMethod     string           `json:"terminal_method"`
	EnterpriseValue    float64          `json:"enterprise_value"`
	EquityValue        float64          `json:"equity_value"`
	TerminalValueShare float64          `json:"terminal_value_share"`
}

// Terminal value methods.
const (
	TerminalGordon       = "gordon_growth"
	TerminalExitMultiple = "exit_multiple"
)

func (in DCFInput) growthSchedule() []float64 {
	if len(in.GrowthRates) > 0 {
		return in.GrowthRates
	}
	years := in.Years
	if years <= 0 {
		years = defaultDCFYears
	}
	rates := make([]float64, years)
	g := in.InitialGrowth
	for i := range rates {
		rates[i] = g
		g *= 1 - in.GrowthDecay
	}
	return rates
}

// Validate checks the DCF invariants.
func (in DCFInput) Validate() error {
	if in.BaseRevenue <= 0 {
		return fmt.Errorf("base revenue must be positive: %w", vcerrors.ErrValidation)
	}
	n := len(in.growthSchedule())
	if n > maxDCFYears {
		return fmt.Errorf("projection horizon cannot exceed %d years: %w", maxDCFYears, vcerrors.ErrValidation)
	}
	if len(in.Margins) > 0 && len(in.Margins) != n {
		return fmt.Errorf("got %d margins for %d projection years: %w", len(in.Margins), n, vcerrors.ErrValidation)
	}
	if in.GrowthDecay < 0 || in.GrowthDecay > 1 {
		return fmt.Errorf("growth decay must be in [0,1]: %w", vcerrors.ErrValidation)
	}
	if in.TaxRate < 0 || in.TaxRate >= 1 {
		return fmt.Errorf("tax rate must be in [0,1): %w", vcerrors.ErrValidation)
	}
	if in.DiscountRate <= -1 {
		return fmt.Errorf("discount rate must be greater than -1: %w", vcerrors.ErrValidation)
	}
	if in.DiscountRate <= in.TerminalGrowth {
		return fmt.Errorf("discount rate %.4f must exceed terminal growth %.4f: %w", in.DiscountRate, in.TerminalGrowth, vcerrors.ErrValidation)
	}
	if in.ExitMultiple < 0 {
		return fmt.Errorf("exit multiple cannot be negative: %w", vcerrors.ErrValidation)
	}
	return nil
}

// DCF projects free cash flow, discounts it and adds a terminal value from
// Gordon growth or, when ExitMultiple is set, a multiple of final EBITDA.
func DCF(in DCFInput) (*DCFResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	rates := in.growthSchedule()
	res := &DCFResult{Projections: make([]YearProjection, 0, len(rates))}

	prev := in.BaseRevenue
	for i, g := range rates {
		year := i + 1
		margin := in.EBITDAMargin
		if len(in.Margins) > 0 {
			margin = in.Margins[i]
		}
		revenue := prev * (1 + g)
		ebitda := revenue * margin
		taxes := math.Max(ebitda, 0) * in.TaxRate
		capex := revenue * in.CapexPct
		nwc := (revenue - prev) * in.NWCPct
		fcf := ebitda - taxes - capex - nwc
		df := 1 / math.Pow(1+in.DiscountRate, float64(year))

		p := YearProjection{
			Year:           year,
			Growth:         g,
			Revenue:        revenue,
			EBITDA:         ebitda,
			Taxes:          taxes,
			Capex:          capex,
			ChangeInNWC:    nwc,
			FreeCashFlow:   fcf,
			DiscountFactor: df,
			PresentValue:   fcf * df,
		}
		res.Projections = append(res.Projections, p)
		res.SumPVCashFlows += p.PresentValue
		prev = revenue
	}

	last := res.Projections[len(res.Projections)-1]
	if in.ExitMultiple > 0 {
		res.TerminalMethod = TerminalExitMultiple
		res.TerminalValue = last.EBITDA * in.ExitMultiple
	} else {
		res.TerminalMethod = TerminalGordon
		res.TerminalValue = last.FreeCashFlow * (1 + in.TerminalGrowth) / (in.DiscountRate - in.TerminalGrowth)
	}
	res.PVTerminalValue = res.TerminalValue * last.DiscountFactor
	res.EnterpriseValue = res.SumPVCashFlows + res.PVTerminalValue
	res.EquityValue = res.EnterpriseValue - in.NetDebt
	if res.EnterpriseValue != 0 {
		res.TerminalValueShare = res.PVTerminalValue / res.EnterpriseValue
	}
	return res, nil
}

// CostOfEquity is the CAPM cost of equity plus size and company-specific
// premiums: rf + beta x erp + size + specific.
func CostOfEquity(riskFree, beta, equityRiskPremium, sizePremium, specificPremium float64) float64 {
	return riskFree + beta*equityRiskPremium + sizePremium + specificPremium
}

// WACC is the after-tax weighted average cost of capital.
func WACC(equity, debt, costOfEquity, costOfDebt, taxRate float64) (float64, error) {
	if equity < 0 || debt < 0 {
		return 0, fmt.Errorf("capital amounts cannot be negative: %w", vcerrors.ErrValidation)
	}
	total := equity + debt
	if total <= 0 {
		return 0, fmt.Errorf("equity plus debt must be positive: %w", vcerrors.ErrValidation)
	}
	if taxRate < 0 || taxRate >= 1 {
		return 0, fmt.Errorf("tax rate must be in [0,1): %w", vcerrors.ErrValidation)
	}
	return equity/total*costOfEquity + debt/total*costOfDebt*(1-taxRate), nil
}

// CAPMInput bundles the inputs for CostOfEquity and, optionally, WACC.
type CAPMInput struct {
	RiskFreeRate      float64 `json:"risk_free_rate" yaml:"risk_free_rate"`
	Beta              float64 `json:"beta" yaml:"beta"`
	EquityRiskPremium float64 `json:"equity_risk_premium" yaml:"equity_risk_premium"`
	SizePremium       float64 `json:"size_premium" yaml:"size_premium"`
	SpecificPremium   float64 `json:"specific_premium" yaml:"specific_premium"`
}

// CAPMResult is the CAPM cost of equity with its components.
type CAPMResult struct {
	CostOfEquity float64 `json:"cost_of_equity"`
	MarketRisk   float64 `json:"market_risk"`
	Premiums     float64 `json:"premiums"`
}

// CAPM evaluates in.
func CAPM(in CAPMInput) (*CAPMResult, error) {
	if in.Beta < 0 || in.EquityRiskPremium < 0 {
		return nil, fmt.Errorf("beta and equity risk premium cannot be negative: %w", vcerrors.ErrValidation)
	}
	return &CAPMResult{
		CostOfEquity: CostOfEquity(in.RiskFreeRate, in.Beta, in.EquityRiskPremium, in.SizePremium, in.SpecificPremium),
		MarketRisk:   in.Beta * in.EquityRiskPremium,
		Premiums:     in.SizePremium + in.SpecificPremium,
	}, nil
}

// WACCInput bundles the inputs to WACC.
type WACCInput struct {
	Equity       float64 `json:"equity" yaml:"equity"`
	Debt         float64 `json:"debt" yaml:"debt"`
	CostOfEquity float64 `json:"cost_of_equity" yaml:"cost_of_equity"`
	CostOfDebt   float64 `json:"cost_of_debt" yaml:"cost_of_debt"`
	TaxRate      float64 `json:"tax_rate" yaml:"tax_rate"`
}

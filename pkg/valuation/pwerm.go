// Package valuation implements the PWERM, DCF, CAPM/WACC and trading
// comparables calculators, and a service that values portfolio companies.
package valuation

import (
	"fmt"
	"math"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

const probabilityTolerance = 1e-6

// Scenario is one exit outcome. ExitValue, when set, overrides
// Revenue x ExitMultiple.
type Scenario struct {
	Name         string   `json:"name" yaml:"name"`
	Probability  float64  `json:"probability" yaml:"probability"`
	ExitMultiple float64  `json:"exit_multiple" yaml:"exit_multiple"`
	ExitValue    *float64 `json:"exit_value,omitempty" yaml:"exit_value,omitempty"`
	YearsToExit  float64  `json:"years_to_exit" yaml:"years_to_exit"`
}

// DefaultScenarios is the standard venture exit table.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "IPO", Probability: 0.10, ExitMultiple: 15, YearsToExit: 5},
		{Name: "Strategic M&A", Probability: 0.25, ExitMultiple: 8, YearsToExit: 4},
		{Name: "Secondary / PE", Probability: 0.20, ExitMultiple: 4, YearsToExit: 4},
		{Name: "Acqui-hire", Probability: 0.20, ExitMultiple: 1, YearsToExit: 2},
		{Name: "Wind-down", Probability: 0.25, ExitMultiple: 0, YearsToExit: 2},
	}
}

// PWERMInput are the inputs to a probability-weighted expected return model.
// Ownership is a fraction in [0, 1]; LiquidationPreference is an amount.
type PWERMInput struct {
	Revenue               float64    `json:"revenue" yaml:"revenue"`
	Scenarios             []Scenario `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`
	DiscountRate          float64    `json:"discount_rate" yaml:"discount_rate"`
	Ownership             float64    `json:"ownership" yaml:"ownership"`
	Investment            float64    `json:"investment" yaml:"investment"`
	LiquidationPreference float64    `json:"liquidation_preference" yaml:"liquidation_preference"`
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name             string   `json:"name"`
	Probability      float64  `json:"probability"`
	YearsToExit      float64  `json:"years_to_exit"`
	ExitValue        float64  `json:"exit_value"`
	PresentValue     float64  `json:"present_value"`
	InvestorProceeds float64  `json:"investor_proceeds"`
	MOIC             *float64 `json:"moic,omitempty"`
}

// PWERMResult holds per-scenario and probability-weighted totals.
type PWERMResult struct {
	Scenarios            []ScenarioResult `json:"scenarios"`
	ExpectedExitValue    float64          `json:"expected_exit_value"`
	WeightedPresentValue float64          `json:"weighted_present_value"`
	ExpectedProceeds     float64          `json:"expected_proceeds"`
	ExpectedProceedsPV   float64          `json:"expected_proceeds_pv"`
	ExpectedMOIC         *float64         `json:"expected_moic,omitempty"`
	ExpectedIRR          *float64         `json:"expected_irr,omitempty"`
	WeightedYearsToExit  float64          `json:"weighted_years_to_exit"`
	ProbabilityOfLoss    float64          `json:"probability_of_loss"`
	DiscountRate         float64          `json:"discount_rate"`
	ScenarioCount        int              `json:"scenario_count"`
	UsedDefaultScenarios bool             `json:"used_default_scenarios"`
}

// Validate checks the PWERM invariants.
func (in PWERMInput) Validate() error {
	if in.Revenue < 0 || math.IsNaN(in.Revenue) {
		return fmt.Errorf("revenue cannot be negative: %w", vcerrors.ErrValidation)
	}
	if in.DiscountRate <= -1 {
		return fmt.Errorf("discount rate must be greater than -1: %w", vcerrors.ErrValidation)
	}
	if in.Ownership < 0 || in.Ownership > 1 {
		return fmt.Errorf("ownership must be a fraction between 0 and 1: %w", vcerrors.ErrValidation)
	}
	if in.Investment < 0 || in.LiquidationPreference < 0 {
		return fmt.Errorf("investment and preference cannot be negative: %w", vcerrors.ErrValidation)
	}
	var total float64
	for _, s := range in.Scenarios {
		if s.Probability < 0 || s.Probability > 1 {
			return fmt.Errorf("scenario %q probability must be in [0,1]: %w", s.Name, vcerrors.ErrValidation)
		}
		if s.YearsToExit < 0 {
			return fmt.Errorf("scenario %q years to exit cannot be negative: %w", s.Name, vcerrors.ErrValidation)
		}
		if s.ExitMultiple < 0 || (s.ExitValue != nil && *s.ExitValue < 0) {
			return fmt.Errorf("scenario %q exit cannot be negative: %w", s.Name, vcerrors.ErrValidation)
		}
		total += s.Probability
	}
	if len(in.Scenarios) > 0 && math.Abs(total-1) > probabilityTolerance {
		return fmt.Errorf("scenario probabilities sum to %.6f, want 1: %w", total, vcerrors.ErrValidation)
	}
	return nil
}

// PWERM computes exit values, present values and investor proceeds for each
// scenario, then probability-weights them. Proceeds follow a
// non-participating preference: max(ownership x exit, min(preference, exit)).
func PWERM(in PWERMInput) (*PWERMResult, error) {
	usedDefault := false
	if len(in.Scenarios) == 0 {
		in.Scenarios = DefaultScenarios()
		usedDefault = true
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	res := &PWERMResult{
		Scenarios:            make([]ScenarioResult, 0, len(in.Scenarios)),
		DiscountRate:         in.DiscountRate,
		ScenarioCount:        len(in.Scenarios),
		UsedDefaultScenarios: usedDefault,
	}
	for _, s := range in.Scenarios {
		exit := in.Revenue * s.ExitMultiple
		if s.ExitValue != nil {
			exit = *s.ExitValue
		}
		discount := math.Pow(1+in.DiscountRate, s.YearsToExit)
		proceeds := math.Max(in.Ownership*exit, math.Min(in.LiquidationPreference, exit))

		sr := ScenarioResult{
			Name:             s.Name,
			Probability:      s.Probability,
			YearsToExit:      s.YearsToExit,
			ExitValue:        exit,
			PresentValue:     exit / discount,
			InvestorProceeds: proceeds,
		}
		if in.Investment > 0 {
			moic := proceeds / in.Investment
			sr.MOIC = &moic
			if moic < 1 {
				res.ProbabilityOfLoss += s.Probability
			}
		}
		res.Scenarios = append(res.Scenarios, sr)

		res.ExpectedExitValue += s.Probability * exit
		res.WeightedPresentValue += s.Probability * sr.PresentValue
		res.ExpectedProceeds += s.Probability * proceeds
		res.ExpectedProceedsPV += s.Probability * proceeds / discount
		res.WeightedYearsToExit += s.Probability * s.YearsToExit
	}

	if in.Investment > 0 {
		moic := res.ExpectedProceeds / in.Investment
		res.ExpectedMOIC = &moic
		if moic > 0 && res.WeightedYearsToExit > 0 {
			irr := math.Pow(moic, 1/res.WeightedYearsToExit) - 1
			res.ExpectedIRR = &irr
		}
	}
	return res, nil
}

package cellactions

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

// ColumnValue reads the value behind a column key: a mapped company field
// or an extra_data entry.
func ColumnValue(c *companies.Company, key string) any {
	if f, ok := companies.ResolveField(key); ok {
		return c.FieldValue(f.Column)
	}
	if c.ExtraData == nil {
		return nil
	}
	return c.ExtraData[key]
}

// MissingInputs returns the input column keys of a that hold no value for c.
func MissingInputs(a *Action, c *companies.Company) []string {
	var missing []string
	for _, key := range a.Inputs {
		switch v := ColumnValue(c, key).(type) {
		case nil:
			missing = append(missing, key)
		case string:
			if strings.TrimSpace(v) == "" {
				missing = append(missing, key)
			}
		}
	}
	return missing
}

func missingError(keys []string) error {
	return fmt.Errorf("missing required inputs: %s: %w", strings.Join(keys, ", "), vcerrors.ErrValidation)
}

// number reads a numeric input. Callers check presence first.
func number(c *companies.Company, key string) float64 {
	switch v := ColumnValue(c, key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := companies.ParseNumber(v)
		return f
	}
	return 0
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func formatMultiple(v float64) string {
	return strconv.FormatFloat(round(v, 1), 'f', 1, 64) + "x"
}

// FormatMoney renders an amount as "$4.5M" style text.
func FormatMoney(v float64, currency string) string {
	symbol := currency + " "
	switch currency {
	case "", "USD":
		symbol = "$"
	case "EUR":
		symbol = "€"
	case "GBP":
		symbol = "£"
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%s%s%.1fB", sign, symbol, v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%s%s%.1fM", sign, symbol, v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%s%s%.0fK", sign, symbol, v/1e3)
	}
	return fmt.Sprintf("%s%s%.0f", sign, symbol, v)
}

// FormulaActions returns the built-in pure formulas.
func FormulaActions() []*Action {
	return []*Action{
		{
			ID:          "formula.runway",
			Name:        "Runway",
			Category:    CategoryFormula,
			Description: "Months of cash left at the current monthly burn.",
			Inputs:      []string{"cash", "burn"},
			Run:         runway,
		},
		{
			ID:          "formula.burn_multiple",
			Name:        "Burn Multiple",
			Category:    CategoryFormula,
			Description: "Annualised burn divided by net new ARR over the last year.",
			Inputs:      []string{"burn", "arr", "growth"},
			Run:         burnMultiple,
		},
		{
			ID:          "formula.rule_of_40",
			Name:        "Rule of 40",
			Category:    CategoryFormula,
			Description: "Revenue growth plus burn-implied margin, in percentage points.",
			Inputs:      []string{"growth", "arr"},
			Run:         ruleOf40,
		},
		{
			ID:          "formula.arr_multiple",
			Name:        "ARR Multiple",
			Category:    CategoryFormula,
			Description: "Current valuation divided by ARR.",
			Inputs:      []string{"valuation", "arr"},
			Run:         arrMultiple,
		},
		{
			ID:          "formula.implied_ownership_value",
			Name:        "Implied Stake Value",
			Category:    CategoryFormula,
			Description: "Current valuation times ownership.",
			Inputs:      []string{"valuation", "ownership"},
			Run:         impliedOwnershipValue,
		},
	}
}

func runway(_ context.Context, in Input) (*Output, error) {
	cash, burn := number(in.Company, "cash"), number(in.Company, "burn")
	if burn <= 0 {
		return nil, fmt.Errorf("runway needs a positive monthly burn: %w", vcerrors.ErrValidation)
	}
	months := round(cash/burn, 1)
	return &Output{
		Value:       months,
		Display:     strconv.FormatFloat(months, 'f', 1, 64) + " months",
		Explanation: fmt.Sprintf("%s cash / %s monthly burn", FormatMoney(cash, in.Company.Currency), FormatMoney(burn, in.Company.Currency)),
	}, nil
}

func burnMultiple(_ context.Context, in Input) (*Output, error) {
	c := in.Company
	burn, arr, growth := number(c, "burn"), number(c, "arr"), number(c, "growth")
	if burn <= 0 {
		return &Output{Value: 0.0, Display: "0.0x", Explanation: "not burning cash"}, nil
	}
	netNew := arr - arr/(1+growth/100)
	if netNew <= 0 {
		return nil, fmt.Errorf("burn multiple needs positive net new ARR: %w", vcerrors.ErrValidation)
	}
	m := round(burn*12/netNew, 2)
	return &Output{
		Value:       m,
		Display:     formatMultiple(m),
		Explanation: fmt.Sprintf("%s annual burn / %s net new ARR", FormatMoney(burn*12, c.Currency), FormatMoney(netNew, c.Currency)),
		Metadata:    map[string]any{"net_new_arr": round(netNew, 0)},
	}, nil
}

func ruleOf40(_ context.Context, in Input) (*Output, error) {
	growth := number(in.Company, "growth")
	margin := valuation.CurrentMargin(in.Company) * 100
	score := round(growth+margin, 1)
	return &Output{
		Value:       score,
		Display:     strconv.FormatFloat(score, 'f', 1, 64),
		Explanation: fmt.Sprintf("%.1f%% growth %+.1f%% margin", growth, margin),
		Metadata:    map[string]any{"passes": score >= 40},
	}, nil
}

func arrMultiple(_ context.Context, in Input) (*Output, error) {
	v, arr := number(in.Company, "valuation"), number(in.Company, "arr")
	if arr <= 0 {
		return nil, fmt.Errorf("ARR multiple needs positive ARR: %w", vcerrors.ErrValidation)
	}
	m := round(v/arr, 2)
	return &Output{Value: m, Display: formatMultiple(m)}, nil
}

func impliedOwnershipValue(_ context.Context, in Input) (*Output, error) {
	v, own := number(in.Company, "valuation"), number(in.Company, "ownership")
	stake := round(v*own/100, 0)
	return &Output{
		Value:       stake,
		Display:     FormatMoney(stake, in.Company.Currency),
		Explanation: fmt.Sprintf("%.2f%% of %s", own, FormatMoney(v, in.Company.Currency)),
	}, nil
}

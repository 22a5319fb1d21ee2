package cellactions

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

// Valuer values a company without writing the result.
type Valuer interface {
	ValueCompany(ctx context.Context, c *companies.Company, method valuation.Method, o valuation.Overrides) (*valuation.Result, error)
}

// RateProvider supplies FX rates.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (float64, error)
}

// Summarizer writes a short narrative about a company.
type Summarizer interface {
	SummarizeCompany(ctx context.Context, c *companies.Company) (string, error)
}

// Deps are the collaborators of the non-formula built-ins. Nil fields
// make the matching actions fail with ErrUnavailable.
type Deps struct {
	Valuer     Valuer
	FX         RateProvider
	Summarizer Summarizer
}

// ReportingCurrency is what normalize_currency converts to.
const ReportingCurrency = "USD"

// moneyColumns are converted by normalize_currency. The last round amount
// stays in the currency it was raised in.
var moneyColumns = []string{"arr", "burn", "cash", "invested", "valuation"}

// NewDefaultRegistry returns a registry holding every built-in action.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.MustRegister(FormulaActions()...)
	r.MustRegister(BuiltinActions(deps)...)
	return r
}

// BuiltinActions returns the valuation, workflow and agent actions.
func BuiltinActions(deps Deps) []*Action {
	actions := make([]*Action, 0, len(valuation.Methods)+2)
	for _, m := range valuation.Methods {
		actions = append(actions, valuationAction(m, deps.Valuer))
	}
	actions = append(actions,
		&Action{
			ID:          "workflow.normalize_currency",
			Name:        "Normalize to " + ReportingCurrency,
			Category:    CategoryWorkflow,
			Description: "Converts every money field to " + ReportingCurrency + " at today's rate.",
			Inputs:      []string{"currency"},
			Output:      "currency",
			Run:         normalizeCurrency(deps.FX),
		},
		&Action{
			ID:          "agent.summarize",
			Name:        "Summarize",
			Category:    CategoryAgent,
			Description: "One-paragraph summary of the company from its metrics.",
			Inputs:      []string{"name"},
			Run:         summarize(deps.Summarizer),
		},
	)
	return actions
}

func valuationAction(m valuation.Method, v Valuer) *Action {
	names := map[valuation.Method]string{
		valuation.MethodPWERM:       "PWERM Valuation",
		valuation.MethodDCF:         "DCF Valuation",
		valuation.MethodComparables: "Comparables Valuation",
	}
	return &Action{
		ID:          "valuation." + string(m),
		Name:        names[m],
		Category:    CategoryValuation,
		Description: fmt.Sprintf("Values the company with the %s method and stores the result.", m),
		Inputs:      []string{"arr"},
		Output:      "valuation",
		Run: func(ctx context.Context, in Input) (*Output, error) {
			if v == nil {
				return nil, fmt.Errorf("valuation service not configured: %w", vcerrors.ErrUnavailable)
			}
			var o valuation.Overrides
			if err := DecodeParams(in.Params, &o); err != nil {
				return nil, err
			}
			// The executor owns the write.
			o.Apply = false
			res, err := v.ValueCompany(ctx, in.Company, m, o)
			if err != nil {
				return nil, err
			}
			value := math.Round(res.Value)
			return &Output{
				Value:       value,
				Display:     FormatMoney(value, res.Currency),
				Explanation: fmt.Sprintf("%s valuation of %s", strings.ToUpper(string(m)), res.CompanyName),
				Metadata:    map[string]any{"method": m, "details": res.Details},
			}, nil
		},
	}
}

func normalizeCurrency(fx RateProvider) RunFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		c := in.Company
		from := strings.ToUpper(strings.TrimSpace(c.Currency))
		if from == ReportingCurrency {
			return &Output{Value: ReportingCurrency, Display: ReportingCurrency, Explanation: "already in " + ReportingCurrency}, nil
		}
		if fx == nil {
			return nil, fmt.Errorf("fx rates not configured: %w", vcerrors.ErrUnavailable)
		}
		rate, err := fx.Rate(ctx, from, ReportingCurrency)
		if err != nil {
			return nil, fmt.Errorf("rate %s->%s: %w", from, ReportingCurrency, err)
		}

		updates := make(map[string]any, len(moneyColumns))
		for _, key := range moneyColumns {
			if ColumnValue(c, key) == nil {
				continue
			}
			updates[key] = math.Round(number(c, key) * rate)
		}

		return &Output{
			Value:       ReportingCurrency,
			Display:     ReportingCurrency,
			Explanation: fmt.Sprintf("converted %d fields from %s at %.4f", len(updates), from, rate),
			Metadata:    map[string]any{"from": from, "to": ReportingCurrency, "rate": rate},
			Updates:     updates,
		}, nil
	}
}

func summarize(s Summarizer) RunFunc {
	return func(ctx context.Context, in Input) (*Output, error) {
		if s == nil {
			return nil, fmt.Errorf("agent not configured: %w", vcerrors.ErrUnavailable)
		}
		text, err := s.SummarizeCompany(ctx, in.Company)
		if err != nil {
			return nil, err
		}
		return &Output{Value: text, Display: text}, nil
	}
}

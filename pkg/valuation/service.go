package valuation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// Method names a company valuation method.
type Method string

const (
	MethodPWERM       Method = "pwerm"
	MethodDCF         Method = "dcf"
	MethodComparables Method = "comparables"
)

// Methods lists the methods ValueCompany accepts.
var Methods = []Method{MethodPWERM, MethodDCF, MethodComparables}

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown valuation method %q: %w", s, vcerrors.ErrValidation)
}

// Defaults used when building inputs from a company row.
const (
	DefaultVCDiscountRate  = 0.30
	DefaultDCFDiscountRate = 0.25
	DefaultTerminalGrowth  = 0.03
	DefaultInitialGrowth   = 0.30
	DefaultGrowthDecay     = 0.25
	DefaultTargetMargin    = 0.25
	DefaultTaxRate         = 0.21
	DefaultCapexPct        = 0.03
	DefaultNWCPct          = 0.05
)

// Overrides adjust the inputs derived from a company row.
type Overrides struct {
	DiscountRate        *float64     `json:"discount_rate,omitempty"`
	Scenarios           []Scenario   `json:"scenarios,omitempty"`
	TerminalGrowth      *float64     `json:"terminal_growth,omitempty"`
	ExitMultiple        *float64     `json:"exit_multiple,omitempty"`
	TargetMargin        *float64     `json:"target_margin,omitempty"`
	Peers               []Comparable `json:"peers,omitempty"`
	Metric              string       `json:"metric,omitempty"`
	IlliquidityDiscount *float64     `json:"illiquidity_discount,omitempty"`
	GrowthAdjust        bool         `json:"growth_adjust,omitempty"`
	// Apply stores the value on the company's valuation cell.
	Apply bool `json:"apply,omitempty"`
}

// Result is a company valuation.
type Result struct {
	CompanyID    string    `json:"company_id"`
	CompanyName  string    `json:"company_name"`
	Method       Method    `json:"method"`
	Value        float64   `json:"value"`
	Currency     string    `json:"currency"`
	Details      any       `json:"details"`
	Applied      bool      `json:"applied"`
	EditID       string    `json:"edit_id,omitempty"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// CellWriter writes the valuation back to the matrix.
type CellWriter interface {
	UpdateCell(ctx context.Context, req matrix.CellUpdate) (*matrix.Cell, error)
}

// RateProvider supplies FX rates for peer normalisation.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (float64, error)
}

// Service values portfolio companies.
type Service struct {
	companies companies.Store
	writer    CellWriter
	fx        RateProvider
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    logging.Logger
}

// ServiceConfig holds the optional collaborators of a Service.
type ServiceConfig struct {
	Writer  CellWriter
	FX      RateProvider
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  logging.Logger
}

// NewService creates a valuation service.
func NewService(store companies.Store, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{
		companies: store,
		writer:    cfg.Writer,
		fx:        cfg.FX,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    logger.With(logging.F("component", "valuation_service")),
	}
}

// ValueCompanyByID loads a company and values it.
func (s *Service) ValueCompanyByID(ctx context.Context, id string, method Method, o Overrides) (*Result, error) {
	c, err := s.companies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ValueCompany(ctx, c, method, o)
}

// ValueCompany values c with method and, when o.Apply is set, writes the
// value to the company's valuation cell.
func (s *Service) ValueCompany(ctx context.Context, c *companies.Company, method Method, o Overrides) (res *Result, err error) {
	ctx, span := s.tracer.StartValuationSpan(ctx, string(method), c.ID.String())
	defer span.End()
	helper := observability.NewSpanHelper(span)
	defer func() {
		s.metrics.RecordValuation(string(method), err)
		if err != nil {
			helper.SetError(err, vcerrors.Code(err), false)
		} else {
			helper.SetSuccess()
		}
	}()

	res = &Result{
		CompanyID:    c.ID.String(),
		CompanyName:  c.Name,
		Method:       method,
		Currency:     c.Currency,
		CalculatedAt: time.Now().UTC(),
	}

	switch method {
	case MethodPWERM:
		in, err := PWERMInputFor(c, o)
		if err != nil {
			return nil, err
		}
		out, err := PWERM(in)
		if err != nil {
			return nil, err
		}
		res.Value, res.Details = out.WeightedPresentValue, out
	case MethodDCF:
		in, err := DCFInputFor(c, o)
		if err != nil {
			return nil, err
		}
		out, err := DCF(in)
		if err != nil {
			return nil, err
		}
		res.Value, res.Details = out.EquityValue, out
	case MethodComparables:
		in, err := s.comparablesInputFor(ctx, c, o)
		if err != nil {
			return nil, err
		}
		out, err := Comparables(in)
		if err != nil {
			return nil, err
		}
		res.Value, res.Details = out.ImpliedEVMedian, out
	default:
		return nil, fmt.Errorf("unknown valuation method %q: %w", method, vcerrors.ErrValidation)
	}

	if o.Apply {
		if err := s.Apply(ctx, res); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Company valued",
		logging.F("company_id", res.CompanyID),
		logging.F("method", string(method)),
		logging.F("value", res.Value),
		logging.F("applied", res.Applied))
	return res, nil
}

// Apply writes a computed valuation to the company's valuation cell.
func (s *Service) Apply(ctx context.Context, res *Result) error {
	if s.writer == nil {
		return fmt.Errorf("valuation writes are not configured: %w", vcerrors.ErrUnavailable)
	}
	cell, err := s.writer.UpdateCell(ctx, matrix.CellUpdate{
		CompanyID: res.CompanyID,
		ColumnID:  "valuation",
		Value:     math.Round(res.Value),
		Source:    "valuation:" + string(res.Method),
	})
	if err != nil {
		return fmt.Errorf("failed to store valuation: %w", err)
	}
	res.Applied = true
	res.EditID = cell.EditID
	return nil
}

func requireARR(c *companies.Company) (float64, error) {
	if c.CurrentARR == nil {
		return 0, fmt.Errorf("company %q has no ARR: %w", c.Name, vcerrors.ErrValidation)
	}
	return *c.CurrentARR, nil
}

// PWERMInputFor builds PWERM inputs from a company: revenue is ARR, the
// preference is 1x the amount invested.
func PWERMInputFor(c *companies.Company, o Overrides) (PWERMInput, error) {
	arr, err := requireARR(c)
	if err != nil {
		return PWERMInput{}, err
	}
	in := PWERMInput{
		Revenue:      arr,
		Scenarios:    o.Scenarios,
		DiscountRate: DefaultVCDiscountRate,
	}
	if o.DiscountRate != nil {
		in.DiscountRate = *o.DiscountRate
	}
	if c.OwnershipPct != nil {
		in.Ownership = *c.OwnershipPct / 100
	}
	if c.TotalInvested != nil {
		in.Investment = *c.TotalInvested
		in.LiquidationPreference = *c.TotalInvested
	}
	return in, nil
}

// CurrentMargin approximates the EBITDA margin from monthly burn:
// -(burn x 12) / ARR, floored at -100%. Without burn it is 0.
func CurrentMargin(c *companies.Company) float64 {
	if c.CurrentARR == nil || *c.CurrentARR <= 0 || c.BurnRateMonthly == nil {
		return 0
	}
	return math.Max(-1, -(*c.BurnRateMonthly*12) / *c.CurrentARR)
}

// DCFInputFor builds DCF inputs from a company. Margins move linearly from
// the burn-implied current margin to the target margin over five years and
// cash counts as negative net debt.
func DCFInputFor(c *companies.Company, o Overrides) (DCFInput, error) {
	arr, err := requireARR(c)
	if err != nil {
		return DCFInput{}, err
	}
	growth := DefaultInitialGrowth
	if c.RevenueGrowthPct != nil {
		growth = *c.RevenueGrowthPct / 100
	}
	target := DefaultTargetMargin
	if o.TargetMargin != nil {
		target = *o.TargetMargin
	}

	in := DCFInput{
		BaseRevenue:    arr,
		InitialGrowth:  growth,
		GrowthDecay:    DefaultGrowthDecay,
		Years:          defaultDCFYears,
		TaxRate:        DefaultTaxRate,
		CapexPct:       DefaultCapexPct,
		NWCPct:         DefaultNWCPct,
		DiscountRate:   DefaultDCFDiscountRate,
		TerminalGrowth: DefaultTerminalGrowth,
	}
	m0 := CurrentMargin(c)
	in.Margins = make([]float64, in.Years)
	for i := range in.Margins {
		in.Margins[i] = m0 + (target-m0)*float64(i+1)/float64(in.Years)
	}
	if c.CashInBank != nil {
		in.NetDebt = -*c.CashInBank
	}
	if o.DiscountRate != nil {
		in.DiscountRate = *o.DiscountRate
	}
	if o.TerminalGrowth != nil {
		in.TerminalGrowth = *o.TerminalGrowth
	}
	if o.ExitMultiple != nil {
		in.ExitMultiple = *o.ExitMultiple
	}
	return in, nil
}

func (s *Service) comparablesInputFor(ctx context.Context, c *companies.Company, o Overrides) (ComparablesInput, error) {
	arr, err := requireARR(c)
	if err != nil {
		return ComparablesInput{}, err
	}
	if len(o.Peers) == 0 {
		return ComparablesInput{}, fmt.Errorf("comparables valuation needs peers: %w", vcerrors.ErrValidation)
	}
	peers, err := s.NormalizePeers(ctx, o.Peers, c.Currency)
	if err != nil {
		return ComparablesInput{}, err
	}
	in := ComparablesInput{
		TargetRevenue:       arr,
		TargetEBITDA:        arr * CurrentMargin(c),
		Peers:               peers,
		Metric:              o.Metric,
		IlliquidityDiscount: o.IlliquidityDiscount,
		GrowthAdjust:        o.GrowthAdjust,
	}
	if c.RevenueGrowthPct != nil {
		in.TargetGrowthPct = *c.RevenueGrowthPct
	}
	return in, nil
}

// NormalizePeers converts peer financials into currency, fetching one rate
// per distinct peer currency concurrently.
func (s *Service) NormalizePeers(ctx context.Context, peers []Comparable, currency string) ([]Comparable, error) {
	currency = strings.ToUpper(currency)
	needed := map[string]bool{}
	for _, p := range peers {
		cur := strings.ToUpper(p.Currency)
		if cur != "" && cur != currency {
			needed[cur] = true
		}
	}
	if len(needed) == 0 {
		return peers, nil
	}
	if s.fx == nil {
		return nil, fmt.Errorf("peers in other currencies need FX rates: %w", vcerrors.ErrUnavailable)
	}

	var mu sync.Mutex
	rates := make(map[string]float64, len(needed))
	g, gctx := errgroup.WithContext(ctx)
	for cur := range needed {
		g.Go(func() error {
			rate, err := s.fx.Rate(gctx, cur, currency)
			if err != nil {
				return fmt.Errorf("fx %s->%s: %w", cur, currency, err)
			}
			mu.Lock()
			rates[cur] = rate
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Comparable, len(peers))
	for i, p := range peers {
		if rate, ok := rates[strings.ToUpper(p.Currency)]; ok {
			p.EnterpriseValue *= rate
			p.Revenue *= rate
			p.EBITDA *= rate
			p.Currency = currency
		}
		out[i] = p
	}
	return out, nil
}

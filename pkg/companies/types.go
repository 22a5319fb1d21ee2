// Package companies stores the portfolio companies that form the rows of the
// matrix, and translates UI column ids into database columns.
package companies

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Stage is the financing stage of a company.
type Stage string

const (
	StagePreSeed Stage = "pre_seed"
	StageSeed    Stage = "seed"
	StageSeriesA Stage = "series_a"
	StageSeriesB Stage = "series_b"
	StageSeriesC Stage = "series_c"
	StageSeriesD Stage = "series_d"
	StageGrowth  Stage = "growth"
	StagePublic  Stage = "public"
)

// Stages lists the accepted stages in funding order.
var Stages = []Stage{
	StagePreSeed, StageSeed, StageSeriesA, StageSeriesB,
	StageSeriesC, StageSeriesD, StageGrowth, StagePublic,
}

// Status is the lifecycle status of a portfolio position.
type Status string

const (
	StatusActive     Status = "active"
	StatusWatchlist  Status = "watchlist"
	StatusExited     Status = "exited"
	StatusWrittenOff Status = "written_off"
)

// Statuses lists the accepted statuses.
var Statuses = []Status{StatusActive, StatusWatchlist, StatusExited, StatusWrittenOff}

// ParseStage accepts "Series A", "series-a" and "series_a" alike.
func ParseStage(s string) (Stage, error) {
	key := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch key {
	case "preseed":
		key = string(StagePreSeed)
	case "a":
		key = string(StageSeriesA)
	case "b":
		key = string(StageSeriesB)
	case "c":
		key = string(StageSeriesC)
	case "d":
		key = string(StageSeriesD)
	}
	for _, st := range Stages {
		if string(st) == key {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q: %w", s, vcerrors.ErrValidation)
}

// ParseStatus validates a status value.
func ParseStatus(s string) (Status, error) {
	key := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Statuses {
		if string(st) == key {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q: %w", s, vcerrors.ErrValidation)
}

// Company is one portfolio company. Money fields are in the company currency.
type Company struct {
	ID               uuid.UUID      `json:"id"`
	Name             string         `json:"name"`
	Sector           string         `json:"sector,omitempty"`
	Stage            Stage          `json:"stage,omitempty"`
	Status           Status         `json:"status"`
	Website          string         `json:"website,omitempty"`
	Description      string         `json:"description,omitempty"`
	HQCountry        string         `json:"hq_country,omitempty"`
	Currency         string         `json:"currency"`
	FundID           *uuid.UUID     `json:"fund_id,omitempty"`
	CurrentARR       *float64       `json:"current_arr"`
	RevenueGrowthPct *float64       `json:"revenue_growth_pct"`
	BurnRateMonthly  *float64       `json:"burn_rate_monthly"`
	CashInBank       *float64       `json:"cash_in_bank"`
	RunwayMonths     *float64       `json:"runway_months"`
	Headcount        *int           `json:"headcount"`
	GrossMarginPct   *float64       `json:"gross_margin_pct"`
	TotalInvested    *float64       `json:"total_invested"`
	OwnershipPct     *float64       `json:"ownership_pct"`
	CurrentValuation *float64       `json:"current_valuation"`
	LastRoundDate    *time.Time     `json:"last_round_date"`
	LastRoundAmount  *float64       `json:"last_round_amount"`
	ExtraData        map[string]any `json:"extra_data"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of c.
func (c *Company) Clone() *Company {
	cp := *c
	cp.FundID = clonePtr(c.FundID)
	cp.CurrentARR = clonePtr(c.CurrentARR)
	cp.RevenueGrowthPct = clonePtr(c.RevenueGrowthPct)
	cp.BurnRateMonthly = clonePtr(c.BurnRateMonthly)
	cp.CashInBank = clonePtr(c.CashInBank)
	cp.RunwayMonths = clonePtr(c.RunwayMonths)
	cp.Headcount = clonePtr(c.Headcount)
	cp.GrossMarginPct = clonePtr(c.GrossMarginPct)
	cp.TotalInvested = clonePtr(c.TotalInvested)
	cp.OwnershipPct = clonePtr(c.OwnershipPct)
	cp.CurrentValuation = clonePtr(c.CurrentValuation)
	cp.LastRoundDate = clonePtr(c.LastRoundDate)
	cp.LastRoundAmount = clonePtr(c.LastRoundAmount)
	cp.ExtraData = make(map[string]any, len(c.ExtraData))
	for k, v := range c.ExtraData {
		cp.ExtraData[k] = v
	}
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Normalize trims text fields and applies defaults before a write.
func (c *Company) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Sector = strings.TrimSpace(c.Sector)
	c.Website = strings.TrimSpace(c.Website)
	c.Description = strings.TrimSpace(c.Description)
	c.HQCountry = strings.TrimSpace(c.HQCountry)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if st, err := ParseStage(string(c.Stage)); err == nil {
		c.Stage = st
	}
	if st, err := ParseStatus(string(c.Status)); err == nil {
		c.Status = st
	}
	if c.ExtraData == nil {
		c.ExtraData = map[string]any{}
	}
	c.DeriveRunway()
}

// Validate checks the invariants enforced on every write.
func (c *Company) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("company name is required: %w", vcerrors.ErrValidation)
	}
	if c.Stage != "" {
		if _, err := ParseStage(string(c.Stage)); err != nil {
			return err
		}
	}
	if _, err := ParseStatus(string(c.Status)); err != nil {
		return err
	}
	if !isCurrencyCode(c.Currency) {
		return fmt.Errorf("currency must be a 3-letter ISO code, got %q: %w", c.Currency, vcerrors.ErrValidation)
	}
	if c.OwnershipPct != nil && (*c.OwnershipPct < 0 || *c.OwnershipPct > 100) {
		return fmt.Errorf("ownership must be between 0 and 100: %w", vcerrors.ErrValidation)
	}
	if c.Headcount != nil && *c.Headcount < 0 {
		return fmt.Errorf("headcount cannot be negative: %w", vcerrors.ErrValidation)
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// DeriveRunway sets RunwayMonths = cash / burn when both are known and burn is positive.
func (c *Company) DeriveRunway() bool {
	if c.CashInBank == nil || c.BurnRateMonthly == nil || *c.BurnRateMonthly <= 0 {
		return false
	}
	runway := *c.CashInBank / *c.BurnRateMonthly
	c.RunwayMonths = &runway
	return true
}

// ParseID parses a company id, reporting malformed ids as validation errors.
func ParseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid company id %q: %w", id, vcerrors.ErrValidation)
	}
	return u, nil
}

// Store is the persistence contract for companies.
type Store interface {
	Create(ctx context.Context, c *Company) error
	Get(ctx context.Context, id string) (*Company, error)
	List(ctx context.Context, filter Filter) ([]*Company, error)
	Count(ctx context.Context, filter Filter) (int, error)
	Update(ctx context.Context, id string, patch map[string]any) (*Company, error)
	Delete(ctx context.Context, id string) error
}

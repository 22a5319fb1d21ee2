package companies

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// Kind is the value kind of a company field.
type Kind string

const (
	KindText       Kind = "text"
	KindNumber     Kind = "number"
	KindInteger    Kind = "integer"
	KindCurrency   Kind = "currency"
	KindPercentage Kind = "percentage"
	KindDate       Kind = "date"
)

// Numeric reports whether values of k are stored as numbers.
func (k Kind) Numeric() bool {
	switch k {
	case KindNumber, KindInteger, KindCurrency, KindPercentage:
		return true
	}
	return false
}

// Field maps a UI column id onto a companies table column.
type Field struct {
	Key     string   `json:"key"`
	Column  string   `json:"column"`
	Kind    Kind     `json:"kind"`
	Aliases []string `json:"aliases,omitempty"`
}

// Fields lists every mapped company field in display order.
var Fields = []Field{
	{Key: "name", Column: "name", Kind: KindText, Aliases: []string{"company", "company_name"}},
	{Key: "sector", Column: "sector", Kind: KindText, Aliases: []string{"industry", "vertical"}},
	{Key: "stage", Column: "stage", Kind: KindText, Aliases: []string{"round", "funding_stage"}},
	{Key: "status", Column: "status", Kind: KindText},
	{Key: "website", Column: "website", Kind: KindText, Aliases: []string{"url"}},
	{Key: "description", Column: "description", Kind: KindText},
	{Key: "hq_country", Column: "hq_country", Kind: KindText, Aliases: []string{"country", "hq"}},
	{Key: "currency", Column: "currency", Kind: KindText},
	{Key: "fund_id", Column: "fund_id", Kind: KindText, Aliases: []string{"fund"}},
	{Key: "arr", Column: "current_arr", Kind: KindCurrency, Aliases: []string{"current_arr", "annual_recurring_revenue", "revenue"}},
	{Key: "growth", Column: "revenue_growth_pct", Kind: KindPercentage, Aliases: []string{"revenue_growth", "revenue_growth_pct", "growth_rate", "growth_pct"}},
	{Key: "burn", Column: "burn_rate_monthly", Kind: KindCurrency, Aliases: []string{"burn_rate", "burn_rate_monthly", "monthly_burn"}},
	{Key: "cash", Column: "cash_in_bank", Kind: KindCurrency, Aliases: []string{"cash_in_bank", "cash_balance"}},
	{Key: "runway", Column: "runway_months", Kind: KindNumber, Aliases: []string{"runway_months"}},
	{Key: "headcount", Column: "headcount", Kind: KindInteger, Aliases: []string{"employees", "fte"}},
	{Key: "gross_margin", Column: "gross_margin_pct", Kind: KindPercentage, Aliases: []string{"gross_margin_pct", "margin"}},
	{Key: "invested", Column: "total_invested", Kind: KindCurrency, Aliases: []string{"total_invested", "investment", "invested_amount"}},
	{Key: "ownership", Column: "ownership_pct", Kind: KindPercentage, Aliases: []string{"ownership_pct", "stake"}},
	{Key: "valuation", Column: "current_valuation", Kind: KindCurrency, Aliases: []string{"current_valuation", "post_money", "fair_value"}},
	{Key: "last_round_date", Column: "last_round_date", Kind: KindDate, Aliases: []string{"round_date"}},
	{Key: "last_round_amount", Column: "last_round_amount", Kind: KindCurrency, Aliases: []string{"round_size", "round_amount"}},
}

// FieldMap indexes Fields by every normalised key, column and alias.
var FieldMap = buildFieldMap()

func buildFieldMap() map[string]Field {
	m := make(map[string]Field)
	for _, f := range Fields {
		m[fieldKey(f.Key)] = f
		m[fieldKey(f.Column)] = f
		for _, a := range f.Aliases {
			m[fieldKey(a)] = f
		}
	}
	return m
}

// fieldKey folds camelCase, snake_case and kebab-case ids to one form.
func fieldKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ResolveField looks up the field for a UI column id, column name or alias.
func ResolveField(id string) (Field, bool) {
	f, ok := FieldMap[fieldKey(id)]
	return f, ok
}

// FieldByColumn returns the field stored in column.
func FieldByColumn(column string) (Field, bool) {
	for _, f := range Fields {
		if f.Column == column {
			return f, true
		}
	}
	return Field{}, false
}

var nameFolder = cases.Fold()

// NormalizeName returns the key used for company name uniqueness:
// NFKC-normalised, case-folded, trimmed, with internal whitespace collapsed.
func NormalizeName(name string) string {
	s := norm.NFKC.String(name)
	s = nameFolder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2006-01",
	time.RFC3339,
}

// CoerceValue converts a raw cell value into the Go type stored for kind:
// string for text, float64 for number/currency/percentage, int for integer
// and time.Time for date. nil and blank strings clear the cell and return nil.
func CoerceValue(kind Kind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch kind {
	case KindText:
		return coerceText(raw)
	case KindNumber, KindCurrency, KindPercentage:
		return coerceFloat(raw)
	case KindInteger:
		f, err := coerceFloat(raw)
		if err != nil {
			return nil, err
		}
		return int(math.Round(f)), nil
	case KindDate:
		return coerceDate(raw)
	default:
		return nil, fmt.Errorf("unknown value kind %q: %w", kind, vcerrors.ErrValidation)
	}
}

func coerceText(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return nil, fmt.Errorf("cannot use %T as text: %w", raw, vcerrors.ErrValidation)
	}
}

func coerceFloat(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", v, vcerrors.ErrValidation)
		}
		f = parsed
	case string:
		parsed, err := ParseNumber(v)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("cannot use %T as a number: %w", raw, vcerrors.ErrValidation)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("number must be finite: %w", vcerrors.ErrValidation)
	}
	return f, nil
}

var magnitudeSuffixes = []struct {
	suffix string
	mult   float64
}{
	{"bn", 1e9},
	{"b", 1e9},
	{"mm", 1e6},
	{"m", 1e6},
	{"k", 1e3},
}

// ParseNumber parses human-entered numbers such as "$5.2M", "1,200",
// "25%", "3.5k", "(1,000)" and "€2bn".
func ParseNumber(s string) (float64, error) {
	orig := s
	s = strings.ToLower(strings.TrimSpace(s))
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimLeft(s, "$€£¥ ")
	for _, code := range []string{"usd", "eur", "gbp"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, code))
		s = strings.TrimSpace(strings.TrimSuffix(s, code))
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.TrimSpace(s)

	mult := 1.0
	for _, m := range magnitudeSuffixes {
		if strings.HasSuffix(s, m.suffix) {
			mult = m.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			break
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || s == "" {
		return 0, fmt.Errorf("invalid number %q: %w", orig, vcerrors.ErrValidation)
	}
	f *= mult
	if negative {
		f = -f
	}
	return f, nil
}

func coerceDate(raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return truncateDate(v), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return truncateDate(t), nil
			}
		}
		return nil, fmt.Errorf("invalid date %q: %w", v, vcerrors.ErrValidation)
	default:
		return nil, fmt.Errorf("cannot use %T as a date: %w", raw, vcerrors.ErrValidation)
	}
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PlainValue converts a stored value to its JSON form; dates become "YYYY-MM-DD".
func PlainValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02")
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.Format("2006-01-02")
	default:
		return v
	}
}

// FieldValue returns the current value of a column, or nil when unset.
func (c *Company) FieldValue(column string) any {
	switch column {
	case "name":
		return c.Name
	case "sector":
		return emptyNil(c.Sector)
	case "stage":
		return emptyNil(string(c.Stage))
	case "status":
		return string(c.Status)
	case "website":
		return emptyNil(c.Website)
	case "description":
		return emptyNil(c.Description)
	case "hq_country":
		return emptyNil(c.HQCountry)
	case "currency":
		return c.Currency
	case "fund_id":
		if c.FundID == nil {
			return nil
		}
		return c.FundID.String()
	case "current_arr":
		return deref(c.CurrentARR)
	case "revenue_growth_pct":
		return deref(c.RevenueGrowthPct)
	case "burn_rate_monthly":
		return deref(c.BurnRateMonthly)
	case "cash_in_bank":
		return deref(c.CashInBank)
	case "runway_months":
		return deref(c.RunwayMonths)
	case "headcount":
		return deref(c.Headcount)
	case "gross_margin_pct":
		return deref(c.GrossMarginPct)
	case "total_invested":
		return deref(c.TotalInvested)
	case "ownership_pct":
		return deref(c.OwnershipPct)
	case "current_valuation":
		return deref(c.CurrentValuation)
	case "last_round_date":
		return deref(c.LastRoundDate)
	case "last_round_amount":
		return deref(c.LastRoundAmount)
	}
	return nil
}

// Number returns a numeric column as float64.
func (c *Company) Number(column string) (float64, bool) {
	switch v := c.FieldValue(column).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func emptyNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// setField assigns a coerced value to column.
func (c *Company) setField(column string, v any) error {
	str := func() string {
		s, _ := v.(string)
		return s
	}
	num := func() *float64 {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		return &f
	}

	switch column {
	case "name":
		c.Name = str()
	case "sector":
		c.Sector = str()
	case "stage":
		if v == nil {
			c.Stage = ""
			return nil
		}
		st, err := ParseStage(str())
		if err != nil {
			return err
		}
		c.Stage = st
	case "status":
		if v == nil {
			c.Status = StatusActive
			return nil
		}
		st, err := ParseStatus(str())
		if err != nil {
			return err
		}
		c.Status = st
	case "website":
		c.Website = str()
	case "description":
		c.Description = str()
	case "hq_country":
		c.HQCountry = str()
	case "currency":
		c.Currency = strings.ToUpper(str())
	case "fund_id":
		if v == nil {
			c.FundID = nil
			return nil
		}
		id, err := uuid.Parse(str())
		if err != nil {
			return fmt.Errorf("invalid fund id: %w", vcerrors.ErrValidation)
		}
		c.FundID = &id
	case "current_arr":
		c.CurrentARR = num()
	case "revenue_growth_pct":
		c.RevenueGrowthPct = num()
	case "burn_rate_monthly":
		c.BurnRateMonthly = num()
	case "cash_in_bank":
		c.CashInBank = num()
	case "runway_months":
		c.RunwayMonths = num()
	case "headcount":
		if n, ok := v.(int); ok {
			c.Headcount = &n
		} else {
			c.Headcount = nil
		}
	case "gross_margin_pct":
		c.GrossMarginPct = num()
	case "total_invested":
		c.TotalInvested = num()
	case "ownership_pct":
		c.OwnershipPct = num()
	case "current_valuation":
		c.CurrentValuation = num()
	case "last_round_date":
		if t, ok := v.(time.Time); ok {
			c.LastRoundDate = &t
		} else {
			c.LastRoundDate = nil
		}
	case "last_round_amount":
		c.LastRoundAmount = num()
	default:
		return fmt.Errorf("unknown column %q: %w", column, vcerrors.ErrValidation)
	}
	return nil
}

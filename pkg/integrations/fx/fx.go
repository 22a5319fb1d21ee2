// Package fx converts amounts between currencies using published daily rates.
package fx

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations"
)

const (
	service         = "fx"
	DefaultBaseURL  = "https://open.er-api.com"
	DefaultCacheTTL = 6 * time.Hour
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Config configures a Client.
type Config struct {
	BaseURL  string
	CacheTTL time.Duration
}

// Table is the set of rates quoted against one base currency.
type Table struct {
	Base      string             `json:"base_code"`
	Rates     map[string]float64 `json:"rates"`
	UpdatedAt string             `json:"time_last_update_utc,omitempty"`
	Result    string             `json:"result,omitempty"`
}

// Conversion is the outcome of Convert.
type Conversion struct {
	Amount    float64 `json:"amount"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Rate      float64 `json:"rate"`
	Converted float64 `json:"converted"`
}

// Client fetches and caches rate tables, one per base currency.
type Client struct {
	http  *integrations.HTTPClient
	cache integrations.Cache
	ttl   time.Duration
}

// New creates an FX client. cache may be nil.
func New(cfg Config, cache integrations.Cache) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Client{
		http:  integrations.NewHTTPClient(service, base),
		cache: cache,
		ttl:   ttl,
	}
}

// HTTP exposes the underlying client.
func (c *Client) HTTP() *integrations.HTTPClient { return c.http }

// NormalizeCode upper-cases and validates an ISO 4217 code.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !currencyCode.MatchString(code) {
		return "", fmt.Errorf("invalid currency code %q: %w", code, vcerrors.ErrValidation)
	}
	return code, nil
}

// Rates returns the rate table for base.
func (c *Client) Rates(ctx context.Context, base string) (*Table, error) {
	base, err := NormalizeCode(base)
	if err != nil {
		return nil, err
	}
	return integrations.Cached(ctx, c.cache, c.http.Metrics, c.http.Logger, service,
		integrations.CacheKey(service, "latest", base), c.ttl,
		func(ctx context.Context) (*Table, error) {
			var t Table
			if err := c.http.Do(ctx, integrations.Request{Path: "/v6/latest/" + base}, &t); err != nil {
				return nil, err
			}
			if t.Result != "" && t.Result != "success" {
				return nil, fmt.Errorf("fx: rates for %s unavailable (%s): %w", base, t.Result, vcerrors.ErrUnavailable)
			}
			if len(t.Rates) == 0 {
				return nil, fmt.Errorf("fx: empty rate table for %s: %w", base, vcerrors.ErrUnavailable)
			}
			t.Base = base
			return &t, nil
		})
}

// Rate returns how many units of to one unit of from buys. Identical
// currencies return 1 without a lookup.
func (c *Client) Rate(ctx context.Context, from, to string) (float64, error) {
	from, err := NormalizeCode(from)
	if err != nil {
		return 0, err
	}
	to, err = NormalizeCode(to)
	if err != nil {
		return 0, err
	}
	if from == to {
		return 1, nil
	}
	t, err := c.Rates(ctx, from)
	if err != nil {
		return 0, err
	}
	r, ok := t.Rates[to]
	if !ok || r <= 0 {
		return 0, fmt.Errorf("no %s->%s rate: %w", from, to, vcerrors.ErrNotFound)
	}
	return r, nil
}

// Convert converts amount from one currency to another.
func (c *Client) Convert(ctx context.Context, amount float64, from, to string) (*Conversion, error) {
	rate, err := c.Rate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &Conversion{
		Amount:    amount,
		From:      strings.ToUpper(strings.TrimSpace(from)),
		To:        strings.ToUpper(strings.TrimSpace(to)),
		Rate:      rate,
		Converted: amount * rate,
	}, nil
}

// Package wolfram is a client for the Wolfram|Alpha Short Answers API.
package wolfram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations"
)

const (
	service        = "wolfram"
	DefaultBaseURL = "https://api.wolframalpha.com"
)

// Config configures a Client.
type Config struct {
	AppID    string
	BaseURL  string
	CacheTTL time.Duration
}

// Client answers computational queries.
type Client struct {
	http  *integrations.HTTPClient
	appID string
	cache integrations.Cache
	ttl   time.Duration
}

// New creates a Wolfram|Alpha client. cache may be nil.
func New(cfg Config, cache integrations.Cache) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := integrations.NewHTTPClient(service, base)
	hc.Policy.Retryable = func(err error) bool {
		return !isNotImplemented(err) && vcerrors.IsErrorRetryable(err)
	}
	return &Client{
		http:  hc,
		appID: cfg.AppID,
		cache: cache,
		ttl:   cfg.CacheTTL,
	}
}

// HTTP exposes the underlying client.
func (c *Client) HTTP() *integrations.HTTPClient { return c.http }

// Configured reports whether an app id is set.
func (c *Client) Configured() bool { return c.appID != "" }

// ShortAnswer returns the plain-text answer to input. Queries Wolfram cannot
// interpret come back as ErrNotFound.
func (c *Client) ShortAnswer(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("query is required: %w", vcerrors.ErrValidation)
	}
	if !c.Configured() {
		return "", integrations.NotConfigured(service)
	}

	return integrations.Cached(ctx, c.cache, c.http.Metrics, c.http.Logger, service,
		integrations.CacheKey(service, input), c.ttl,
		func(ctx context.Context) (string, error) {
			var answer string
			// Short Answers replies 501 for uninterpretable input.
			err := c.http.Do(ctx, integrations.Request{
				Path:    "/v1/result",
				Query:   url.Values{"appid": {c.appID}, "i": {input}},
				Headers: map[string]string{"Accept": "text/plain"},
			}, &answer)
			if isNotImplemented(err) {
				return "", fmt.Errorf("no short answer for %q: %w", input, vcerrors.ErrNotFound)
			}
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(answer), nil
		})
}

func isNotImplemented(err error) bool {
	var se *vcerrors.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotImplemented
}

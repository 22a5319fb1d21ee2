// Package tavily is a client for the Tavily web search API.
package tavily

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations"
)

const (
	service        = "tavily"
	DefaultBaseURL = "https://api.tavily.com"
	maxResultsCap  = 20
)

// Result is one search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Response is a search response.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

// Options tune a search.
type Options struct {
	MaxResults     int      `json:"max_results,omitempty"`
	Depth          string   `json:"search_depth,omitempty"` // basic | advanced
	Topic          string   `json:"topic,omitempty"`        // general | news | finance
	IncludeAnswer  bool     `json:"include_answer,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

// Config configures a Client.
type Config struct {
	APIKey   string
	BaseURL  string
	CacheTTL time.Duration
}

// Client searches the web through Tavily.
type Client struct {
	http   *integrations.HTTPClient
	apiKey string
	cache  integrations.Cache
	ttl    time.Duration
}

// New creates a Tavily client. cache may be nil.
func New(cfg Config, cache integrations.Cache) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		http:   integrations.NewHTTPClient(service, base),
		apiKey: cfg.APIKey,
		cache:  cache,
		ttl:    cfg.CacheTTL,
	}
}

// HTTP exposes the underlying client for metrics, logging and test transports.
func (c *Client) HTTP() *integrations.HTTPClient { return c.http }

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

type searchRequest struct {
	APIKey string `json:"api_key"`
	Query  string `json:"query"`
	Options
}

// Search runs query and returns ranked results.
func (c *Client) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is required: %w", vcerrors.ErrValidation)
	}
	if !c.Configured() {
		return nil, integrations.NotConfigured(service)
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.MaxResults > maxResultsCap {
		opts.MaxResults = maxResultsCap
	}
	if opts.Depth == "" {
		opts.Depth = "basic"
	}

	key := integrations.CacheKey(service, query, opts.Depth, opts.Topic,
		strconv.Itoa(opts.MaxResults), strconv.FormatBool(opts.IncludeAnswer), strings.Join(opts.IncludeDomains, ","))
	return integrations.Cached(ctx, c.cache, c.http.Metrics, c.http.Logger, service, key, c.ttl,
		func(ctx context.Context) (*Response, error) {
			var resp Response
			err := c.http.Do(ctx, integrations.Request{
				Method: http.MethodPost,
				Path:   "/search",
				Body:   searchRequest{APIKey: c.apiKey, Query: query, Options: opts},
			}, &resp)
			if err != nil {
				return nil, err
			}
			if resp.Query == "" {
				resp.Query = query
			}
			return &resp, nil
		})
}

// Package integrations holds the clients for third-party APIs (web search,
// computational answers, exchange rates) and the cache they share.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
	"github.com/otherjamesbrown/vcmatrix/pkg/retry"
)

// DefaultTimeout bounds a single outbound request.
const DefaultTimeout = 15 * time.Second

// maxErrorBody is how much of a failed response body is kept in the error.
const maxErrorBody = 512

// HTTPClient performs JSON requests against one upstream service, retrying
// transient failures.
type HTTPClient struct {
	Service string
	BaseURL string
	HTTP    *http.Client
	Policy  retry.Policy
	Headers map[string]string
	Metrics *observability.Metrics
	Logger  logging.Logger
}

// NewHTTPClient creates a client for service rooted at baseURL.
func NewHTTPClient(service, baseURL string) *HTTPClient {
	return &HTTPClient{
		Service: service,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Policy:  retry.DefaultPolicy(),
		Logger:  logging.NewNopLogger(),
	}
}

// Request describes one call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    any
}

// Do sends req and decodes a JSON response into out. When out is a *string
// the raw body is stored instead. Non-2xx responses become a
// *vcerrors.StatusError, wrapped with a domain sentinel for 4xx statuses.
func (c *HTTPClient) Do(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.Service, err)
		}
		payload = b
	}

	err := retry.Do(ctx, c.Policy, func(ctx context.Context) error {
		return c.once(ctx, req, payload, out)
	})
	c.Metrics.RecordIntegration(c.Service, err)
	if err != nil {
		c.logger().Warn("Upstream request failed",
			logging.F("service", c.Service),
			logging.F("path", req.Path),
			logging.Err(err))
	}
	return err
}

func (c *HTTPClient) logger() logging.Logger {
	if c.Logger == nil {
		return logging.NewNopLogger()
	}
	return c.Logger
}

func (c *HTTPClient) once(ctx context.Context, req Request, payload []byte, out any) error {
	u := c.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.Service, err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Service, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.Service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(c.Service, resp.StatusCode, data)
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *string:
		*v = string(data)
		return nil
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: malformed response: %w", c.Service, err)
		}
		return nil
	}
}

func statusError(service string, status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	se := &vcerrors.StatusError{Service: service, StatusCode: status, Body: text}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", se, vcerrors.ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: credentials rejected: %w", se, vcerrors.ErrUnavailable)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", se, vcerrors.ErrValidation)
	}
	return se
}

// NotConfigured is returned by clients whose API key is missing.
func NotConfigured(service string) error {
	return fmt.Errorf("%s is not configured: %w", service, vcerrors.ErrUnavailable)
}

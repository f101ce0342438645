// Package webhook calls external endpoints with form-encoded requests and
// decodes their JSON replies.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/humanagencyorg/twilio-stub/pkg/events"
	"github.com/humanagencyorg/twilio-stub/pkg/metrics"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/urlvalidation"
)

// DefaultTimeout bounds a single webhook call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("webhook returned non-2xx status")
	// ErrDecode is returned when the response body is not valid JSON.
	ErrDecode = errors.New("webhook returned invalid JSON")
)

// Client posts form-encoded requests. There is no retry.
type Client struct {
	httpClient   *http.Client
	publisher    *events.Publisher
	metrics      *metrics.Metrics
	validateOpts []urlvalidation.Option
	authToken    string
	timeout      time.Duration
	breakers     *breakers
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAuthToken signs every request with SignatureHeader.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithPublisher emits webhook.result and webhook.error events.
func WithPublisher(p *events.Publisher) Option {
	return func(c *Client) { c.publisher = p }
}

// WithMetrics records call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithURLValidation passes options to the SSRF check.
func WithURLValidation(opts ...urlvalidation.Option) Option {
	return func(c *Client) { c.validateOpts = append(c.validateOpts, opts...) }
}

// WithCircuitBreaker fails calls to a host fast after cfg.FailureThreshold
// consecutive transport errors or 5xx replies, until cfg.ResetTimeout passes.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(c *Client) {
		if cfg.FailureThreshold > 0 {
			c.breakers = newBreakers(cfg)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a webhook client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     60 * time.Second,
			}),
		},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends form to rawURL and returns the JSON response body.
func (c *Client) Post(ctx context.Context, rawURL string, form url.Values) (json.RawMessage, error) {
	start := time.Now()
	body, status, err := c.guardedPost(ctx, rawURL, form)
	if err != nil {
		c.metrics.Webhook("error", time.Since(start))
		_ = c.publisher.Emit(ctx, events.WebhookError, form.Get(FieldDialogueSid), &events.WebhookErrorData{
			URL:   rawURL,
			Error: err.Error(),
		})
		return nil, err
	}
	c.metrics.Webhook("ok", time.Since(start))
	_ = c.publisher.Emit(ctx, events.WebhookResult, form.Get(FieldDialogueSid), &events.WebhookResultData{
		URL:        rawURL,
		StatusCode: status,
	})
	return body, nil
}

func (c *Client) guardedPost(ctx context.Context, rawURL string, form url.Values) (json.RawMessage, int, error) {
	if err := urlvalidation.ValidateWebhookURL(rawURL, c.validateOpts...); err != nil {
		return nil, 0, fmt.Errorf("webhook URL validation: %w", err)
	}
	if c.breakers == nil {
		return c.post(ctx, rawURL, form)
	}

	b := c.breakers.get(rawURL)
	if !b.allow(time.Now()) {
		return nil, 0, fmt.Errorf("%w: %s", ErrCircuitOpen, rawURL)
	}
	body, status, err := c.post(ctx, rawURL, form)
	b.record(err == nil || (status > 0 && status < http.StatusInternalServerError), time.Now())
	return body, status, err
}

func (c *Client) post(ctx context.Context, rawURL string, form url.Values) (json.RawMessage, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(encoded))
	if err != nil {
		return nil, 0, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set(SignatureHeader, Sign(c.authToken, rawURL, form))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	// Drain remainder for connection reuse.
	io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("%w: HTTP %d from %s: %s", ErrStatus, resp.StatusCode, rawURL, truncate(body, 256))
	}
	if !json.Valid(body) {
		return nil, resp.StatusCode, fmt.Errorf("%w: from %s", ErrDecode, rawURL)
	}
	return body, resp.StatusCode, nil
}

// Actions posts form and decodes the "actions" array of the response.
func (c *Client) Actions(ctx context.Context, rawURL string, form url.Values) ([]schema.Action, error) {
	body, err := c.Post(ctx, rawURL, form)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Actions schema.ActionList `json:"actions"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, rawURL, err)
	}
	return reply.Actions, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

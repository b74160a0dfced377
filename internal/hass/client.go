package hass

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrInvalidService is returned for service names not in domain.action form.
var ErrInvalidService = errors.New("service must be in domain.action form")

// ClientConfig configures the HTTP side of the hub.
type ClientConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	RateLimitRPS float64
	Insecure     bool
}

// Outcome is the result of one dispatched command.
type Outcome struct {
	RequestID string
	Service   string
	EntityID  string
	Status    int
	Err       error
	Duration  time.Duration
	At        time.Time
}

// OK reports whether the hub accepted the command.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Client sends commands to the hub and reads history. It never retries:
// callers own their retry policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.RWMutex
	token     string
	onOutcome func(Outcome)
}

// NewClient creates a hub HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10.0
	}

	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
	}
}

// SetToken replaces the access token used for requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// OnOutcome registers a hook called after every Send.
func (c *Client) OnOutcome(fn func(Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOutcome = fn
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Send posts a service call. The returned Outcome carries any failure;
// Send itself never panics and never retries.
func (c *Client) Send(ctx context.Context, service string, payload map[string]any) Outcome {
	start := time.Now()
	out := Outcome{
		RequestID: uuid.NewString(),
		Service:   service,
		At:        start,
	}
	if id, ok := payload["entity_id"].(string); ok {
		out.EntityID = id
	}

	out.Status, out.Err = c.post(ctx, service, payload, out.RequestID)
	out.Duration = time.Since(start)

	if out.Err != nil {
		log.Warn().
			Err(out.Err).
			Str("service", service).
			Str("entity_id", out.EntityID).
			Str("request_id", out.RequestID).
			Msg("Command failed")
	} else {
		log.Debug().
			Str("service", service).
			Str("entity_id", out.EntityID).
			Int("status", out.Status).
			Dur("duration", out.Duration).
			Msg("Command accepted")
	}

	c.mu.RLock()
	hook := c.onOutcome
	c.mu.RUnlock()
	if hook != nil {
		hook(out)
	}
	return out
}

func (c *Client) post(ctx context.Context, service string, payload map[string]any, requestID string) (int, error) {
	domain, action, err := SplitService(service)
	if err != nil {
		return 0, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, action)
	resp, err := c.do(ctx, http.MethodPost, url, bytes.NewReader(body), requestID)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, requestID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return c.httpClient.Do(req)
}

// SplitService splits "fan.set_percentage" into its domain and action.
func SplitService(service string) (string, string, error) {
	domain, action, ok := strings.Cut(service, ".")
	if !ok || domain == "" || action == "" || strings.Contains(action, ".") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	return domain, action, nil
}

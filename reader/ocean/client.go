package ocean

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"oceanflow/config"
	ratemetrics "oceanflow/internal/metrics/rate"
	"oceanflow/logger"
)

const exchangeName = "oceanex"

// Response is the envelope every OceanEx REST endpoint answers with.
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the data field into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// BreachFunc decides whether a transport-successful response is the
// exchange telling us to slow down.
type BreachFunc func(*Response) bool

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client issues REST calls against the OceanEx API. POSTs answered with the
// rate limit sentinel are retried with doubling waits. Backoff state lives in
// each call, the breach total in the client.
type Client struct {
	baseURL     string
	http        *resty.Client
	signer      Signer
	limiter     *rate.Limiter
	isBreached  BreachFunc
	maxAttempts int
	baseDelay   time.Duration
	sleep       SleepFunc
	breaches    atomic.Int64
	log         *logger.Log
}

type Option func(*Client)

// WithSigner replaces the signer built from the configured credentials.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithBreachDetector swaps the rate limit predicate.
func WithBreachDetector(f BreachFunc) Option {
	return func(c *Client) {
		if f != nil {
			c.isBreached = f
		}
	}
}

// WithSleep replaces the wait used between breached attempts.
func WithSleep(f SleepFunc) Option {
	return func(c *Client) {
		if f != nil {
			c.sleep = f
		}
	}
}

// WithLimiter replaces the request budget; nil disables it.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient builds a client from cfg. Credentials are optional; without them
// only public endpoints work.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	log := logger.GetLogger()
	ex := cfg.Exchange

	rl := cfg.Reader.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	httpClient := resty.New().
		SetTimeout(cfg.Reader.Timeout).
		SetHeader("Accept", "application/json")
	if ex.UserAgent != "" {
		httpClient.SetHeader("User-Agent", ex.UserAgent)
	}

	c := &Client{
		baseURL:     strings.TrimRight(ex.RESTURL, "/"),
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		isBreached:  IsRateLimitBreached,
		maxAttempts: cfg.Reader.Retry.MaxAttempts,
		baseDelay:   cfg.Reader.Retry.BaseDelay,
		sleep:       sleepContext,
		log:         log,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 10
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 2 * time.Second
	}

	clog := log.WithComponent("ocean_rest")
	if ex.HasCredentials() {
		pem, err := os.ReadFile(ex.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		signer, err := NewRS256Signer(ex.UID, pem)
		if err != nil {
			return nil, err
		}
		c.signer = signer
		clog.WithFields(logger.Fields{"uid": ex.UID, "private_key_file": ex.PrivateKeyFile}).Debug("loaded credentials")
	} else {
		clog.Warn("no authorization info for private apis")
	}

	for _, opt := range opts {
		opt(c)
	}

	clog.WithFields(logger.Fields{"api_base_url": c.baseURL}).Debug("created client")
	return c, nil
}

// Close releases pooled connections. It does not wait for in-flight calls.
func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

// Breaches returns how many breached responses this client has seen.
func (c *Client) Breaches() int64 {
	return c.breaches.Load()
}

// Authorized reports whether private endpoints can be called.
func (c *Client) Authorized() bool {
	return c.signer != nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Get issues a GET. Only 200 is accepted and rate limit responses are
// returned as-is.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST and retries while the response carries the rate limit
// sentinel, waiting 2s, 4s, 8s and so on between attempts.
func (c *Client) Post(ctx context.Context, path string, form url.Values) (*Response, error) {
	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		resp, err := c.do(ctx, http.MethodPost, path, nil, form)
		if err != nil {
			return nil, err
		}
		if !c.isBreached(resp) {
			return resp, nil
		}
		c.breaches.Add(1)

		if attempt >= c.maxAttempts {
			ratemetrics.ReportRateLimitExhausted(c.log, exchangeName, path, attempt)
			return nil, fmt.Errorf("%w: %d attempts, url=%s", ErrRateLimitExhausted, attempt, c.url(path))
		}

		wait := bo.NextBackOff()
		ratemetrics.ReportRateLimitBreach(c.log, exchangeName, path, attempt, wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	shift := c.maxAttempts
	if shift > 20 {
		shift = 20
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.baseDelay << uint(shift)
	b.Reset()
	return b
}

func acceptStatus(method string, status int) bool {
	if status == http.StatusOK {
		return true
	}
	return method == http.MethodPost && status == http.StatusCreated
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) (*Response, error) {
	endpoint := c.url(path)
	log := c.log.WithComponent("ocean_rest").WithFields(logger.Fields{
		"request_id": uuid.New().String(),
		"method":     method,
		"url":        endpoint,
	})

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if form != nil {
		req.SetFormDataFromValues(form)
	}

	start := time.Now()
	resp, err := req.Execute(method, endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{URL: endpoint, Err: err}
	}

	body := resp.Body()
	logger.IncrementRESTRequest(len(body))
	log.WithFields(logger.Fields{
		"status":      resp.StatusCode(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("response received")

	if !acceptStatus(method, resp.StatusCode()) {
		return nil, newTransportError(endpoint, resp.StatusCode(), body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &TransportError{URL: endpoint, Status: resp.StatusCode(), DecodeErr: err}
	}
	if out.Code != 0 && ratemetrics.IsBanMessage(exchangeName, out.Message) {
		ratemetrics.ReportIPBan(c.log, exchangeName, path, out.Message)
	}
	return &out, nil
}

// newTransportError keeps the body when it is JSON and notes why otherwise.
func newTransportError(endpoint string, status int, body []byte) *TransportError {
	te := &TransportError{URL: endpoint, Status: status}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		te.DecodeErr = err
		return te
	}
	te.Body = string(body)
	return te
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

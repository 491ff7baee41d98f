// Package mlflow is a client for the MLflow tracking and model registry REST
// API. It is the only package that knows which registry flavour backs a model
// name and how a tracking URI maps to a host.
package mlflow

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

	"github.com/google/go-querystring/query"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/metrics"
	"github.com/fentz26/mlflow-exim/internal/retry"
	"github.com/fentz26/mlflow-exim/internal/version"
)

const (
	apiPrefix = "/api/2.0/mlflow/"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Options configures a Client.
type Options struct {
	// Host is the base URL of the tracking server, e.g. https://mlflow.example.com.
	Host     string
	Token    string
	Username string
	Password string
	// Catalog selects the unity-catalog registry for searches that carry no
	// model name. Name-based calls route on the name itself.
	Catalog bool

	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Policy
	// PollInterval is the delay between readiness checks of new model versions.
	PollInterval time.Duration
	// PollTimeout bounds how long a version may stay PENDING_REGISTRATION.
	PollTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Client talks to one tracking server.
type Client struct {
	host      string
	token     string
	username  string
	password  string
	catalog   bool
	userAgent string

	http    *http.Client
	limiter *rate.Limiter
	retryer *retry.Retryer
	logger  *zap.Logger
	metrics *metrics.Collector

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	host := strings.TrimRight(opts.Host, "/")
	u, err := url.Parse(host)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errs.Errorf(errs.KindInvalid, "mlflow client", "tracking host %q is not an http(s) URL", opts.Host)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mlflow"), zap.String("host", u.Host))

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	policy := opts.Retry
	m := opts.Metrics
	if prev := policy.OnRetry; m != nil || prev != nil {
		policy.OnRetry = func(op string, attempt int, err error, delay time.Duration) {
			m.ObserveRetry(op)
			if prev != nil {
				prev(op, attempt, err, delay)
			}
		}
	}

	c := &Client{
		host:         host,
		token:        opts.Token,
		username:     opts.Username,
		password:     opts.Password,
		catalog:      opts.Catalog,
		userAgent:    version.UserAgent(),
		http:         httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		retryer:      retry.New(policy, logger),
		logger:       logger,
		metrics:      m,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = 5 * time.Minute
	}
	return c, nil
}

// NewFromConfig resolves the tracking URI in cfg and creates a Client.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Collector) (*Client, error) {
	host, err := ResolveHost(cfg.Tracking)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Host:              host,
		Token:             cfg.Tracking.Token,
		Username:          cfg.Tracking.Username,
		Password:          cfg.Tracking.Password,
		Catalog:           IsCatalogURI(cfg.Tracking.URI),
		Timeout:           cfg.Tracking.Timeout,
		RequestsPerSecond: cfg.Tracking.RequestsPerSecond,
		Burst:             cfg.Tracking.Burst,
		Retry:             cfg.Retry,
		Logger:            logger,
		Metrics:           m,
	})
}

// Host returns the base URL of the server.
func (c *Client) Host() string {
	return c.host
}

// Retryer exposes the client's retry policy for callers that retry whole
// operations, such as file transfers.
func (c *Client) Retryer() *retry.Retryer {
	return c.retryer
}

// Call sends a JSON request to path (relative to the host) and decodes the
// JSON response into out. params, when non-nil, is encoded as the query
// string. Transient failures are retried.
func (c *Client) Call(ctx context.Context, method, path string, params, body, out any) error {
	op := method + " " + strings.TrimPrefix(path, apiPrefix)
	return c.retryer.Do(ctx, op, func(ctx context.Context) error {
		return c.do(ctx, op, method, path, params, body, out)
	})
}

func (c *Client) do(ctx context.Context, op, method, path string, params, body, out any) error {
	target := c.host + path
	if params != nil {
		v, err := query.Values(params)
		if err != nil {
			return errs.E(errs.KindInvalid, op, err)
		}
		if enc := v.Encode(); enc != "" {
			target += "?" + enc
		}
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.E(errs.KindInvalid, op, fmt.Errorf("encode request: %w", err))
		}
		rdr = bytes.NewReader(data)
	}

	resp, err := c.send(ctx, op, method, target, rdr, "application/json", -1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errs.E(errs.KindPermanent, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// send performs one request and classifies a non-2xx response. On success
// the caller owns the response body.
func (c *Client) send(ctx context.Context, op, method, target string, body io.Reader, contentType string, size int64) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.E(errs.KindOf(err), op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errs.E(errs.KindInvalid, op, err)
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
		if size >= 0 {
			req.ContentLength = size
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(method, 0)
		if ctx.Err() != nil {
			return nil, errs.E(errs.KindCancelled, op, ctx.Err())
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	c.metrics.ObserveRequest(method, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeError(op, resp)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// decodeError turns an error response into an *errs.Error, reading the
// {"error_code", "message"} envelope when present.
func decodeError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &envelope) == nil && (envelope.ErrorCode != "" || envelope.Message != "") {
		msg = envelope.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return errs.FromResponse(op, resp.StatusCode, envelope.ErrorCode, msg)
}

// Stream sends a request with a raw body and returns the response body for
// the caller to consume. It is not retried; artifact transfers retry whole
// files instead.
func (c *Client) Stream(ctx context.Context, method, path string, params url.Values, body io.Reader, size int64) (io.ReadCloser, error) {
	op := method + " " + path
	target := c.host + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	resp, err := c.send(ctx, op, method, target, body, "application/octet-stream", size)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RawResponse is the result of Raw.
type RawResponse struct {
	Status int
	Body   []byte
}

// Raw sends an authenticated request and returns whatever the server said,
// including error responses. It backs the http-client command.
func (c *Client) Raw(ctx context.Context, method, path string, body []byte) (*RawResponse, error) {
	if !strings.HasPrefix(path, "/") {
		path = apiPrefix + path
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, rdr)
	if err != nil {
		return nil, errs.E(errs.KindInvalid, "http-client", err)
	}
	c.authorize(req)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindOf(err), "http-client", err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveRequest(method, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "http-client", err)
	}
	return &RawResponse{Status: resp.StatusCode, Body: data}, nil
}

// collect drains a paginated listing.
func collect[T any](ctx context.Context, fetch func(ctx context.Context, token string) ([]T, string, error)) ([]T, error) {
	var all []T
	token := ""
	for {
		page, next, err := fetch(ctx, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" || next == token {
			return all, nil
		}
		token = next
	}
}

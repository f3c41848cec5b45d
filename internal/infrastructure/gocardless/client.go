package gocardless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://bankaccountdata.gocardless.com"
	defaultTimeout   = 60 * time.Second
	requisitionsPath = "/api/v2/requisitions/"
	accountsPath     = "/api/v2/accounts/"
	institutionsPath = "/api/v2/institutions/"
	tokenNewPath     = "/api/v2/token/new/"

	// maxErrorBody bounds how much of an unexpected error body ends up in
	// an error message.
	maxErrorBody = 512
)

var (
	clientTracer      = otel.Tracer("banksync/gocardless")
	clientMeter       = otel.Meter("banksync/gocardless")
	requestTotal, _   = clientMeter.Int64Counter("gocardless.request.total", metric.WithDescription("Provider requests by route and status"))
	requestRetry, _   = clientMeter.Int64Counter("gocardless.request.retries", metric.WithDescription("Provider requests retried after a transient failure"))
	requestLatency, _ = clientMeter.Float64Histogram("gocardless.request.duration", metric.WithDescription("Provider request duration in seconds, retries included"), metric.WithUnit("s"))
)

// ErrRequestFailed is wrapped by every error the client returns.
var ErrRequestFailed = errors.New("provider request failed")

// RequestError describes a failed provider call after retries were exhausted.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int // 0 when no response was received
	Summary    string
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Method, e.Path)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, ": %s", e.Summary)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRequestFailed}
	}
	return []error{ErrRequestFailed, e.Err}
}

// Temporary reports whether retrying the same request may succeed.
func (e *RequestError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		return e.Err != nil && !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	default:
		return false
	}
}

// RetryPolicy configures exponential backoff for transient failures.
type RetryPolicy struct {
	Delay      time.Duration
	MaxDelay   time.Duration // 0 keeps the backoff library default
	MaxRetries int           // negative retries until the context ends
}

// DefaultRetryPolicy waits one second before the first retry and gives up
// after five.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: time.Second, MaxRetries: 5}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Delay > 0 {
		b.InitialInterval = p.Delay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL           string
	AccessToken       string
	Retry             RetryPolicy
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Logger            *slog.Logger
}

// Client talks to the GoCardless Bank Account Data API.
type Client struct {
	baseURL    string
	httpClient *http.Client // carries the bearer token
	anonClient *http.Client // token endpoint only
	limiter    *rate.Limiter
	retry      RetryPolicy
	logger     *slog.Logger
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a provider client. Requests other than NewToken are sent
// with opts.AccessToken as a bearer token.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := otelhttp.NewTransport(http.DefaultTransport)
	authed := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.AccessToken,
			TokenType:   "Bearer",
		}),
		Base: base,
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout, Transport: authed},
		anonClient: &http.Client{Timeout: timeout, Transport: base},
		limiter:    rate.NewLimiter(limit, burst),
		retry:      opts.Retry,
		logger:     logger,
	}
}

// CreateRequisition starts a consent session for an institution.
func (c *Client) CreateRequisition(ctx context.Context, req RequisitionRequest) (*Requisition, error) {
	var out Requisition
	if err := c.post(ctx, requisitionsPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRequisition fetches the current state of a requisition.
func (c *Client) GetRequisition(ctx context.Context, id uuid.UUID) (*Requisition, error) {
	var out Requisition
	if err := c.get(ctx, requisitionsPath+id.String()+"/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccount fetches account metadata.
func (c *Client) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var out Account
	if err := c.get(ctx, accountsPath+id.String()+"/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalances fetches the balances of an account.
func (c *Client) GetBalances(ctx context.Context, id uuid.UUID) (*Balances, error) {
	var out Balances
	if err := c.get(ctx, accountsPath+id.String()+"/balances/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransactions fetches booked and pending transactions between from and
// to, both inclusive.
func (c *Client) GetTransactions(ctx context.Context, id uuid.UUID, from, to civil.Date) (*TransactionsResponse, error) {
	query := url.Values{}
	query.Set("date_from", from.String())
	query.Set("date_to", to.String())

	var out TransactionsResponse
	if err := c.get(ctx, accountsPath+id.String()+"/transactions/", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstitutions returns the institutions available in a country, given as
// an ISO 3166 two-letter code.
func (c *Client) ListInstitutions(ctx context.Context, country string) ([]Institution, error) {
	query := url.Values{}
	query.Set("country", strings.ToLower(country))

	var out []Institution
	if err := c.get(ctx, institutionsPath, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewToken exchanges user secrets for an access and refresh token pair.
func (c *Client) NewToken(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	var out TokenPair
	if err := c.do(ctx, c.anonClient, http.MethodPost, tokenNewPath, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, c.httpClient, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, c.httpClient, http.MethodPost, path, nil, body, out)
}

// do sends one logical request, retrying transient failures under the
// client's RetryPolicy. The decoded response is stored in out.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, body, out any) error {
	ctx, span := clientTracer.Start(ctx, "gocardless.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", routeOf(path)),
		),
	)
	defer span.End()
	start := time.Now()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &RequestError{Method: method, Path: path, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
	}

	attempts := 0
	op := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&RequestError{Method: method, Path: path, Err: err})
		}
		err := c.roundTrip(ctx, hc, method, path, query, payload, out)
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		requestRetry.Add(ctx, 1, metric.WithAttributes(attribute.String("http.route", routeOf(path))))
		c.logger.WarnContext(ctx, "retrying provider request",
			"method", method, "path", path, "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, c.retry.backOff(ctx), notify)

	status := "ok"
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		status = strconv.Itoa(reqErr.StatusCode)
	} else if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", routeOf(path)),
		attribute.String("status", status),
	)
	requestTotal.Add(ctx, 1, attrs)
	requestLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(attribute.Int("gocardless.attempts", attempts))

	if err != nil {
		if !errors.As(err, &reqErr) {
			// backoff reports context expiry between attempts directly.
			err = &RequestError{Method: method, Path: path, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return err
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, hc *http.Client, method, path string, query url.Values, payload []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Summary:    errorSummary(data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to unmarshal response: %w", err),
		}
	}
	return nil
}

func errorSummary(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Summary != "" {
		if errResp.Detail != "" {
			return errResp.Summary + " - " + errResp.Detail
		}
		return errResp.Summary
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	return text
}

// routeOf replaces ids in path with a placeholder to keep metric cardinality
// bounded.
func routeOf(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

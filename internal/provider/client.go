package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"case-monitor/internal/clock"
	"case-monitor/internal/metrics"
	"case-monitor/internal/resilience"
	"case-monitor/internal/storage"
	"case-monitor/internal/version"
)

const (
	subscriptionsPath = "/tracking/subscriptions"
	searchesPath      = "/searches"
	maxErrorBody      = 4 << 10
)

// Options parameterise the resilient provider client.
type Options struct {
	BaseURL     string
	Token       string
	UserAgent   string
	CallbackURL string
	Timeout     time.Duration
	// MaxRateWait bounds how long one attempt may wait for a rate-limit token.
	MaxRateWait time.Duration
	// BatchLimit caps concurrent submissions in SearchBatch.
	BatchLimit int
	Costs      map[string]decimal.Decimal
	Retry      resilience.RetryPolicy
	Poll       PollPolicy
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Dependencies are the shared, injected resilience primitives.
type Dependencies struct {
	Limiter  *resilience.RateLimiter
	Tracking *resilience.CircuitBreaker
	Polling  *resilience.CircuitBreaker
	Recorder Recorder
}

// Client calls the provider through the breaker, the rate limiter and the retry policy.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	http     *http.Client
	baseURL  string
	clock    clock.Clock
	limiter  *resilience.RateLimiter
	breakers map[Family]*resilience.CircuitBreaker
	recorder Recorder
}

// New constructs a provider client.
func New(opts Options, deps Dependencies, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.MaxRateWait <= 0 {
		opts.MaxRateWait = 30 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 4
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	opts.Retry.Clock = clk
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	tracking := deps.Tracking
	if tracking == nil {
		tracking = resilience.NewCircuitBreaker(resilience.BreakerSettings{Name: string(FamilyTracking)}, clk)
	}
	polling := deps.Polling
	if polling == nil {
		polling = resilience.NewCircuitBreaker(resilience.BreakerSettings{Name: string(FamilyPolling)}, clk)
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = RecorderFunc(func(storage.TelemetryEvent) {})
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "provider_client").Logger(),
		http:    httpClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		clock:   clk,
		limiter: deps.Limiter,
		breakers: map[Family]*resilience.CircuitBreaker{
			FamilyTracking: tracking,
			FamilyPolling:  polling,
		},
		recorder: recorder,
	}
}

// Breaker returns the breaker guarding a family.
func (c *Client) Breaker(f Family) *resilience.CircuitBreaker {
	return c.breakers[f]
}

// CreateSubscription registers a tracking subscription for ref. The idempotency key
// lets the provider collapse retried creates into one subscription.
func (c *Client) CreateSubscription(ctx context.Context, ref, idempotencyKey string) (string, error) {
	var sub Subscription
	err := c.call(ctx, KindCreateSubscription, FamilyTracking, func(ctx context.Context) error {
		body := createSubscriptionRequest{ExternalRef: ref, CallbackURL: c.opts.CallbackURL}
		headers := map[string]string{"Idempotency-Key": idempotencyKey}
		return c.doJSON(ctx, KindCreateSubscription, http.MethodPost, subscriptionsPath, headers, body, &sub)
	})
	if err != nil {
		return "", err
	}
	if sub.ID == "" {
		return "", fmt.Errorf("create subscription: %w", &DecodeError{Op: KindCreateSubscription, Err: errors.New("missing subscription id")})
	}
	return sub.ID, nil
}

// ListSubscriptions returns every active subscription, following pagination.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var all []Subscription
	err := c.call(ctx, KindListSubscriptions, FamilyTracking, func(ctx context.Context) error {
		all = all[:0]
		cursor := ""
		for {
			path := subscriptionsPath
			if cursor != "" {
				path += "?cursor=" + url.QueryEscape(cursor)
			}
			var page listSubscriptionsResponse
			if err := c.doJSON(ctx, KindListSubscriptions, http.MethodGet, path, nil, nil, &page); err != nil {
				return err
			}
			all = append(all, page.Items...)
			if page.Next == "" {
				return nil
			}
			cursor = page.Next
		}
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// SubmitSearch starts an asynchronous search for ref and returns its request id.
func (c *Client) SubmitSearch(ctx context.Context, ref string) (string, error) {
	var resp submitSearchResponse
	err := c.call(ctx, KindSubmitSearch, FamilyPolling, func(ctx context.Context) error {
		return c.doJSON(ctx, KindSubmitSearch, http.MethodPost, searchesPath, nil, submitSearchRequest{ExternalRef: ref}, &resp)
	})
	if err != nil {
		return "", err
	}
	id := resp.RequestID
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return "", fmt.Errorf("submit search: %w", &DecodeError{Op: KindSubmitSearch, Err: errors.New("missing request id")})
	}
	return id, nil
}

// PollResult fetches the current state of a search.
func (c *Client) PollResult(ctx context.Context, requestID string) (SearchResult, error) {
	var resp pollResponse
	err := c.call(ctx, KindPollResult, FamilyPolling, func(ctx context.Context) error {
		return c.doJSON(ctx, KindPollResult, http.MethodGet, searchesPath+"/"+url.PathEscape(requestID), nil, nil, &resp)
	})
	if err != nil {
		return SearchResult{}, err
	}
	return decodeSearchResult(requestID, resp)
}

func decodeSearchResult(requestID string, resp pollResponse) (SearchResult, error) {
	result := SearchResult{
		RequestID: requestID,
		Status:    resp.Status,
		Error:     resp.Error,
		Data:      resp.Data,
	}
	switch resp.Status {
	case SearchPending, SearchFailed:
		return result, nil
	case SearchCompleted:
	default:
		return SearchResult{}, &DecodeError{Op: KindPollResult, Err: fmt.Errorf("unknown status %q", resp.Status)}
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return result, nil
	}
	var data pollData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return SearchResult{}, &DecodeError{Op: KindPollResult, Err: err}
	}
	result.Movements = make([]RemoteMovement, 0, len(data.Movements))
	for _, raw := range data.Movements {
		var mv RemoteMovement
		if err := json.Unmarshal(raw, &mv); err != nil {
			return SearchResult{}, &DecodeError{Op: KindPollResult, Err: err}
		}
		mv.Raw = append(json.RawMessage(nil), raw...)
		result.Movements = append(result.Movements, mv)
	}
	return result, nil
}

// call runs one logical provider call: breaker admission, then per attempt a rate-limit
// token and the request, under the retry policy. It emits exactly one telemetry event.
func (c *Client) call(ctx context.Context, kind string, family Family, op resilience.Operation) error {
	start := c.clock.Now()
	breaker := c.breakers[family]

	admission, ok := breaker.BeforeCall()
	if !ok {
		c.record(ctx, kind, family, start, 0, ErrCircuitOpen)
		return fmt.Errorf("%s: %w", kind, ErrCircuitOpen)
	}

	var (
		reached   bool
		remoteErr error
	)
	policy := c.opts.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn().
			Str("kind", kind).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Err(err).
			Msg("provider call failed, retrying")
	}
	out := policy.Execute(ctx, func(ctx context.Context) error {
		if err := c.acquire(ctx, family); err != nil {
			return err
		}
		reached = true
		remoteErr = op(ctx)
		return remoteErr
	})

	err := out.Err
	switch {
	case err == nil:
		breaker.OnResult(admission, true)
	case !reached:
		breaker.Release(admission)
	case resilience.CountsAsFailure(err), remoteErr != nil && resilience.CountsAsFailure(remoteErr):
		breaker.OnResult(admission, false)
	case isTerminalResponse(err):
		breaker.OnResult(admission, true)
	default:
		breaker.Release(admission)
	}

	c.record(ctx, kind, family, start, out.Attempts, err)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

func isTerminalResponse(err error) bool {
	var perr *resilience.ProviderError
	return errors.As(err, &perr) && !perr.Temporary()
}

// acquire takes one token, sleeping while the wait fits MaxRateWait.
func (c *Client) acquire(ctx context.Context, family Family) error {
	if c.limiter == nil {
		return nil
	}
	var waited time.Duration
	for {
		if c.limiter.TryConsume(1) {
			if waited > 0 {
				metrics.RateLimitWaitSeconds.WithLabelValues(c.limiter.Scope()).Add(waited.Seconds())
			}
			return nil
		}
		wait := c.limiter.TimeUntilAvailable(1)
		if waited+wait > c.opts.MaxRateWait {
			return fmt.Errorf("%w: need %s more for %s", ErrRateLimitBudget, wait, family)
		}
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

func (c *Client) record(ctx context.Context, kind string, family Family, start time.Time, attempts int, err error) {
	now := c.clock.Now()
	event := storage.TelemetryEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Scope:     string(family),
		Duration:  now.Sub(start),
		Success:   err == nil,
		Cost:      decimal.Zero,
		Attempts:  attempts,
		Timestamp: now,
	}
	if tags := tagsFrom(ctx); tags.entityID != "" {
		entityID := tags.entityID
		event.EntityID = &entityID
		if tags.tenantID != "" {
			tenantID := tags.tenantID
			event.TenantID = &tenantID
		}
	}
	code := "ok"
	if err != nil {
		code = ErrorCode(err)
		event.ErrorCode = &code
	} else if cost, ok := c.opts.Costs[kind]; ok {
		event.Cost = cost
	}

	c.recorder.Record(event)
	costFloat, _ := event.Cost.Float64()
	metrics.RecordProviderCall(kind, code, event.Duration, attempts, costFloat)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return parseHTTPError(op, resp, payload, c.clock.Now())
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.Transient(fmt.Errorf("read %s response: %w", op, err))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

func parseHTTPError(op string, resp *http.Response, payload []byte, now time.Time) error {
	perr := &resilience.ProviderError{
		Op:         op,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
	}
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		perr.Code = apiErr.Code
		switch {
		case apiErr.Message != "":
			perr.Message = apiErr.Message
		case apiErr.Error != "":
			perr.Message = apiErr.Error
		}
	}
	if perr.Message == "" && len(payload) > 0 {
		perr.Message = strings.TrimSpace(string(payload))
	}
	return perr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

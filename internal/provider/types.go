package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"case-monitor/internal/resilience"
	"case-monitor/internal/storage"
)

// Family groups endpoints that share one circuit breaker.
type Family string

const (
	FamilyTracking Family = "tracking"
	FamilyPolling  Family = "polling"
)

// Call kinds recorded in telemetry and priced by the cost table.
const (
	KindCreateSubscription = "create_subscription"
	KindListSubscriptions  = "list_subscriptions"
	KindSubmitSearch       = "submit_search"
	KindPollResult         = "poll_result"
)

var (
	// ErrCircuitOpen is returned when the family's breaker refuses the call.
	ErrCircuitOpen = resilience.ErrCircuitOpen
	// ErrRateLimitBudget is returned when waiting for a token would exceed MaxRateWait.
	ErrRateLimitBudget = resilience.ErrRateBudgetExceeded
	// ErrPollTimeout is returned when a search does not finish within the poll budget.
	ErrPollTimeout = errors.New("poll timeout")
)

// DecodeError wraps an unreadable provider response body.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s response: %v", e.Op, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorCode extends resilience.ErrorCode with provider-level failures.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrPollTimeout) {
		return "poll_timeout"
	}
	var derr *DecodeError
	if errors.As(err, &derr) {
		return "decode"
	}
	return resilience.ErrorCode(err)
}

// Subscription is a provider-side tracking subscription.
type Subscription struct {
	ID          string    `json:"id"`
	ExternalRef string    `json:"externalRef"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SearchStatus is the lifecycle state of a polling search.
type SearchStatus string

const (
	SearchPending   SearchStatus = "pending"
	SearchCompleted SearchStatus = "completed"
	SearchFailed    SearchStatus = "failed"
)

// Terminal reports whether polling can stop.
func (s SearchStatus) Terminal() bool {
	return s == SearchCompleted || s == SearchFailed
}

// RemoteMovement is a movement as reported by the provider.
type RemoteMovement struct {
	ID          string          `json:"id,omitempty"`
	Date        time.Time       `json:"date"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// SearchResult is the state of a submitted search.
type SearchResult struct {
	RequestID string
	Status    SearchStatus
	Movements []RemoteMovement
	Error     string
	Data      json.RawMessage
}

// BatchResult pairs a reference with its submitted request id or error.
type BatchResult struct {
	Ref       string
	RequestID string
	Err       error
}

// Recorder receives one telemetry event per logical call. It must not block.
type Recorder interface {
	Record(event storage.TelemetryEvent)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(event storage.TelemetryEvent)

// Record implements Recorder.
func (f RecorderFunc) Record(event storage.TelemetryEvent) { f(event) }

type callTags struct {
	entityID string
	tenantID string
}

type callTagsKey struct{}

// WithEntity tags telemetry for calls made with the returned context.
func WithEntity(ctx context.Context, entityID, tenantID string) context.Context {
	return context.WithValue(ctx, callTagsKey{}, callTags{entityID: entityID, tenantID: tenantID})
}

func tagsFrom(ctx context.Context) callTags {
	tags, _ := ctx.Value(callTagsKey{}).(callTags)
	return tags
}

type createSubscriptionRequest struct {
	ExternalRef string `json:"externalRef"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type listSubscriptionsResponse struct {
	Items []Subscription `json:"items"`
	Next  string         `json:"next,omitempty"`
}

type submitSearchRequest struct {
	ExternalRef string `json:"externalRef"`
}

type submitSearchResponse struct {
	RequestID string `json:"requestId"`
	ID        string `json:"id"`
}

type pollResponse struct {
	ID     string          `json:"id"`
	Status SearchStatus    `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type pollData struct {
	Movements []json.RawMessage `json:"movements"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

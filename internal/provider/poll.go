package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"case-monitor/internal/storage"
)

// KindPollForResult tags the telemetry event emitted when a poll loop gives up.
const KindPollForResult = "poll_for_result"

// PollPolicy bounds PollForResult.
type PollPolicy struct {
	Interval     time.Duration
	MaxInterval  time.Duration
	MaxTotalWait time.Duration
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = 2 * time.Second
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.MaxTotalWait <= 0 {
		p.MaxTotalWait = 2 * time.Minute
	}
	return p
}

// PollForResult polls requestID until it reaches a terminal status. The wait between polls
// grows by half up to MaxInterval; exceeding MaxTotalWait fails with ErrPollTimeout.
func (c *Client) PollForResult(ctx context.Context, requestID string, policy PollPolicy) (SearchResult, error) {
	policy = policy.withDefaults()
	start := c.clock.Now()
	interval := policy.Interval
	polls := 0

	for {
		polls++
		result, err := c.PollResult(ctx, requestID)
		if err != nil {
			return SearchResult{}, err
		}
		if result.Status.Terminal() {
			return result, nil
		}

		elapsed := c.clock.Now().Sub(start)
		if elapsed+interval > policy.MaxTotalWait {
			err := fmt.Errorf("search %s still %s after %s: %w", requestID, result.Status, elapsed, ErrPollTimeout)
			c.recordPollTimeout(ctx, start, polls)
			return result, err
		}
		if err := c.clock.Sleep(ctx, interval); err != nil {
			return SearchResult{}, err
		}
		interval += interval / 2
		if interval > policy.MaxInterval {
			interval = policy.MaxInterval
		}
	}
}

func (c *Client) recordPollTimeout(ctx context.Context, start time.Time, polls int) {
	now := c.clock.Now()
	code := "poll_timeout"
	event := storage.TelemetryEvent{
		ID:        uuid.NewString(),
		Kind:      KindPollForResult,
		Scope:     string(FamilyPolling),
		Duration:  now.Sub(start),
		ErrorCode: &code,
		Attempts:  polls,
		Timestamp: now,
	}
	if tags := tagsFrom(ctx); tags.entityID != "" {
		entityID, tenantID := tags.entityID, tags.tenantID
		event.EntityID = &entityID
		if tenantID != "" {
			event.TenantID = &tenantID
		}
	}
	c.recorder.Record(event)
}

// SearchRequest is one entry of a batch submission.
type SearchRequest struct {
	Ref      string
	EntityID string
	TenantID string
}

// SearchBatch submits a search per reference under a bounded worker pool.
// Results are positional and carry per-reference errors.
func (c *Client) SearchBatch(ctx context.Context, refs []string) []BatchResult {
	reqs := make([]SearchRequest, len(refs))
	for i, ref := range refs {
		reqs[i] = SearchRequest{Ref: ref}
	}
	return c.SearchBatchFor(ctx, reqs)
}

// SearchBatchFor is SearchBatch with per-entity telemetry tags.
func (c *Client) SearchBatchFor(ctx context.Context, reqs []SearchRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.BatchLimit)

	for i, req := range reqs {
		g.Go(func() error {
			callCtx := gctx
			if req.EntityID != "" {
				callCtx = WithEntity(gctx, req.EntityID, req.TenantID)
			}
			id, err := c.SubmitSearch(callCtx, req.Ref)
			results[i] = BatchResult{Ref: req.Ref, RequestID: id, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Package queue is the submission and claiming surface over a runner.Store.
//
// Add validates and fans out submissions before touching the store. Next
// takes a fresh snapshot of open rows, lets the scheduler pick one, and claims
// it with a conditional update. When another instance wins the row first, the
// snapshot is retaken.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/metrics"
	"github.com/JakeFAU/toolrunner/internal/runner"
	"github.com/JakeFAU/toolrunner/internal/scheduler"
)

const defaultClaimAttempts = 3

// Options tunes claiming.
type Options struct {
	// MaxSameHost caps live claims per hostname across all instances.
	MaxSameHost int
	// Threshold is how long a claim stays live; zero means scheduler.ReprocessingThreshold.
	Threshold time.Duration
	// ClaimAttempts bounds re-snapshots after a lost claim race.
	ClaimAttempts int
}

// Queue validates submissions and hands out work.
type Queue struct {
	store    runner.Store
	registry runner.ToolRegistry
	clock    runner.Clock
	worker   runner.WorkerID
	opts     Options
	logger   *zap.Logger
}

// AddResult counts what a submission did to the store.
type AddResult struct {
	// Inserted is the number of new rows.
	Inserted int `json:"inserted"`
	// Merged is the number of pairs absorbed into an existing open row.
	Merged int `json:"merged"`
}

// New builds a Queue for the given worker identity.
func New(
	store runner.Store,
	registry runner.ToolRegistry,
	clock runner.Clock,
	worker runner.WorkerID,
	opts Options,
	logger *zap.Logger,
) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if worker == "" {
		return nil, errors.New("worker id is required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = scheduler.ReprocessingThreshold
	}
	if opts.ClaimAttempts <= 0 {
		opts.ClaimAttempts = defaultClaimAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:    store,
		registry: registry,
		clock:    clock,
		worker:   worker,
		opts:     opts,
		logger:   logger.Named("queue"),
	}, nil
}

// Worker returns the identity this queue claims rows as.
func (q *Queue) Worker() runner.WorkerID {
	return q.worker
}

// Add validates every (url, tool) combination of sub and stores each one.
// Nothing is written when any combination is invalid.
func (q *Queue) Add(ctx context.Context, sub Submission) (AddResult, error) {
	pending, err := q.expand(sub)
	if err != nil {
		return AddResult{}, err
	}
	var res AddResult
	for _, req := range pending {
		inserted, err := q.store.Insert(ctx, req)
		if err != nil {
			return res, fmt.Errorf("add %s for %s: %w", req.Tool, req.URL, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Merged++
		}
		metrics.ObserveSubmission(req.Tool, !inserted)
		q.logger.Debug("request queued",
			zap.String("url", req.URL),
			zap.String("tool", req.Tool),
			zap.Int("priority", req.Priority),
			zap.Bool("merged", !inserted),
		)
	}
	return res, nil
}

func (q *Queue) expand(sub Submission) ([]runner.NewRequest, error) {
	if len(sub.URL) == 0 || len(sub.Tool) == 0 {
		return nil, fmt.Errorf("%w: submission is missing url and/or tool", runner.ErrInvalidRequest)
	}
	priority := sub.Priority
	switch {
	case priority == 0:
		priority = runner.DefaultPriority
	case priority < 0:
		return nil, fmt.Errorf("%w: priority must be at least 1, got %d", runner.ErrInvalidRequest, priority)
	}

	for _, tool := range sub.Tool {
		if strings.TrimSpace(tool) == "" {
			return nil, fmt.Errorf("%w: tool must not be empty", runner.ErrInvalidRequest)
		}
		if !q.registry.IsValid(tool) {
			return nil, fmt.Errorf("%w: %s is either not a valid tool, or it is not installed", runner.ErrUnknownTool, tool)
		}
	}

	now := q.clock.Now()
	out := make([]runner.NewRequest, 0, len(sub.URL)*len(sub.Tool))
	seen := make(map[[2]string]struct{}, cap(out))
	for _, raw := range sub.URL {
		target, hostname, err := ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		for _, tool := range sub.Tool {
			key := [2]string{target, tool}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, runner.NewRequest{
				URL:        target,
				Hostname:   hostname,
				Tool:       tool,
				Priority:   priority,
				ReceivedAt: now,
			})
		}
	}
	return out, nil
}

// ParseTarget checks that raw is an absolute http(s) URL and returns it with
// its hostname.
func ParseTarget(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: url must not be empty", runner.ErrInvalidRequest)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed url %q: %w", runner.ErrInvalidRequest, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: url %q must use http or https", runner.ErrInvalidRequest, raw)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("%w: url %q has no host", runner.ErrInvalidRequest, raw)
	}
	return trimmed, strings.ToLower(u.Hostname()), nil
}

// Next claims the best eligible request for this worker. hintURL is the page
// the worker already has loaded. It returns false when nothing is eligible.
func (q *Queue) Next(ctx context.Context, hintURL string) (runner.Request, bool, error) {
	now := q.clock.Now()
	claimable, err := q.store.CountClaimable(ctx, now.Add(-q.opts.Threshold))
	if err != nil {
		return runner.Request{}, false, err
	}
	if claimable == 0 {
		return runner.Request{}, false, nil
	}

	for attempt := 1; attempt <= q.opts.ClaimAttempts; attempt++ {
		open, err := q.store.Open(ctx)
		if err != nil {
			return runner.Request{}, false, err
		}
		now = q.clock.Now()
		next, ok := scheduler.PickNext(open, q.worker, hintURL, now, scheduler.Options{
			MaxSameHost: q.opts.MaxSameHost,
			Threshold:   q.opts.Threshold,
		})
		if !ok {
			return runner.Request{}, false, nil
		}
		won, err := q.store.Claim(ctx, next.ID, q.worker, now, now.Add(-q.opts.Threshold))
		if err != nil {
			return runner.Request{}, false, err
		}
		if won {
			next.ProcessedAt = &now
			next.ProcessedBy = q.worker
			return next, true, nil
		}
		q.logger.Debug("claim lost to another worker",
			zap.Int64("request_id", next.ID),
			zap.Int("attempt", attempt),
		)
	}
	return runner.Request{}, false, nil
}

// Complete closes req. processingTime is nil for failed requests.
func (q *Queue) Complete(ctx context.Context, req runner.Request, processingTime *time.Duration) (bool, error) {
	return q.store.MarkAsCompleted(ctx, req.URL, req.Tool, q.clock.Now(), processingTime)
}

// UnassignedCount counts rows never claimed.
func (q *Queue) UnassignedCount(ctx context.Context) (int, error) {
	return q.store.NonAssignedCount(ctx)
}

// ClaimableCount counts rows a processor could claim now: never claimed, or
// claimed longer ago than the reprocessing threshold.
func (q *Queue) ClaimableCount(ctx context.Context) (int, error) {
	return q.store.CountClaimable(ctx, q.clock.Now().Add(-q.opts.Threshold))
}

// PendingCount counts claimed rows that have not completed.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

// AverageProcessingTimes returns per-tool means by priority tier.
func (q *Queue) AverageProcessingTimes(ctx context.Context) (runner.ProcessingTimes, error) {
	return q.store.AverageProcessingTimes(ctx)
}

// MatchingPending returns open rows whose url starts with prefix.
func (q *Queue) MatchingPending(ctx context.Context, prefix string) ([]runner.Request, error) {
	return q.store.MatchingURLPrefix(ctx, prefix)
}

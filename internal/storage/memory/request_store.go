// Package memory holds an in-process request store for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// RequestStore provides an in-memory request queue for development/testing.
type RequestStore struct {
	mu       sync.RWMutex
	nextID   int64
	requests map[int64]runner.Request
	// open indexes non-completed rows by url and tool.
	open map[openKey]int64
}

type openKey struct {
	url  string
	tool string
}

var _ runner.Store = (*RequestStore)(nil)

// NewRequestStore constructs a RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[int64]runner.Request),
		open:     make(map[openKey]int64),
	}
}

// Insert adds a request unless an open row for the pair exists, in which case
// its priority is raised.
func (s *RequestStore) Insert(_ context.Context, req runner.NewRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := openKey{url: req.URL, tool: req.Tool}
	if id, ok := s.open[key]; ok {
		existing := s.requests[id]
		if req.Priority > existing.Priority {
			existing.Priority = req.Priority
			s.requests[id] = existing
		}
		return false, nil
	}
	s.nextID++
	s.requests[s.nextID] = runner.Request{
		ID:         s.nextID,
		URL:        req.URL,
		Hostname:   req.Hostname,
		Tool:       req.Tool,
		Priority:   req.Priority,
		ReceivedAt: req.ReceivedAt,
	}
	s.open[key] = s.nextID
	return true, nil
}

// MarkAsProcessing tags a row as claimed regardless of its current state.
func (s *RequestStore) MarkAsProcessing(_ context.Context, id int64, worker runner.WorkerID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil
	}
	req.ProcessedAt = pointerTime(at)
	req.ProcessedBy = worker
	s.requests[id] = req
	return nil
}

// Claim tags a row as claimed if it is still open and unclaimed or stale.
func (s *RequestStore) Claim(_ context.Context, id int64, worker runner.WorkerID, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || !claimable(req, staleBefore) {
		return false, nil
	}
	req.ProcessedAt = pointerTime(at)
	req.ProcessedBy = worker
	s.requests[id] = req
	return true, nil
}

// MarkAsCompleted closes the open row for (url, tool).
func (s *RequestStore) MarkAsCompleted(
	_ context.Context,
	url, tool string,
	at time.Time,
	processingTime *time.Duration,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := openKey{url: url, tool: tool}
	id, ok := s.open[key]
	if !ok {
		return false, nil
	}
	req := s.requests[id]
	req.CompletedAt = pointerTime(at)
	if processingTime != nil {
		// Stored at millisecond precision, like the Postgres column.
		d := processingTime.Truncate(time.Millisecond)
		req.ProcessingTime = &d
	}
	s.requests[id] = req
	delete(s.open, key)
	return true, nil
}

// CountClaimable counts open rows that are unclaimed or stale.
func (s *RequestStore) CountClaimable(_ context.Context, staleBefore time.Time) (int, error) {
	return s.countWhere(func(r runner.Request) bool { return claimable(r, staleBefore) }), nil
}

// NonAssignedCount counts open rows never claimed.
func (s *RequestStore) NonAssignedCount(_ context.Context) (int, error) {
	return s.countWhere(func(r runner.Request) bool {
		return r.CompletedAt == nil && r.ProcessedAt == nil
	}), nil
}

// PendingCount counts claimed rows that have not completed.
func (s *RequestStore) PendingCount(_ context.Context) (int, error) {
	return s.countWhere(func(r runner.Request) bool {
		return r.CompletedAt == nil && r.ProcessedAt != nil
	}), nil
}

func (s *RequestStore) countWhere(match func(runner.Request) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.requests {
		if match(r) {
			n++
		}
	}
	return n
}

// Open returns every non-completed row, highest priority first.
func (s *RequestStore) Open(_ context.Context) ([]runner.Request, error) {
	out := s.openWhere(func(runner.Request) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MatchingURLPrefix returns open rows whose url starts with prefix.
func (s *RequestStore) MatchingURLPrefix(_ context.Context, prefix string) ([]runner.Request, error) {
	out := s.openWhere(func(r runner.Request) bool { return strings.HasPrefix(r.URL, prefix) })
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RequestStore) openWhere(match func(runner.Request) bool) []runner.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]runner.Request, 0, len(s.open))
	for _, id := range s.open {
		if r := s.requests[id]; match(r) {
			out = append(out, r)
		}
	}
	return out
}

// AverageProcessingTimes aggregates completed rows per tool and priority tier.
func (s *RequestStore) AverageProcessingTimes(_ context.Context) (runner.ProcessingTimes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var acc runner.AverageAccumulator
	for _, r := range s.requests {
		if r.CompletedAt == nil {
			continue
		}
		sum := runner.DurationSum{
			Completion:      r.CompletedAt.Sub(r.ReceivedAt),
			CompletionCount: 1,
		}
		if r.ProcessingTime != nil {
			sum.Processing = *r.ProcessingTime
			sum.ProcessingCount = 1
		}
		acc.Add(r.Tool, r.Priority > 1, sum)
	}
	return acc.Result(), nil
}

// Ping always succeeds.
func (s *RequestStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *RequestStore) Close() {}

func claimable(r runner.Request, staleBefore time.Time) bool {
	return r.CompletedAt == nil && (r.ProcessedAt == nil || r.ProcessedAt.Before(staleBefore))
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

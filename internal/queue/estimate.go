package queue

import (
	"context"
	"time"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// minRemaining is the floor applied to each pending request's estimate.
const minRemaining = time.Second

// ProjectStatus describes the open work under a URL prefix.
type ProjectStatus struct {
	Pending      bool           `json:"pending"`
	RequestCount int            `json:"requestCount"`
	TimeEstimate *time.Duration `json:"-"`
}

// ProjectStatus reports open requests under prefix and, when every involved
// tool has a completion average, how long they should take to finish.
func (q *Queue) ProjectStatus(ctx context.Context, prefix string) (ProjectStatus, error) {
	pending, err := q.MatchingPending(ctx, prefix)
	if err != nil {
		return ProjectStatus{}, err
	}
	status := ProjectStatus{Pending: len(pending) > 0, RequestCount: len(pending)}
	if len(pending) == 0 {
		zero := time.Duration(0)
		status.TimeEstimate = &zero
		return status, nil
	}
	times, err := q.AverageProcessingTimes(ctx)
	if err != nil {
		return status, err
	}
	status.TimeEstimate = EstimateRemaining(pending, times.Average, q.clock.Now())
	return status, nil
}

// EstimateRemaining sums, per request, the tool's mean completion latency minus
// the time already spent in the queue, floored at one second. It returns nil
// when a tool has no completion history.
func EstimateRemaining(pending []runner.Request, averages map[string]runner.AverageTimes, now time.Time) *time.Duration {
	var total time.Duration
	for _, req := range pending {
		avg, ok := averages[req.Tool]
		if !ok || avg.CompletionTime <= 0 {
			return nil
		}
		left := avg.CompletionTime - now.Sub(req.ReceivedAt)
		total += max(left, minRemaining)
	}
	return &total
}

// Package runner defines the core types and collaborator contracts shared by the
// queue, scheduler, worker, and dispatcher subsystems.
package runner

import (
	"encoding/json"
	"time"
)

// WorkerID identifies one running service instance. Claimed rows are tagged with
// it so an instance can recognize its own in-flight work.
type WorkerID string

// State is the lifecycle state derived from a request's timestamps.
type State string

// Request lifecycle states. None of them is persisted; they are recomputed from
// processed_at/processed_by/completed_at on every read.
const (
	StateUnassigned State = "unassigned"
	StateProcessing State = "processing"
	StateStale      State = "stale"
	StateCompleted  State = "completed"
)

// DefaultPriority is applied to submissions that do not specify one.
const DefaultPriority = 1

// Request is one queued (url, tool) unit of work.
type Request struct {
	ID             int64          `json:"id"`
	URL            string         `json:"url"`
	Hostname       string         `json:"hostname"`
	Tool           string         `json:"tool"`
	Priority       int            `json:"priority"`
	ReceivedAt     time.Time      `json:"received_at"`
	ProcessedAt    *time.Time     `json:"processed_at"`
	ProcessedBy    WorkerID       `json:"processed_by,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at"`
	ProcessingTime *time.Duration `json:"-"`
}

// MarshalJSON reports processing_time in milliseconds, matching the column.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	var ms *int64
	if r.ProcessingTime != nil {
		v := r.ProcessingTime.Milliseconds()
		ms = &v
	}
	return json.Marshal(struct {
		plain
		ProcessingTime *int64 `json:"processing_time"`
	}{plain: plain(r), ProcessingTime: ms})
}

// StateAt derives the lifecycle state at now. A claim older than threshold is
// reported as stale.
func (r Request) StateAt(now time.Time, threshold time.Duration) State {
	switch {
	case r.CompletedAt != nil:
		return StateCompleted
	case r.ProcessedAt == nil:
		return StateUnassigned
	case now.Sub(*r.ProcessedAt) > threshold:
		return StateStale
	default:
		return StateProcessing
	}
}

// NewRequest is a validated submission ready for insertion.
type NewRequest struct {
	URL        string
	Hostname   string
	Tool       string
	Priority   int
	ReceivedAt time.Time
}

// AverageTimes holds mean durations for completed requests of one tool.
type AverageTimes struct {
	ProcessingTime time.Duration `json:"-"`
	CompletionTime time.Duration `json:"-"`
}

// MarshalJSON reports both durations in milliseconds.
func (a AverageTimes) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int64{
		"processing_time": a.ProcessingTime.Milliseconds(),
		"completion_time": a.CompletionTime.Milliseconds(),
	})
}

// ProcessingTimes groups per-tool averages by priority tier.
type ProcessingTimes struct {
	LowPriority  map[string]AverageTimes `json:"lowPriority"`
	HighPriority map[string]AverageTimes `json:"highPriority"`
	Average      map[string]AverageTimes `json:"average"`
}

// NewProcessingTimes returns a value with all tiers initialized.
func NewProcessingTimes() ProcessingTimes {
	return ProcessingTimes{
		LowPriority:  map[string]AverageTimes{},
		HighPriority: map[string]AverageTimes{},
		Average:      map[string]AverageTimes{},
	}
}

// Result is one entry of a tool's output. The validator checks every entry
// against the struct tags before a request may complete successfully.
type Result struct {
	UniqueName      string     `json:"uniqueName" validate:"required"`
	Title           string     `json:"title" validate:"required"`
	Description     string     `json:"description" validate:"required"`
	Weight          float64    `json:"weight" validate:"gte=0,lte=1"`
	Score           float64    `json:"score" validate:"gte=0,lte=1"`
	Snippets        []string   `json:"snippets,omitempty"`
	Table           [][]string `json:"table,omitempty"`
	Recommendations []string   `json:"recommendations,omitempty" validate:"dive,required"`
}

package runner

import (
	"context"
	"io"
	"time"
)

// Store persists requests. It is the single source of truth for scheduling;
// nothing about a request's state is cached between calls.
type Store interface {
	// Insert adds a request unless an open row for the same (url, tool) exists,
	// in which case that row's priority is raised to max(existing, requested).
	// It reports whether a new row was inserted.
	Insert(ctx context.Context, req NewRequest) (bool, error)
	// MarkAsProcessing unconditionally tags a row as claimed by worker at the given time.
	MarkAsProcessing(ctx context.Context, id int64, worker WorkerID, at time.Time) error
	// Claim tags a row as claimed only if it is still open and either unclaimed or
	// claimed before staleBefore. It reports whether the claim won.
	Claim(ctx context.Context, id int64, worker WorkerID, at, staleBefore time.Time) (bool, error)
	// MarkAsCompleted closes the open row for (url, tool). A second call is a no-op
	// and reports false.
	MarkAsCompleted(ctx context.Context, url, tool string, at time.Time, processingTime *time.Duration) (bool, error)
	// CountClaimable counts open rows that are unclaimed or claimed before staleBefore.
	CountClaimable(ctx context.Context, staleBefore time.Time) (int, error)
	// Open returns every non-completed row.
	Open(ctx context.Context) ([]Request, error)
	// NonAssignedCount counts rows never claimed.
	NonAssignedCount(ctx context.Context) (int, error)
	// PendingCount counts claimed rows not yet completed.
	PendingCount(ctx context.Context) (int, error)
	// MatchingURLPrefix returns open rows whose url starts with prefix.
	MatchingURLPrefix(ctx context.Context, prefix string) ([]Request, error)
	// AverageProcessingTimes aggregates completed rows per tool and priority tier.
	AverageProcessingTimes(ctx context.Context) (ProcessingTimes, error)
	Ping(ctx context.Context) error
	Close()
}

// LoadOptions bounds a retrying navigation.
type LoadOptions struct {
	MaxAttempts int
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Page is one browser tab inside its own browser context.
type Page interface {
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs a JavaScript expression and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	// URL returns the current document location.
	URL(ctx context.Context) (string, error)
	// Close releases the tab and its browser context. It is safe to call twice.
	Close() error
}

// Browser grants pages under a global capacity limit.
type Browser interface {
	// LaunchPage opens a page in a fresh browser context. It fails fast with
	// ErrCapacityExhausted when no context or page slot is free.
	LaunchPage(ctx context.Context) (Page, error)
	// AvailableContextSpots reports how many more contexts may be opened.
	AvailableContextSpots(ctx context.Context) (int, error)
	// LoadURLWithRetries navigates page to url, retrying per opts.
	LoadURLWithRetries(ctx context.Context, page Page, url string, opts LoadOptions) error
	// CollectEvents routes the page's console/network events into c until the
	// next call replaces it.
	CollectEvents(page Page, c *EventCollector)
}

// ToolInput is everything a tool may use while it runs.
type ToolInput struct {
	Request Request
	Page    Page
	Events  *EventCollector
}

// Tool is one analysis routine run against a loaded page.
type Tool interface {
	Run(ctx context.Context) error
	Results() []Result
	Cleanup(ctx context.Context) error
}

// ToolFactory builds a tool instance for one run.
type ToolFactory func(input ToolInput) (Tool, error)

// ToolRegistry resolves tool identifiers.
type ToolRegistry interface {
	IsValid(name string) bool
	Lookup(name string) (ToolFactory, bool)
}

// ResultsValidator checks tool output; an empty slice means valid.
type ResultsValidator interface {
	CheckResults(results []Result) []string
}

// Notifier reports request outcomes. Implementations must not block the caller
// on delivery.
type Notifier interface {
	ToolSuccess(ctx context.Context, req Request, results []Result, processingTime time.Duration)
	ToolError(ctx context.Context, req Request, message string)
	DeveloperError(ctx context.Context, req Request, message string, detail error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

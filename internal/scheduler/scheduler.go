// Package scheduler picks the next request a worker should claim.
//
// Selection is a single scan over an in-memory snapshot of open requests:
//
//  1. Claims older than ReprocessingThreshold are treated as unclaimed.
//  2. Live claims are tallied per hostname, and the hostnames the calling
//     worker itself holds are recorded.
//  3. Candidates on a hostname held by the caller, or on a hostname whose
//     live-claim tally has reached the cap, are skipped.
//  4. The best remaining candidate wins: highest priority, then the row whose
//     url equals the hint, then the earliest received_at, then the lowest id.
//
// The hint only reorders rows of equal priority, so it never outranks a
// strictly higher-priority row on another url.
package scheduler

import (
	"time"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// ReprocessingThreshold is how long a claim stays live before the row becomes
// claimable again.
const ReprocessingThreshold = 2 * time.Minute

// Options tunes a selection.
type Options struct {
	// MaxSameHost caps live claims per hostname. Zero or less disables the cap.
	MaxSameHost int
	// Threshold overrides ReprocessingThreshold when positive.
	Threshold time.Duration
}

// PickNext returns the request worker should claim next, or false when no
// candidate is eligible. requests may contain completed rows and duplicates;
// both are tolerated.
func PickNext(
	requests []runner.Request,
	worker runner.WorkerID,
	hintURL string,
	now time.Time,
	opts Options,
) (runner.Request, bool) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = ReprocessingThreshold
	}
	staleBefore := now.Add(-threshold)

	inFlight := make(map[string]int)
	ownHosts := make(map[string]struct{})
	counted := make(map[int64]struct{})
	for i := range requests {
		r := &requests[i]
		if !isLive(r, staleBefore) {
			continue
		}
		if _, dup := counted[r.ID]; dup {
			continue
		}
		counted[r.ID] = struct{}{}
		inFlight[r.Hostname]++
		if worker != "" && r.ProcessedBy == worker {
			ownHosts[r.Hostname] = struct{}{}
		}
	}

	best := -1
	for i := range requests {
		r := &requests[i]
		if r.CompletedAt != nil || isLive(r, staleBefore) {
			continue
		}
		if _, own := ownHosts[r.Hostname]; own {
			continue
		}
		if opts.MaxSameHost > 0 && inFlight[r.Hostname] >= opts.MaxSameHost {
			continue
		}
		if best < 0 || better(r, &requests[best], hintURL) {
			best = i
		}
	}
	if best < 0 {
		return runner.Request{}, false
	}
	return requests[best], true
}

// isLive reports whether r is claimed and the claim has not gone stale.
func isLive(r *runner.Request, staleBefore time.Time) bool {
	return r.CompletedAt == nil && r.ProcessedAt != nil && !r.ProcessedAt.Before(staleBefore)
}

func better(a, b *runner.Request, hintURL string) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if hintURL != "" {
		aHit, bHit := a.URL == hintURL, b.URL == hintURL
		if aHit != bHit {
			return aHit
		}
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

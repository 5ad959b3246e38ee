package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

const (
	testCap    = 10
	selfWorker = runner.WorkerID("self-worker")
	peerWorker = runner.WorkerID("1a2b3c4d5e6f7g8h9i")
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// mockRequests builds count rows spread over hosts website-1..N, 100 rows per
// host. The first testCap rows of website-2 are claimed by a peer worker.
func mockRequests(count int) []runner.Request {
	requests := make([]runner.Request, 0, count)
	claimedAt := testNow
	for i := 0; i < count; i++ {
		hostname := fmt.Sprintf("website-%d", i/100+1)
		req := runner.Request{
			ID:         int64(i),
			URL:        fmt.Sprintf("https://%s/page-%d", hostname, i+1),
			Hostname:   hostname,
			Tool:       "tool-seo",
			Priority:   1,
			ReceivedAt: testNow,
		}
		if hostname == "website-2" && i < 100+testCap {
			req.ProcessedAt = &claimedAt
			req.ProcessedBy = peerWorker
		}
		requests = append(requests, req)
	}
	return requests
}

func pick(requests []runner.Request, hint string) (runner.Request, bool) {
	return PickNext(requests, selfWorker, hint, testNow, Options{MaxSameHost: testCap})
}

func TestPickNextReturnsFirstWithoutCriteria(t *testing.T) {
	t.Parallel()

	next, ok := pick(mockRequests(1000), "")
	require.True(t, ok)
	require.Equal(t, "https://website-1/page-1", next.URL)
}

func TestPickNextPrefersHintedURL(t *testing.T) {
	t.Parallel()

	next, ok := pick(mockRequests(1000), "https://website-1/page-4")
	require.True(t, ok)
	require.Equal(t, "https://website-1/page-4", next.URL)
}

func TestPickNextSkipsSaturatedHostEvenWhenHinted(t *testing.T) {
	t.Parallel()

	requests := mockRequests(1000)
	next, ok := pick(requests, "https://website-2/page-111")
	require.True(t, ok)
	require.Equal(t, "https://website-1/page-1", next.URL)

	for i := range requests {
		if requests[i].Hostname != "website-2" {
			requests[i].CompletedAt = &testNow
		}
	}
	_, ok = pick(requests, "")
	require.False(t, ok, "website-2 is at its cap so nothing is eligible")
}

func TestPickNextExcludesHostsHeldByCaller(t *testing.T) {
	t.Parallel()

	requests := mockRequests(1000)
	future := time.Date(3000, 2, 2, 2, 2, 2, 0, time.UTC)
	requests[0].ProcessedAt = &future
	requests[0].ProcessedBy = selfWorker

	next, ok := pick(requests, "")
	require.True(t, ok)
	require.Equal(t, "https://website-3/page-201", next.URL)

	other, ok := PickNext(requests, "another-worker", "", testNow, Options{MaxSameHost: testCap})
	require.True(t, ok)
	require.Equal(t, "https://website-1/page-2", other.URL)
}

func TestPickNextToleratesDuplicates(t *testing.T) {
	t.Parallel()

	requests := append(mockRequests(1000), mockRequests(1000)...)
	next, ok := pick(requests, "")
	require.True(t, ok)
	require.Equal(t, "https://website-1/page-1", next.URL)

	// Duplicated claims are tallied once, so a cap of 11 leaves website-2 open.
	only2 := make([]runner.Request, 0)
	for _, r := range requests {
		if r.Hostname == "website-2" {
			only2 = append(only2, r)
		}
	}
	next, ok = PickNext(only2, selfWorker, "", testNow, Options{MaxSameHost: testCap + 1})
	require.True(t, ok)
	require.Equal(t, "https://website-2/page-111", next.URL)
}

func TestPickNextOrdersByPriorityThenReceivedAt(t *testing.T) {
	t.Parallel()

	requests := []runner.Request{
		{ID: 1, URL: "https://a/1", Hostname: "a", Priority: 1, ReceivedAt: testNow.Add(-time.Hour)},
		{ID: 2, URL: "https://b/2", Hostname: "b", Priority: 5, ReceivedAt: testNow.Add(-time.Minute)},
		{ID: 3, URL: "https://c/3", Hostname: "c", Priority: 5, ReceivedAt: testNow.Add(-2 * time.Minute)},
		{ID: 4, URL: "https://d/4", Hostname: "d", Priority: 2, ReceivedAt: testNow.Add(-3 * time.Hour)},
	}

	next, ok := pick(requests, "")
	require.True(t, ok)
	require.Equal(t, int64(3), next.ID)

	for i := range requests {
		for j := range requests {
			if next.ID == requests[j].ID {
				continue
			}
			require.GreaterOrEqual(t, next.Priority, requests[j].Priority, "row %d", i)
		}
	}
}

func TestPickNextHintDoesNotBeatHigherPriority(t *testing.T) {
	t.Parallel()

	requests := []runner.Request{
		{ID: 1, URL: "https://a/page", Hostname: "a", Priority: 1, ReceivedAt: testNow.Add(-time.Hour)},
		{ID: 2, URL: "https://b/page", Hostname: "b", Priority: 3, ReceivedAt: testNow},
		{ID: 3, URL: "https://a/page", Hostname: "a", Priority: 3, ReceivedAt: testNow},
	}

	next, ok := pick(requests[:2], "https://a/page")
	require.True(t, ok)
	require.Equal(t, int64(2), next.ID)

	next, ok = pick(requests, "https://a/page")
	require.True(t, ok)
	require.Equal(t, int64(3), next.ID)
}

func TestPickNextReclaimsStaleRows(t *testing.T) {
	t.Parallel()

	stale := testNow.Add(-ReprocessingThreshold - time.Second)
	live := testNow.Add(-ReprocessingThreshold + time.Second)
	requests := []runner.Request{
		{ID: 1, URL: "https://a/1", Hostname: "a", Priority: 1, ReceivedAt: testNow, ProcessedAt: &live, ProcessedBy: peerWorker},
		{ID: 2, URL: "https://b/2", Hostname: "b", Priority: 1, ReceivedAt: testNow, ProcessedAt: &stale, ProcessedBy: peerWorker},
	}

	next, ok := pick(requests, "")
	require.True(t, ok)
	require.Equal(t, int64(2), next.ID)

	// A stale claim by the caller itself no longer blocks its hostname.
	requests[1].ProcessedBy = selfWorker
	next, ok = pick(requests, "")
	require.True(t, ok)
	require.Equal(t, int64(2), next.ID)
}

func TestPickNextSkipsCompletedAndAllowsUncapped(t *testing.T) {
	t.Parallel()

	requests := mockRequests(300)
	for i := 0; i < 100; i++ {
		requests[i].CompletedAt = &testNow
	}

	next, ok := PickNext(requests, selfWorker, "", testNow, Options{})
	require.True(t, ok)
	require.Equal(t, "https://website-2/page-111", next.URL)

	next, ok = PickNext(requests, selfWorker, "", testNow, Options{MaxSameHost: 1})
	require.True(t, ok)
	require.Equal(t, "https://website-3/page-201", next.URL)
}

func TestPickNextEmptySnapshot(t *testing.T) {
	t.Parallel()

	_, ok := pick(nil, "https://example.com")
	require.False(t, ok)
}

func TestPickNextScalesLinearly(t *testing.T) {
	if testing.Short() {
		t.Skip("large snapshot skipped in short mode")
	}
	t.Parallel()

	const count = 1_000_000
	requests := mockRequests(count)

	start := time.Now()
	next, ok := pick(requests, "")
	elapsed := time.Since(start)

	require.True(t, ok)
	require.Equal(t, "https://website-1/page-1", next.URL)
	perThousand := float64(elapsed.Microseconds()) / 1000 / (count / 1000)
	require.Less(t, perThousand, 1.0, "took %.4fms per 1000 requests (%s total)", perThousand, elapsed)
}

func BenchmarkPickNext(b *testing.B) {
	requests := mockRequests(100_000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := pick(requests, "https://website-7/page-650"); !ok {
			b.Fatal("expected a candidate")
		}
	}
}

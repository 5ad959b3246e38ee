package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/toolrunner/internal/runner"
	"github.com/JakeFAU/toolrunner/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticRegistry map[string]bool

func (r staticRegistry) IsValid(name string) bool { return r[name] }

func (r staticRegistry) Lookup(string) (runner.ToolFactory, bool) { return nil, false }

var registry = staticRegistry{"seo": true, "console": true}

func newQueue(t *testing.T, store runner.Store, worker runner.WorkerID, opts Options) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
	q, err := New(store, registry, clk, worker, opts, nil)
	require.NoError(t, err)
	return q, clk
}

func TestValuesDecodesStringListAndObject(t *testing.T) {
	t.Parallel()

	var sub Submission
	require.NoError(t, json.Unmarshal([]byte(`{"url":"https://a.test","tool":["seo","console"],"priority":2}`), &sub))
	require.Equal(t, Values{"https://a.test"}, sub.URL)
	require.Equal(t, Values{"seo", "console"}, sub.Tool)
	require.Equal(t, 2, sub.Priority)

	require.NoError(t, json.Unmarshal([]byte(`{"url":{"b":"https://b.test","a":"https://a.test"},"tool":"seo"}`), &sub))
	require.Equal(t, Values{"https://a.test", "https://b.test"}, sub.URL)

	err := json.Unmarshal([]byte(`{"url":42,"tool":"seo"}`), &sub)
	require.ErrorIs(t, err, runner.ErrInvalidRequest)
}

func TestAddFansOutAndDeduplicates(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	q, _ := newQueue(t, store, "w1", Options{})
	ctx := context.Background()

	res, err := q.Add(ctx, Submission{
		URL:  Values{"https://a.test/1", "https://b.test:8443/2"},
		Tool: Values{"seo", "console"},
	})
	require.NoError(t, err)
	require.Equal(t, AddResult{Inserted: 4}, res)

	res, err = q.Add(ctx, Submission{URL: Values{"https://a.test/1"}, Tool: Values{"seo"}, Priority: 5})
	require.NoError(t, err)
	require.Equal(t, AddResult{Merged: 1}, res)

	open, err := store.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 4)
	require.Equal(t, "https://a.test/1", open[0].URL)
	require.Equal(t, 5, open[0].Priority)
	for _, r := range open {
		if r.URL == "https://b.test:8443/2" {
			require.Equal(t, "b.test", r.Hostname)
		}
	}
}

func TestAddRejectsInvalidSubmissionsWithoutWriting(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	q, _ := newQueue(t, store, "w1", Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{name: "missing url", sub: Submission{Tool: Values{"seo"}}, want: runner.ErrInvalidRequest},
		{name: "missing tool", sub: Submission{URL: Values{"https://a.test"}}, want: runner.ErrInvalidRequest},
		{name: "relative url", sub: Submission{URL: Values{"/path"}, Tool: Values{"seo"}}, want: runner.ErrInvalidRequest},
		{name: "ftp url", sub: Submission{URL: Values{"ftp://a.test"}, Tool: Values{"seo"}}, want: runner.ErrInvalidRequest},
		{
			name: "one bad url in fan-out",
			sub:  Submission{URL: Values{"https://a.test", "::bad"}, Tool: Values{"seo"}},
			want: runner.ErrInvalidRequest,
		},
		{name: "negative priority", sub: Submission{URL: Values{"https://a.test"}, Tool: Values{"seo"}, Priority: -1}, want: runner.ErrInvalidRequest},
		{name: "unknown tool", sub: Submission{URL: Values{"https://a.test"}, Tool: Values{"seo", "lighthouse"}}, want: runner.ErrUnknownTool},
	}
	for _, tc := range tests {
		_, err := q.Add(ctx, tc.sub)
		require.ErrorIs(t, err, tc.want, tc.name)
	}

	n, err := store.NonAssignedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNextClaimsAndHonoursHint(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	q, clk := newQueue(t, store, "w1", Options{MaxSameHost: 10})
	ctx := context.Background()

	_, err := q.Add(ctx, Submission{URL: Values{"https://a.test/1"}, Tool: Values{"seo"}})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = q.Add(ctx, Submission{URL: Values{"https://b.test/1"}, Tool: Values{"seo", "console"}})
	require.NoError(t, err)

	next, ok, err := q.Next(ctx, "https://b.test/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://b.test/1", next.URL)
	require.Equal(t, runner.WorkerID("w1"), next.ProcessedBy)
	require.NotNil(t, next.ProcessedAt)

	// b.test is now held by w1, so the sibling tool on the same page waits.
	next, ok, err = q.Next(ctx, "https://b.test/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://a.test/1", next.URL)

	_, ok, err = q.Next(ctx, "")
	require.NoError(t, err)
	require.False(t, ok)

	pending, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)
}

func TestNextReclaimsStaleWork(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	crashed, clk := newQueue(t, store, "crashed", Options{})
	ctx := context.Background()

	_, err := crashed.Add(ctx, Submission{URL: Values{"https://a.test/1"}, Tool: Values{"seo"}})
	require.NoError(t, err)
	_, ok, err := crashed.Next(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)

	survivor, err := New(store, registry, clk, "survivor", Options{}, nil)
	require.NoError(t, err)
	_, ok, err = survivor.Next(ctx, "")
	require.NoError(t, err)
	require.False(t, ok)

	claimable, err := survivor.ClaimableCount(ctx)
	require.NoError(t, err)
	require.Zero(t, claimable)

	clk.Advance(2*time.Minute + time.Second)
	claimable, err = survivor.ClaimableCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimable, "a stale claim counts as claimable work")
	unassigned, err := survivor.UnassignedCount(ctx)
	require.NoError(t, err)
	require.Zero(t, unassigned)

	next, ok, err := survivor.Next(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, runner.WorkerID("survivor"), next.ProcessedBy)

	done, err := survivor.Complete(ctx, next, nil)
	require.NoError(t, err)
	require.True(t, done)
	done, err = crashed.Complete(ctx, next, nil)
	require.NoError(t, err)
	require.False(t, done)
}

// racingStore loses the first claim to simulate another instance.
type racingStore struct {
	*memory.RequestStore
	mu     sync.Mutex
	stolen bool
}

func (s *racingStore) Claim(ctx context.Context, id int64, worker runner.WorkerID, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	steal := !s.stolen
	s.stolen = true
	s.mu.Unlock()
	if steal {
		if _, err := s.RequestStore.Claim(ctx, id, "thief", at, staleBefore); err != nil {
			return false, err
		}
	}
	return s.RequestStore.Claim(ctx, id, worker, at, staleBefore)
}

func TestNextRetriesAfterLostRace(t *testing.T) {
	t.Parallel()

	store := &racingStore{RequestStore: memory.NewRequestStore()}
	q, _ := newQueue(t, store, "w1", Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, Submission{URL: Values{"https://a.test/1", "https://b.test/1"}, Tool: Values{"seo"}})
	require.NoError(t, err)

	next, ok, err := q.Next(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://b.test/1", next.URL)
}

type brokenStore struct {
	*memory.RequestStore
}

func (brokenStore) CountClaimable(context.Context, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func TestNextPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, brokenStore{memory.NewRequestStore()}, "w1", Options{})
	_, _, err := q.Next(context.Background(), "")
	require.ErrorContains(t, err, "db down")
}

func TestProjectStatusEstimate(t *testing.T) {
	t.Parallel()

	store := memory.NewRequestStore()
	q, clk := newQueue(t, store, "w1", Options{})
	ctx := context.Background()

	_, err := q.Add(ctx, Submission{URL: Values{"https://a.test/done"}, Tool: Values{"seo"}})
	require.NoError(t, err)
	clk.Advance(10 * time.Second)
	took := 4 * time.Second
	_, err = store.MarkAsCompleted(ctx, "https://a.test/done", "seo", clk.Now(), &took)
	require.NoError(t, err)

	status, err := q.ProjectStatus(ctx, "https://a.test/")
	require.NoError(t, err)
	require.False(t, status.Pending)
	require.Equal(t, time.Duration(0), *status.TimeEstimate)

	_, err = q.Add(ctx, Submission{URL: Values{"https://a.test/1", "https://a.test/2"}, Tool: Values{"seo"}})
	require.NoError(t, err)
	clk.Advance(3 * time.Second)
	status, err = q.ProjectStatus(ctx, "https://a.test/")
	require.NoError(t, err)
	require.True(t, status.Pending)
	require.Equal(t, 2, status.RequestCount)
	require.Equal(t, 14*time.Second, *status.TimeEstimate)

	_, err = q.Add(ctx, Submission{URL: Values{"https://a.test/3"}, Tool: Values{"console"}})
	require.NoError(t, err)
	status, err = q.ProjectStatus(ctx, "https://a.test/")
	require.NoError(t, err)
	require.Nil(t, status.TimeEstimate, "console has no history")
}

func TestEstimateRemainingFloorsAtOneSecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pending := []runner.Request{{Tool: "seo", ReceivedAt: now.Add(-time.Hour)}}
	got := EstimateRemaining(pending, map[string]runner.AverageTimes{"seo": {CompletionTime: time.Minute}}, now)
	require.NotNil(t, got)
	require.Equal(t, time.Second, *got)
}

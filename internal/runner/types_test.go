package runner

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestStateAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	old := now.Add(-3 * time.Minute)

	tests := []struct {
		name string
		req  Request
		want State
	}{
		{name: "unassigned", req: Request{}, want: StateUnassigned},
		{name: "processing", req: Request{ProcessedAt: &recent, ProcessedBy: "w"}, want: StateProcessing},
		{name: "stale", req: Request{ProcessedAt: &old, ProcessedBy: "w"}, want: StateStale},
		{name: "completed wins", req: Request{ProcessedAt: &old, CompletedAt: &now}, want: StateCompleted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.req.StateAt(now, 2*time.Minute))
		})
	}
}

func TestRequestMarshalProcessingTimeMillis(t *testing.T) {
	t.Parallel()

	d := 1500 * time.Millisecond
	raw, err := json.Marshal(Request{ID: 7, URL: "https://example.com", ProcessingTime: &d})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.InDelta(t, 1500, decoded["processing_time"], 0)
	require.InDelta(t, 7, decoded["id"], 0)

	raw, err = json.Marshal(Request{ID: 8})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"processing_time":null`)
}

func TestRequestErrorClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	err := NewRequestError(ErrPageLoad, "could not load", cause)
	require.ErrorIs(t, err, ErrPageLoad)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "could not load: net::ERR_NAME_NOT_RESOLVED", err.Error())

	verr := &ValidationError{Violations: []string{"a", "b"}}
	require.ErrorIs(t, verr, ErrResultValidation)
	require.Contains(t, verr.Error(), "2 result violation(s)")
}

func TestEventCollectorSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	c := NewEventCollector()
	c.AddError("boom")
	c.AddWarning("careful")
	c.AddOther("hello")

	snap := c.Snapshot()
	c.AddError("later")

	require.Equal(t, []string{"boom"}, snap.Errors)
	require.Equal(t, []string{"careful"}, snap.Warnings)
	require.Equal(t, []string{"hello"}, snap.Others)
	require.Len(t, c.Snapshot().Errors, 2)
}

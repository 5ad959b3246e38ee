package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/toolrunner/internal/publisher/memory"
	"github.com/JakeFAU/toolrunner/internal/runner"
)

var testRequest = runner.Request{ID: 7, URL: "https://a.test/page", Hostname: "a.test", Tool: "seo", Priority: 1}

// recorder is a webhook endpoint that answers with a scripted list of statuses.
type recorder struct {
	mu       sync.Mutex
	statuses []int
	forms    []url.Values
	headers  []http.Header
	calls    atomic.Int32
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := int(r.calls.Add(1))
	_ = req.ParseForm()
	r.mu.Lock()
	r.forms = append(r.forms, req.PostForm)
	r.headers = append(r.headers, req.Header.Clone())
	status := http.StatusOK
	if n <= len(r.statuses) {
		status = r.statuses[n-1]
	}
	r.mu.Unlock()
	w.WriteHeader(status)
}

func (r *recorder) Forms() []url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]url.Values(nil), r.forms...)
}

func (r *recorder) Headers() []http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]http.Header(nil), r.headers...)
}

func newDispatcher(t *testing.T, srv *httptest.Server, cfg Config) *Dispatcher {
	t.Helper()
	cfg.URL = srv.URL
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	d := New(cfg, srv.Client(), nil, nil)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestDeliverSuccessPayload(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := newDispatcher(t, srv, Config{})

	ev := SuccessEvent(testRequest, []runner.Result{{UniqueName: "seo-title", Title: "Title", Description: "d", Score: 1}}, 1500*time.Millisecond)
	ev.ID = "delivery-1"
	require.NoError(t, d.Deliver(context.Background(), ev))

	forms := rec.Forms()
	require.Len(t, forms, 1)
	form := forms[0]
	require.Equal(t, "toolSuccess", form.Get("type"))
	require.Equal(t, "true", form.Get("success"))
	require.Equal(t, "1500", form.Get("processingTime"))

	var req map[string]any
	require.NoError(t, json.Unmarshal([]byte(form.Get("request")), &req))
	require.Equal(t, "https://a.test/page", req["url"])
	var results []runner.Result
	require.NoError(t, json.Unmarshal([]byte(form.Get("results")), &results))
	require.Equal(t, "seo-title", results[0].UniqueName)

	headers := rec.Headers()
	require.Equal(t, "application/x-www-form-urlencoded", headers[0].Get("Content-Type"))
	require.Equal(t, "delivery-1", headers[0].Get(DeliveryHeader))
}

func TestEventForms(t *testing.T) {
	t.Parallel()

	form, err := ErrorEvent(testRequest, "could not load").Form()
	require.NoError(t, err)
	require.Equal(t, "toolError", form.Get("type"))
	require.Equal(t, "false", form.Get("success"))
	require.Equal(t, "could not load", form.Get("error"))
	require.False(t, form.Has("results"))

	form, err = DeveloperEvent(testRequest, "tool crashed", errors.New("nil pointer")).Form()
	require.NoError(t, err)
	require.Equal(t, "developerError", form.Get("type"))
	require.False(t, form.Has("success"))
	require.Equal(t, "tool crashed", form.Get("message"))
	require.Equal(t, "nil pointer", form.Get("error"))

	form, err = DeveloperEvent(testRequest, "no detail", nil).Form()
	require.NoError(t, err)
	require.False(t, form.Has("error"))

	form, err = SuccessEvent(testRequest, nil, 0).Form()
	require.NoError(t, err)
	require.Equal(t, "[]", form.Get("results"))
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := newDispatcher(t, srv, Config{MaxAttempts: 3})

	require.NoError(t, d.Deliver(context.Background(), ErrorEvent(testRequest, "x")))
	require.EqualValues(t, 3, rec.calls.Load())
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := newDispatcher(t, srv, Config{MaxAttempts: 3})

	err := d.Deliver(context.Background(), ErrorEvent(testRequest, "x"))
	require.ErrorIs(t, err, runner.ErrNotificationDelivery)
	require.EqualValues(t, 3, rec.calls.Load())
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := newDispatcher(t, srv, Config{MaxAttempts: 3})

	err := d.Deliver(context.Background(), ErrorEvent(testRequest, "x"))
	require.ErrorIs(t, err, runner.ErrNotificationDelivery)
	require.ErrorContains(t, err, "400")
	require.EqualValues(t, 1, rec.calls.Load())
}

func TestDeliverRetriesTimeouts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	d := newDispatcher(t, srv, Config{MaxAttempts: 2, Timeout: 50 * time.Millisecond})

	require.NoError(t, d.Deliver(context.Background(), ErrorEvent(testRequest, "x")))
	require.EqualValues(t, 2, calls.Load())
}

func TestDeliverBacksOffLinearly(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: []int{500, 500}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := newDispatcher(t, srv, Config{MaxAttempts: 3, BaseDelay: 40 * time.Millisecond})

	start := time.Now()
	require.NoError(t, d.Deliver(context.Background(), ErrorEvent(testRequest, "x")))
	// 40ms after the first attempt, 80ms after the second.
	require.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestUnconfiguredWebhookIsDropped(t *testing.T) {
	t.Parallel()

	d := New(Config{}, nil, nil, nil)
	err := d.Deliver(context.Background(), ErrorEvent(testRequest, "x"))
	require.ErrorIs(t, err, runner.ErrNotificationDelivery)

	d.ToolError(context.Background(), testRequest, "x")
	require.NoError(t, d.Close(context.Background()))
}

func TestNotifierIsAsynchronousAndMirrors(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mirror := memory.New()
	d := New(Config{URL: srv.URL}, srv.Client(), mirror, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.ToolError(ctx, testRequest, "page failed")
	d.DeveloperError(ctx, testRequest, "page failed", errors.New("boom"))
	cancel()
	require.Zero(t, calls.Load(), "notifier must not block the caller")

	close(release)
	require.NoError(t, d.Close(context.Background()))
	require.EqualValues(t, 2, calls.Load(), "caller cancellation must not abort delivery")

	msgs := mirror.Messages()
	require.Len(t, msgs, 2)
	kinds := map[string]bool{}
	for _, m := range msgs {
		kinds[m.Attributes["type"]] = true
		require.Equal(t, "seo", m.Attributes["tool"])
		require.NotEmpty(t, m.Attributes["delivery_id"])
		var ev Event
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		require.Equal(t, testRequest.URL, ev.Request.URL)
	}
	require.True(t, kinds["toolError"] && kinds["developerError"])

	d.ToolSuccess(context.Background(), testRequest, nil, time.Second)
	require.Len(t, mirror.Messages(), 2, "closed dispatcher drops new notifications")
}

func TestCloseCutsBackoffShort(t *testing.T) {
	t.Parallel()

	rec := &recorder{statuses: []int{500, 500, 500}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	d := New(Config{URL: srv.URL, MaxAttempts: 3, BaseDelay: time.Hour}, srv.Client(), nil, nil)

	d.ToolError(context.Background(), testRequest, "x")
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.EqualValues(t, 1, rec.calls.Load())
}

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// chromePage is a chromedp tab bound to its own browser context.
type chromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	collector atomic.Pointer[runner.EventCollector]

	mu       sync.Mutex
	urls     map[network.RequestID]string
	inflight map[network.RequestID]struct{}
	status   int64

	closeOnce sync.Once
}

var _ runner.Page = (*chromePage)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, release func()) *chromePage {
	return &chromePage{
		ctx:      ctx,
		cancel:   cancel,
		release:  release,
		urls:     make(map[network.RequestID]string),
		inflight: make(map[network.RequestID]struct{}),
	}
}

// run executes actions on the tab, bounded by the caller's ctx as well as the tab's life.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// HTML returns the serialized document element.
func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

// Evaluate runs expression in the page, awaiting it when it yields a promise.
func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	await := func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithAwaitPromise(true)
	}
	if err := p.run(ctx, chromedp.Evaluate(expression, out, await)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// URL returns the document location.
func (p *chromePage) URL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

// Close closes the tab, disposes its browser context, and frees the slot.
func (p *chromePage) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.release()
	})
	return nil
}

// resetNavigation forgets request bookkeeping from the previous navigation.
func (p *chromePage) resetNavigation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.urls)
	clear(p.inflight)
	p.status = 0
}

// documentStatus is the HTTP status of the last main-frame document response.
func (p *chromePage) documentStatus() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *chromePage) inflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// mainFrame reports whether frame is the tab's top-level frame. A page
// target's main frame shares its target id.
func (p *chromePage) mainFrame(frame cdp.FrameID) bool {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return true
	}
	return string(frame) == string(c.Target.TargetID)
}

// handleEvent runs on chromedp's event goroutine and must not block.
func (p *chromePage) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		p.urls[e.RequestID] = e.Request.URL
		p.inflight[e.RequestID] = struct{}{}
		p.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Type == network.ResourceTypeDocument && e.Response != nil && p.mainFrame(e.FrameID) {
			p.mu.Lock()
			p.status = e.Response.Status
			p.mu.Unlock()
		}
	case *network.EventLoadingFinished:
		p.mu.Lock()
		delete(p.inflight, e.RequestID)
		p.mu.Unlock()
	case *network.EventLoadingFailed:
		p.mu.Lock()
		url := p.urls[e.RequestID]
		delete(p.inflight, e.RequestID)
		p.mu.Unlock()
		if c := p.collector.Load(); c != nil && !e.Canceled {
			c.AddError(strings.TrimSpace(e.ErrorText + " " + url))
		}
	case *runtime.EventConsoleAPICalled:
		if c := p.collector.Load(); c != nil {
			recordConsole(c, e.Type, consoleText(e.Args))
		}
	case *runtime.EventExceptionThrown:
		if c := p.collector.Load(); c != nil {
			c.AddError(exceptionText(e.ExceptionDetails))
		}
	}
}

// recordConsole files a console call by severity.
func recordConsole(c *runner.EventCollector, kind runtime.APIType, text string) {
	switch kind {
	case runtime.APITypeError, runtime.APITypeAssert:
		c.AddError(text)
	case runtime.APITypeWarning:
		c.AddWarning(text)
	default:
		c.AddOther(text)
	}
}

// consoleText joins console arguments the way a devtools console prints them.
func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		parts = append(parts, remoteObjectText(arg))
	}
	return strings.Join(parts, " ")
}

func remoteObjectText(obj *runtime.RemoteObject) string {
	if len(obj.Value) > 0 {
		if obj.Type == runtime.TypeString {
			var s string
			if err := json.Unmarshal([]byte(obj.Value), &s); err == nil {
				return s
			}
		}
		return string(obj.Value)
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

func exceptionText(details *runtime.ExceptionDetails) string {
	if details == nil {
		return "uncaught exception"
	}
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}

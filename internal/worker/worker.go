// Package worker implements the Processor: one browser page bound to a loop
// that claims requests, runs their tool, and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/metrics"
	"github.com/JakeFAU/toolrunner/internal/runner"
)

// User-facing failure messages.
const (
	MessageInvalidResults = "The tool's results were invalid. This error will be reported to the tool's developer automatically."
	MessageToolError      = "An error has occured while running the tool on your page. This error will be reported to the tool's developer automatically."
	MessagePageLoad       = "The page could not be loaded."
)

// completionTimeout bounds the bookkeeping after a run, which is detached from
// the processor's context so that shutdown does not lose finished work.
const completionTimeout = 15 * time.Second

// State is a processor's lifecycle position.
type State int32

// Processor states.
const (
	StateUninitialized State = iota
	StateReady
	StateClaiming
	StateLoading
	StateRunning
	StateCompleting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClaiming:
		return "claiming"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateCompleting:
		return "completing"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Queue is the claiming surface a processor pulls from.
type Queue interface {
	Next(ctx context.Context, hintURL string) (runner.Request, bool, error)
	Complete(ctx context.Context, req runner.Request, processingTime *time.Duration) (bool, error)
}

// Archiver keeps a durable copy of outcomes.
type Archiver interface {
	Success(ctx context.Context, req runner.Request, results []runner.Result, took time.Duration) (string, error)
	Failure(ctx context.Context, req runner.Request, message string) (string, error)
}

// Owner is told when a processor destroys itself.
type Owner interface {
	Kill(p *Processor)
}

// Dependencies are the collaborators a processor uses. Archiver and Owner are optional.
type Dependencies struct {
	Queue     Queue
	Browser   runner.Browser
	Registry  runner.ToolRegistry
	Validator runner.ResultsValidator
	Notifier  runner.Notifier
	Archiver  Archiver
	Clock     runner.Clock
	Owner     Owner
}

// Config controls a processor.
type Config struct {
	Load runner.LoadOptions
}

// Processor runs requests one at a time on a single page.
type Processor struct {
	id     int
	deps   Dependencies
	cfg    Config
	logger *zap.Logger

	state atomic.Int32

	mu        sync.Mutex
	page      runner.Page
	destroyed bool

	events         *runner.EventCollector
	previous       *runner.Request
	previousFailed bool
}

// New builds a processor. It does nothing until Run is called.
func New(id int, deps Dependencies, cfg Config, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Browser == nil:
		return nil, errors.New("browser is required")
	case deps.Registry == nil:
		return nil, errors.New("tool registry is required")
	case deps.Validator == nil:
		return nil, errors.New("results validator is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("processor", id)),
	}, nil
}

// ID returns the processor's sequence number.
func (p *Processor) ID() int {
	return p.id
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// setState moves to s unless the processor has been destroyed.
func (p *Processor) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateDestroyed || p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Run acquires a page and processes requests until none remain or ctx ends.
// Then it destroys itself and tells its owner.
func (p *Processor) Run(ctx context.Context) {
	defer p.selfDestroy()

	page, err := p.deps.Browser.LaunchPage(ctx)
	if err != nil {
		if errors.Is(err, runner.ErrCapacityExhausted) {
			p.logger.Debug("no browser capacity, processor aborted", zap.Error(err))
		} else {
			p.logger.Error("launch page failed", zap.Error(err))
		}
		return
	}
	if !p.attach(page) {
		return
	}
	metrics.IncActiveProcessors()
	defer metrics.DecActiveProcessors()

	p.events = runner.NewEventCollector()
	p.deps.Browser.CollectEvents(page, p.events)
	p.setState(StateReady)
	p.logger.Debug("processor ready")

	for ctx.Err() == nil {
		p.setState(StateClaiming)
		req, ok, err := p.deps.Queue.Next(ctx, p.hint())
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("claim next request failed", zap.Error(err))
			}
			return
		}
		if !ok {
			p.logger.Debug("no eligible request left")
			return
		}
		p.process(ctx, page, req)
		p.setState(StateReady)
	}
}

// attach stores page unless the processor was destroyed while launching.
func (p *Processor) attach(page runner.Page) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		_ = page.Close()
		return false
	}
	p.page = page
	return true
}

func (p *Processor) hint() string {
	if p.previous == nil {
		return ""
	}
	return p.previous.URL
}

// needsLoad reports whether req requires a fresh navigation. A failed request
// may have left the page in any state, so it always forces one.
func (p *Processor) needsLoad(req runner.Request) bool {
	return p.previous == nil || p.previousFailed || p.previous.URL != req.URL
}

func (p *Processor) process(ctx context.Context, page runner.Page, req runner.Request) {
	start := p.deps.Clock.Now()
	log := p.logger.With(
		zap.Int64("request_id", req.ID),
		zap.String("url", req.URL),
		zap.String("tool", req.Tool),
	)
	log.Info("processing request")

	if p.needsLoad(req) {
		p.events = runner.NewEventCollector()
		p.deps.Browser.CollectEvents(page, p.events)

		p.setState(StateLoading)
		if err := p.deps.Browser.LoadURLWithRetries(ctx, page, req.URL, p.cfg.Load); err != nil {
			if ctx.Err() != nil {
				p.abandon(log, req)
				return
			}
			metrics.ObservePageLoad(req.URL, "failure")
			p.fail(ctx, log, req, pageLoadMessage(err), err)
			return
		}
		metrics.ObservePageLoad(req.URL, "success")
	}

	p.setState(StateRunning)
	results, err := p.runTool(ctx, log, page, req)
	if err != nil {
		if ctx.Err() != nil {
			p.abandon(log, req)
			return
		}
		var reqErr *runner.RequestError
		message := MessageToolError
		if errors.As(err, &reqErr) {
			message = reqErr.Message
		}
		p.fail(ctx, log, req, message, err)
		return
	}
	p.complete(ctx, log, req, results, p.deps.Clock.Now().Sub(start))
}

// runTool builds, runs, validates, and cleans up the request's tool. Cleanup
// failures are reported to the developer and do not fail the request.
func (p *Processor) runTool(ctx context.Context, log *zap.Logger, page runner.Page, req runner.Request) ([]runner.Result, error) {
	factory, ok := p.deps.Registry.Lookup(req.Tool)
	if !ok {
		return nil, runner.NewRequestError(runner.ErrToolExecution, MessageToolError,
			fmt.Errorf("%w: %s", runner.ErrUnknownTool, req.Tool))
	}

	var tool runner.Tool
	err := guard(func() error {
		var err error
		tool, err = factory(runner.ToolInput{Request: req, Page: page, Events: p.events})
		return err
	})
	if err == nil && tool == nil {
		err = errors.New("tool factory returned no tool")
	}
	if err != nil {
		return nil, runner.NewRequestError(runner.ErrToolExecution, MessageToolError, fmt.Errorf("construct tool: %w", err))
	}

	if err := guard(func() error { return tool.Run(ctx) }); err != nil {
		return nil, runner.NewRequestError(runner.ErrToolExecution, MessageToolError, err)
	}

	var results []runner.Result
	if err := guard(func() error { results = tool.Results(); return nil }); err != nil {
		return nil, runner.NewRequestError(runner.ErrToolExecution, MessageToolError, err)
	}
	if violations := p.deps.Validator.CheckResults(results); len(violations) > 0 {
		return nil, runner.NewRequestError(runner.ErrResultValidation, MessageInvalidResults,
			&runner.ValidationError{Violations: violations})
	}

	if err := guard(func() error { return tool.Cleanup(ctx) }); err != nil {
		log.Warn("tool cleanup failed", zap.Error(err))
		p.deps.Notifier.DeveloperError(ctx, req, err.Error(), fmt.Errorf("%w: %w", runner.ErrCleanup, err))
	}
	return results, nil
}

func (p *Processor) complete(ctx context.Context, log *zap.Logger, req runner.Request, results []runner.Result, took time.Duration) {
	p.setState(StateCompleting)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	if _, err := p.deps.Queue.Complete(ctx, req, &took); err != nil {
		log.Error("mark request completed failed", zap.Error(err))
	}
	p.deps.Notifier.ToolSuccess(ctx, req, results, took)
	if p.deps.Archiver != nil {
		if _, err := p.deps.Archiver.Success(ctx, req, results, took); err != nil {
			log.Warn("archive results failed", zap.Error(err))
		}
	}
	metrics.ObserveCompletion(req.Tool, true, took)
	log.Info("request completed", zap.Duration("processing_time", took))

	p.previous = &req
	p.previousFailed = false
}

// fail closes req without a processing time and notifies both the submitter
// and the tool's developer.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, req runner.Request, message string, detail error) {
	p.setState(StateCompleting)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	if _, err := p.deps.Queue.Complete(ctx, req, nil); err != nil {
		log.Error("mark request completed failed", zap.Error(err))
	}
	p.deps.Notifier.ToolError(ctx, req, message)
	p.deps.Notifier.DeveloperError(ctx, req, message, detail)
	if p.deps.Archiver != nil {
		if _, err := p.deps.Archiver.Failure(ctx, req, message); err != nil {
			log.Warn("archive failure failed", zap.Error(err))
		}
	}
	metrics.ObserveCompletion(req.Tool, false, 0)
	log.Error("request failed", zap.String("message", message), zap.Error(detail))

	p.previous = &req
	p.previousFailed = true
}

// abandon leaves req claimed after a shutdown interrupted it. The claim goes
// stale and another worker picks the request up again.
func (p *Processor) abandon(log *zap.Logger, req runner.Request) {
	log.Warn("request abandoned on shutdown")
	p.previous = &req
	p.previousFailed = true
}

// Destroy releases the page. It is safe to call more than once and from any goroutine.
func (p *Processor) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.state.Store(int32(StateDestroyed))
	if p.page != nil {
		if err := p.page.Close(); err != nil {
			p.logger.Warn("close page failed", zap.Error(err))
		}
	}
}

func (p *Processor) selfDestroy() {
	p.Destroy()
	if p.deps.Owner != nil {
		p.deps.Owner.Kill(p)
	}
}

func pageLoadMessage(err error) string {
	var reqErr *runner.RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}
	return MessagePageLoad
}

// guard turns a panic in tool code into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Package browser grants isolated Chrome pages to workers through chromedp.
//
// Every page lives in its own browser context, so cookies and storage never
// leak between requests. Capacity is a pair of counters compared on launch;
// a launch over either limit fails immediately with runner.ErrCapacityExhausted.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Config controls the browser and its capacity.
type Config struct {
	MaxConcurrentPages    int
	MaxConcurrentContexts int
	Headless              bool
	NoSandbox             bool
	UserAgent             string
	ViewportWidth         int64
	ViewportHeight        int64
	// RemoteURL connects to an already running Chrome DevTools endpoint
	// instead of launching a local process.
	RemoteURL string
	// StartTimeout bounds the first connection to the browser.
	StartTimeout time.Duration
}

// Manager owns the browser process and hands out pages.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	startMu       sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	contexts int
	pages    int
	closed   bool
}

var _ runner.Browser = (*Manager)(nil)

// New prepares a Manager. Chrome is started lazily on the first launch.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxConcurrentPages <= 0 {
		return nil, fmt.Errorf("max concurrent pages must be > 0")
	}
	if cfg.MaxConcurrentContexts <= 0 {
		cfg.MaxConcurrentContexts = cfg.MaxConcurrentPages
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1920, 1080
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-web-security", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("no-sandbox", cfg.NoSandbox),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &Manager{
		cfg:         cfg,
		logger:      logger.Named("browser"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// ensureBrowser starts Chrome when it is not running, or restarts it after a crash.
func (m *Manager) ensureBrowser(ctx context.Context) (context.Context, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.browserCtx != nil && m.browserCtx.Err() == nil {
		return m.browserCtx, nil
	}
	browserCtx, browserCancel := chromedp.NewContext(m.allocCtx)

	startCtx, cancel := context.WithTimeout(browserCtx, m.cfg.StartTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	m.browserCtx, m.browserCancel = browserCtx, browserCancel
	m.logger.Info("browser started",
		zap.Duration("startup_time", time.Since(start)),
		zap.Bool("remote", m.cfg.RemoteURL != ""),
	)
	return browserCtx, nil
}

// reserve takes a context and a page slot, or reports exhaustion.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("browser manager is closed")
	}
	if m.contexts >= m.cfg.MaxConcurrentContexts || m.pages >= m.cfg.MaxConcurrentPages {
		return fmt.Errorf("%w: %d/%d contexts, %d/%d pages in use", runner.ErrCapacityExhausted,
			m.contexts, m.cfg.MaxConcurrentContexts, m.pages, m.cfg.MaxConcurrentPages)
	}
	m.contexts++
	m.pages++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contexts > 0 {
		m.contexts--
	}
	if m.pages > 0 {
		m.pages--
	}
}

// AvailableContextSpots reports how many more pages may be launched.
func (m *Manager) AvailableContextSpots(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spots := min(m.cfg.MaxConcurrentContexts-m.contexts, m.cfg.MaxConcurrentPages-m.pages)
	return max(spots, 0), nil
}

// LaunchPage opens a tab in a fresh browser context with the page defaults
// applied: a DNT header, the configured viewport, and the cache disabled.
func (m *Manager) LaunchPage(ctx context.Context) (runner.Page, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	browserCtx, err := m.ensureBrowser(ctx)
	if err != nil {
		m.release()
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	p := newPage(tabCtx, tabCancel, m.release)
	chromedp.ListenTarget(tabCtx, p.handleEvent)

	if err := p.run(ctx, m.setupActions()...); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("prepare page: %w", err)
	}
	m.logger.Debug("page launched")
	return p, nil
}

func (m *Manager) setupActions() []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"DNT": "1"}),
		network.SetCacheDisabled(true),
		emulation.SetDeviceMetricsOverride(m.cfg.ViewportWidth, m.cfg.ViewportHeight, 1, false),
	}
	if m.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(m.cfg.UserAgent))
	}
	return actions
}

// CollectEvents routes page's console and network events into c.
func (m *Manager) CollectEvents(page runner.Page, c *runner.EventCollector) {
	if p, ok := page.(*chromePage); ok {
		p.collector.Store(c)
	}
}

// Close shuts the browser down. Pages still open are invalidated.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.startMu.Lock()
	if m.browserCancel != nil {
		m.browserCancel()
	}
	m.startMu.Unlock()
	m.allocCancel()
}

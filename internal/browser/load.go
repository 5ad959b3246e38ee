package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Load defaults.
const (
	DefaultMaxAttempts = 3
	DefaultLoadTimeout = 5 * time.Second
	DefaultGracePeriod = 10 * time.Second

	// networkIdleWindow is how long no request may be in flight before a
	// navigation counts as settled.
	networkIdleWindow = 500 * time.Millisecond
	idlePollInterval  = 50 * time.Millisecond
)

// WithDefaults fills zero fields of opts.
func WithDefaults(opts runner.LoadOptions) runner.LoadOptions {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLoadTimeout
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	return opts
}

// LoadURLWithRetries navigates page to url and waits for the network to go
// idle. Each attempt is bounded by opts.Timeout and attempts are separated by
// opts.GracePeriod. A settled navigation whose document status is not 2xx fails
// without retrying.
func (m *Manager) LoadURLWithRetries(ctx context.Context, page runner.Page, url string, opts runner.LoadOptions) error {
	p, ok := page.(*chromePage)
	if !ok {
		return fmt.Errorf("page %T was not launched by this browser", page)
	}
	opts = WithDefaults(opts)

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = m.loadOnce(ctx, p, url, opts.Timeout)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Debug("page load attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == opts.MaxAttempts {
			return loadTimeoutError(url, opts, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.GracePeriod):
		}
	}

	status := p.documentStatus()
	if status == 0 {
		// No document response was observed, e.g. for about: or data: URLs.
		return nil
	}
	if status < 200 || status >= 300 {
		return statusError(url, status)
	}
	return nil
}

func (m *Manager) loadOnce(ctx context.Context, p *chromePage, url string, timeout time.Duration) error {
	p.resetNavigation()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.run(attemptCtx, chromedp.Navigate(url), waitNetworkIdle(p))
}

// waitNetworkIdle blocks until no request has been in flight for networkIdleWindow.
func waitNetworkIdle(p *chromePage) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		var idleSince time.Time
		for {
			if p.inflightCount() == 0 {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) >= networkIdleWindow {
					return nil
				}
			} else {
				idleSince = time.Time{}
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("waiting for network idle: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}

func loadTimeoutError(url string, opts runner.LoadOptions, cause error) error {
	seconds := int(math.Round(float64(opts.Timeout*time.Duration(opts.MaxAttempts)) / float64(time.Second)))
	msg := fmt.Sprintf("The page at the following URL could not be loaded within %d attempts (%d seconds wait time): %s",
		opts.MaxAttempts, seconds, url)
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = nil
	}
	return runner.NewRequestError(runner.ErrPageLoad, msg, cause)
}

func statusError(url string, status int64) error {
	return runner.NewRequestError(runner.ErrPageLoad,
		fmt.Sprintf("The page at the following URL returned an error %d: %s", status, url), nil)
}

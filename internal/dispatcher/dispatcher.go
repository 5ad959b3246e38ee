// Package dispatcher sizes the processor pool against queued work and browser capacity.
//
// The Manager spawns min(claimable requests, free browser spots) processors
// whenever it is poked. When nothing can be spawned it arms one debounce timer
// that re-evaluates later; processors that run out of work remove themselves
// and re-arm the same timer.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/metrics"
	"github.com/JakeFAU/toolrunner/internal/worker"
)

// Defaults for Config.
const (
	DefaultSpawnDelay       = 500 * time.Millisecond
	DefaultLookForWorkDelay = 3 * time.Second
	DefaultGaugeSchedule    = "@every 15s"
)

// Counter reports queue depth.
type Counter interface {
	// ClaimableCount counts unassigned rows plus stale claims.
	ClaimableCount(ctx context.Context) (int, error)
	UnassignedCount(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int, error)
}

// Config controls pool sizing.
type Config struct {
	// SpawnDelay staggers processor creation within one evaluation.
	SpawnDelay time.Duration
	// LookForWorkDelay is the debounce before an unprompted re-evaluation.
	LookForWorkDelay time.Duration
	// GaugeSchedule is the cron spec for refreshing queue gauges. Empty disables it.
	GaugeSchedule string
}

// Manager owns the live processors.
type Manager struct {
	counter   Counter
	deps      worker.Dependencies
	workerCfg worker.Config
	cfg       Config
	base      *zap.Logger
	logger    *zap.Logger

	pokes chan struct{}
	wg    sync.WaitGroup

	mu         sync.Mutex
	processors map[*worker.Processor]struct{}
	timer      *time.Timer
	nextID     int
	stopped    bool
}

var _ worker.Owner = (*Manager)(nil)

// New builds a Manager. deps.Owner is replaced by the Manager itself.
func New(counter Counter, deps worker.Dependencies, workerCfg worker.Config, cfg Config, logger *zap.Logger) (*Manager, error) {
	if counter == nil {
		return nil, errors.New("queue counter is required")
	}
	if deps.Browser == nil {
		return nil, errors.New("browser is required")
	}
	if cfg.SpawnDelay < 0 {
		cfg.SpawnDelay = 0
	}
	if cfg.LookForWorkDelay <= 0 {
		cfg.LookForWorkDelay = DefaultLookForWorkDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		counter:    counter,
		workerCfg:  workerCfg,
		cfg:        cfg,
		base:       logger,
		logger:     logger.Named("dispatcher"),
		pokes:      make(chan struct{}, 1),
		processors: make(map[*worker.Processor]struct{}),
	}
	deps.Owner = m
	m.deps = deps
	return m, nil
}

// Poke asks for a re-evaluation. Pokes arriving while one is pending coalesce.
func (m *Manager) Poke() {
	select {
	case m.pokes <- struct{}{}:
	default:
	}
}

// Live returns the number of processors currently tracked.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processors)
}

// Run evaluates once at startup and then on every poke until ctx ends. On
// return every processor has been destroyed and has exited.
func (m *Manager) Run(ctx context.Context) error {
	var scheduler *cron.Cron
	if m.cfg.GaugeSchedule != "" {
		scheduler = cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DefaultLogger),
		))
		if _, err := scheduler.AddFunc(m.cfg.GaugeSchedule, func() { m.refreshGauges(ctx) }); err != nil {
			return fmt.Errorf("schedule queue gauges: %w", err)
		}
		scheduler.Start()
	}

	m.logger.Info("processor manager started")
	m.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			if scheduler != nil {
				<-scheduler.Stop().Done()
			}
			m.shutdown()
			return nil
		case <-m.pokes:
			m.evaluate(ctx)
		}
	}
}

// evaluate spawns as many processors as there is both work and capacity for.
// It only runs on Run's goroutine, so evaluations never overlap.
func (m *Manager) evaluate(ctx context.Context) {
	claimable, err := m.counter.ClaimableCount(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("count claimable requests failed", zap.Error(err))
			m.armTimer()
		}
		return
	}
	spots, err := m.deps.Browser.AvailableContextSpots(ctx)
	if err != nil {
		m.logger.Error("read browser capacity failed", zap.Error(err))
		m.armTimer()
		return
	}
	// Processors still launching have not taken their spot yet.
	free := spots - m.starting()
	n := min(claimable, free)
	if n <= 0 {
		m.armTimer()
		return
	}

	m.logger.Debug("spawning processors",
		zap.Int("count", n),
		zap.Int("claimable", claimable),
		zap.Int("free_spots", free),
	)
	for i := range n {
		if i > 0 && !sleep(ctx, m.cfg.SpawnDelay) {
			return
		}
		if err := m.spawn(ctx); err != nil {
			m.logger.Error("create processor failed", zap.Error(err))
			m.armTimer()
			return
		}
	}
}

func (m *Manager) starting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p := range m.processors {
		if p.State() == worker.StateUninitialized {
			n++
		}
	}
	return n
}

func (m *Manager) spawn(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("manager is stopped")
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	p, err := worker.New(id, m.deps, m.workerCfg, m.base)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.processors[p] = struct{}{}
	count := len(m.processors)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Debug("processor created", zap.Int("processor", id), zap.Int("live", count))
	go func() {
		defer m.wg.Done()
		p.Run(ctx)
	}()
	return nil
}

// Kill forgets p, destroys it, and arms a delayed re-evaluation.
func (m *Manager) Kill(p *worker.Processor) {
	m.mu.Lock()
	_, ok := m.processors[p]
	delete(m.processors, p)
	left := len(m.processors)
	m.mu.Unlock()

	p.Destroy()
	if ok {
		m.logger.Debug("processor removed", zap.Int("processor", p.ID()), zap.Int("live", left))
		m.armTimer()
	}
}

// armTimer schedules one re-evaluation unless one is already pending.
func (m *Manager) armTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil || m.stopped {
		return
	}
	m.timer = time.AfterFunc(m.cfg.LookForWorkDelay, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
		m.Poke()
	})
}

func (m *Manager) refreshGauges(ctx context.Context) {
	unassigned, err := m.counter.UnassignedCount(ctx)
	if err != nil {
		m.logger.Warn("refresh queue gauges", zap.Error(err))
		return
	}
	pending, err := m.counter.PendingCount(ctx)
	if err != nil {
		m.logger.Warn("refresh queue gauges", zap.Error(err))
		return
	}
	metrics.SetQueueDepth(unassigned, pending)
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	live := make([]*worker.Processor, 0, len(m.processors))
	for p := range m.processors {
		live = append(live, p)
	}
	m.mu.Unlock()

	for _, p := range live {
		p.Destroy()
	}
	m.wg.Wait()
	m.logger.Info("processor manager stopped")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

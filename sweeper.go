package drivermgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SweepOrphans retries every orphan of r on loop and waits for the results.
func SweepOrphans(ctx context.Context, loop LoopSyncer, r *Runner) ([]BindResult, error) {
	done := make(chan []BindResult, 1)
	err := loop.Sync(ctx, func() {
		r.TryBindAllOrphans(func(results []BindResult) { done <- results })
	})
	if err != nil {
		return nil, err
	}
	select {
	case results := <-done:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SweepStatus represents the current sweeper status
type SweepStatus struct {
	IsRunning       bool      `json:"is_running"`
	LastSweepTime   time.Time `json:"last_sweep_time,omitempty"`
	LastErrorTime   time.Time `json:"last_error_time,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastOrphans     int       `json:"last_orphans"`
	LastBound       int       `json:"last_bound"`
	TotalSweeps     int64     `json:"total_sweeps"`
	TotalBound      int64     `json:"total_bound"`
	SkippedNoOrphan int64     `json:"skipped_no_orphan"`
}

// SweeperOptions contains configuration for the sweeper. Logger and Clock
// default to the runner's.
type SweeperOptions struct {
	Logger Logger
	Clock  Clock

	// OnBound is called with the nodes bound by each sweep that bound any.
	OnBound func(results []BindResult)

	// InitialDelay before the first sweep (default: 0)
	InitialDelay time.Duration
}

// Sweeper periodically retries orphaned nodes.
type Sweeper struct {
	interval time.Duration
	runner   *Runner
	loop     LoopSyncer
	opts     SweeperOptions

	mu            sync.RWMutex
	running       atomic.Bool
	lastSweepTime time.Time
	lastErrorTime time.Time
	lastError     error
	lastOrphans   int
	lastBound     int
	totalSweeps   int64
	totalBound    int64
	skipped       int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSweeper(interval time.Duration, runner *Runner, loop LoopSyncer, opts SweeperOptions) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = runner.logger
	}
	if opts.Clock == nil {
		opts.Clock = runner.cfg.Clock
	}
	return &Sweeper{
		interval: interval,
		runner:   runner,
		loop:     loop,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) IsRunning() bool { return s.running.Load() }

func (s *Sweeper) Status() SweepStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SweepStatus{
		IsRunning:       s.running.Load(),
		LastSweepTime:   s.lastSweepTime,
		LastErrorTime:   s.lastErrorTime,
		LastOrphans:     s.lastOrphans,
		LastBound:       s.lastBound,
		TotalSweeps:     s.totalSweeps,
		TotalBound:      s.totalBound,
		SkippedNoOrphan: s.skipped,
	}
	if s.lastError != nil {
		status.LastError = s.lastError.Error()
	}
	return status
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	if s.opts.InitialDelay > 0 {
		select {
		case <-time.After(s.opts.InitialDelay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
			s.Sweep(sweepCtx)
			cancel()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one sweep now. It does nothing when there are no orphans.
func (s *Sweeper) Sweep(ctx context.Context) {
	var orphans int
	if err := s.loop.Sync(ctx, func() { orphans = len(s.runner.Orphans()) }); err != nil {
		s.recordError(err)
		return
	}
	if orphans == 0 {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		return
	}

	results, err := SweepOrphans(ctx, s.loop, s.runner)
	if err != nil {
		s.recordError(err)
		return
	}

	s.mu.Lock()
	s.lastSweepTime = s.opts.Clock.Now()
	s.lastError = nil
	s.lastOrphans = orphans
	s.lastBound = len(results)
	s.totalSweeps++
	s.totalBound += int64(len(results))
	s.mu.Unlock()

	s.opts.Logger.Debug("orphan sweep finished", "orphans", orphans, "bound", len(results))
	if len(results) > 0 && s.opts.OnBound != nil {
		s.opts.OnBound(results)
	}
}

func (s *Sweeper) recordError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.lastErrorTime = s.opts.Clock.Now()
	s.mu.Unlock()
	s.opts.Logger.Error("orphan sweep failed", "error", err)
}

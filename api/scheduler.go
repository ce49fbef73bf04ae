/*
scheduler.go - Automated monthly run scheduler

PURPOSE:
  Periodically checks the open data portal for a month that has not been
  merged into history yet and runs it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Asks the monitor for the next unprocessed month
  - Skips months that already have a completed run
  - Processes at most one month per tick, so a backlog drains one month
    per interval in publication order

CONFIGURATION:
  - CheckInterval: How often to check (default: 6 hours)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRunScheduler(monitor, runs, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: StartRun endpoint (manual run)
  - monitor/monitor.go: Run orchestration
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openprescribing/bnfwatch/bnf"
	"github.com/openprescribing/bnfwatch/monitor"
)

// RunScheduler handles automated monthly runs.
type RunScheduler struct {
	Monitor       *monitor.Monitor
	Runs          bnf.RunStore
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRunScheduler creates a new scheduler.
func NewRunScheduler(mon *monitor.Monitor, runs bnf.RunStore, logger *zap.Logger) *RunScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunScheduler{
		Monitor:       mon,
		Runs:          runs,
		CheckInterval: 6 * time.Hour,
		Enabled:       true,
		Logger:        logger,
	}
}

// Start begins the scheduler.
func (rs *RunScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (rs *RunScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("scheduler stopped")
}

func (rs *RunScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for testing/admin). It reports
// whether a run was started.
func (rs *RunScheduler) RunNow(ctx context.Context) bool {
	return rs.checkAndProcess(ctx)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *RunScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}

func (rs *RunScheduler) checkAndProcess(ctx context.Context) bool {
	period, ok, err := rs.Monitor.NextPeriod(ctx)
	if err != nil {
		rs.Logger.Error("failed to find next period", zap.Error(err))
		return false
	}
	if !ok {
		rs.Logger.Debug("history is up to date")
		return false
	}

	// Check if a run already completed for this period
	done, err := rs.Runs.IsPeriodCompleted(ctx, period)
	if err != nil {
		rs.Logger.Error("failed to check run status", zap.String("period", period.String()), zap.Error(err))
		return false
	}
	if done {
		rs.Logger.Info("period already processed", zap.String("period", period.String()))
		return false
	}

	out, err := rs.Monitor.Run(ctx, period)
	if err != nil {
		rs.Logger.Error("scheduled run failed", zap.String("period", period.String()), zap.Error(err))
		return out != nil
	}
	rs.Logger.Info("scheduled run completed",
		zap.String("period", period.String()),
		zap.String("run_id", out.Run.ID),
		zap.Strings("triggered", out.Run.Triggered))
	return true
}

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnuragDani/affiliate-engine/internal/clearing"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/payout"
	"github.com/AnuragDani/affiliate-engine/internal/postback"
)

const dayLayout = "2006-01-02"

type Clearer interface {
	Run(ctx context.Context) (*clearing.Result, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, limit int) (*postback.SweepResult, error)
}

type Batcher interface {
	AutoBatchDue(now time.Time) bool
	CreateBatches(ctx context.Context, affiliateID string) (*payout.CreateResult, error)
}

// DayLock claims a key once across scheduler instances
type DayLock interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Scheduler runs the engine's recurring jobs
type Scheduler struct {
	clearer Clearer
	sweeper Sweeper
	batcher Batcher
	lock    DayLock
	config  *SchedulerConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	events  events.Sink
	now     func() time.Time

	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	tickMu        sync.Mutex
	lastRun       *time.Time
	nextRun       *time.Time
	lastAutoBatch string
	lastResult    *TickResult
}

// NewScheduler creates a new scheduler instance. lock may be nil, in which
// case the once-a-day guard is local to this process.
func NewScheduler(clearer Clearer, sweeper Sweeper, batcher Batcher, lock DayLock, config *SchedulerConfig,
	log *logger.Logger, m *metrics.Metrics, sink events.Sink) *Scheduler {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Scheduler{
		clearer: clearer,
		sweeper: sweeper,
		batcher: batcher,
		lock:    lock,
		config:  config,
		log:     log,
		metrics: m,
		events:  sink,
		now:     func() time.Time { return time.Now().UTC() },
		stopCh:  make(chan struct{}),
	}
}

// Start begins the scheduler background processing
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("Starting scheduler", "interval", s.config.TickInterval.String(), "enabled", s.config.Enabled)
	s.wg.Add(1)
	go s.run()
}

// Stop waits for the current tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("Stopping scheduler, waiting for current tick to complete")
	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	s.setNextRun()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.config.Enabled {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.TickTimeout)
				s.Tick(ctx, false)
				cancel()
			}
			s.setNextRun()
		}
	}
}

func (s *Scheduler) setNextRun() {
	next := s.now().Add(s.config.TickInterval)
	s.mu.Lock()
	s.nextRun = &next
	s.mu.Unlock()
}

// Tick runs one scheduling cycle. Clearing runs before month-end batching so
// newly cleared conversions are batched; the postback sweep runs alongside.
// forceAutoBatch skips the month-end window check but not the daily guard.
func (s *Scheduler) Tick(ctx context.Context, forceAutoBatch bool) *TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.now()
	res := &TickResult{StartedAt: start}
	var errMu sync.Mutex
	fail := func(job string, err error) {
		errMu.Lock()
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", job, err))
		errMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cleared, err := s.clearer.Run(gctx)
		s.record(JobClearing, err)
		if err != nil {
			fail(JobClearing, err)
		} else {
			res.Clearing = cleared
			s.publish(JobClearing, cleared.Processed, cleared.Cleared+cleared.Flagged, cleared.Failed)
		}

		ab, err := s.autoBatch(gctx, start, forceAutoBatch)
		if err != nil {
			fail(JobAutoBatch, err)
		}
		res.AutoBatch = ab
		return nil
	})
	g.Go(func() error {
		swept, err := s.sweeper.Sweep(gctx, s.config.SweepLimit)
		s.record(JobPostbacks, err)
		if err != nil {
			fail(JobPostbacks, err)
			return nil
		}
		res.Postbacks = swept
		s.publish(JobPostbacks, swept.Processed, swept.Sent, swept.Failed)
		return nil
	})
	g.Wait()

	res.Duration = s.now().Sub(start)
	s.mu.Lock()
	s.lastRun = &start
	s.lastResult = res
	s.mu.Unlock()

	for _, e := range res.Errors {
		s.log.Error("Scheduler job failed", "error", e)
	}
	s.log.Debug("Scheduler tick completed", "duration", res.Duration.String(), "errors", len(res.Errors))
	return res
}

func (s *Scheduler) autoBatch(ctx context.Context, now time.Time, force bool) (*AutoBatchResult, error) {
	if !force && !s.batcher.AutoBatchDue(now) {
		return &AutoBatchResult{Reason: "outside month-end window"}, nil
	}
	day := now.Format(dayLayout)

	claimed, err := s.claimDay(ctx, day)
	if err != nil {
		s.record(JobAutoBatch, err)
		return &AutoBatchResult{Reason: "daily guard unavailable"}, err
	}
	if !claimed {
		return &AutoBatchResult{Reason: "already ran today"}, nil
	}

	created, err := s.batcher.CreateBatches(ctx, "")
	s.record(JobAutoBatch, err)
	if err != nil {
		s.releaseDay(day)
		return &AutoBatchResult{Reason: "batch creation failed"}, err
	}
	s.log.Info("Month-end batches created", "batches", len(created.Batches), "skipped", len(created.Skipped))
	s.publish(JobAutoBatch, len(created.Batches)+len(created.Skipped), len(created.Batches), 0)
	return &AutoBatchResult{Ran: true, Batches: len(created.Batches), Skipped: len(created.Skipped)}, nil
}

// claimDay takes the once-per-day slot locally and, when configured, in Redis
func (s *Scheduler) claimDay(ctx context.Context, day string) (bool, error) {
	s.mu.Lock()
	if s.lastAutoBatch == day {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if s.lock != nil {
		ok, err := s.lock.SetNX(ctx, dayLockKey(day), "1", 36*time.Hour)
		if err != nil || !ok {
			return false, err
		}
	}

	s.mu.Lock()
	s.lastAutoBatch = day
	s.mu.Unlock()
	return true, nil
}

// releaseDay gives the day's slot back after a failed run so a later tick
// retries. ctx may already be cancelled, hence the fresh deadline.
func (s *Scheduler) releaseDay(day string) {
	s.mu.Lock()
	if s.lastAutoBatch == day {
		s.lastAutoBatch = ""
	}
	s.mu.Unlock()

	if s.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lock.Delete(ctx, dayLockKey(day)); err != nil {
		s.log.Warn("Failed to release auto-batch guard", "day", day, "error", err)
	}
}

func dayLockKey(day string) string {
	return "scheduler:auto_batch:" + day
}

func (s *Scheduler) record(job string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.JobRun(job, result)
}

func (s *Scheduler) publish(job string, processed, succeeded, failed int) {
	if processed == 0 {
		return
	}
	s.events.Emit(events.TypeScheduler, events.SchedulerJobCompleted, events.SchedulerEventData{
		Job:       job,
		Processed: processed,
		Succeeded: succeeded,
		Failed:    failed,
	})
}

// Status returns the current scheduler status
func (s *Scheduler) Status() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &SchedulerStatus{
		Running:       s.running,
		Enabled:       s.config.Enabled,
		LastRun:       s.lastRun,
		NextRun:       s.nextRun,
		LastAutoBatch: s.lastAutoBatch,
		TickInterval:  s.config.TickInterval.String(),
		LastResult:    s.lastResult,
	}
}

// IsRunning returns whether the scheduler loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Package scheduler decides when the reconciler runs: once when a session
// starts, on every reconnect, on a timer, and after failures with backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/connectivity"
	"github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	syncpkg "github.com/kimhsiao/stockledger/internal/sync"
	"github.com/kimhsiao/stockledger/internal/sync/outbox"
)

// Trigger reasons, reported in logs and status.
const (
	ReasonStart     = "start"
	ReasonReconnect = "reconnect"
	ReasonTimer     = "timer"
	ReasonRetry     = "retry"
	ReasonManual    = "manual"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	monitor      *connectivity.Monitor
	outbox       *outbox.Outbox
	clock        clock.Clock
	logger       *logging.Logger
	syncInterval time.Duration
	syncTimeout  time.Duration
	syncOnStart  bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	runCtx       context.Context
	lastSyncTime time.Time
	lastReason   string
	inFlight     int
	failures     int
	retryTimer   *time.Timer
	nextRetry    time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic sync while online; 0 disables (default: 15 minutes)
	SyncTimeout  time.Duration // per-cycle wait bound (default: 5 minutes)
	SyncOnStart  bool          // sync once when Start is called (default: true)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		SyncTimeout:  5 * time.Minute,
		SyncOnStart:  true,
	}
}

// NewScheduler creates a Scheduler. The outbox is optional and only feeds
// GetStatus.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor *connectivity.Monitor, ob *outbox.Outbox, config *SchedulerConfig, c clock.Clock, logger *logging.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if monitor == nil {
		monitor = connectivity.NewMonitor(true, c)
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = logging.Get()
	}
	timeout := config.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Scheduler{
		engine:       engine,
		monitor:      monitor,
		outbox:       ob,
		clock:        c,
		logger:       logger.Named("scheduler"),
		syncInterval: config.SyncInterval,
		syncTimeout:  timeout,
		syncOnStart:  config.SyncOnStart,
		stopCh:       make(chan struct{}),
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.runCtx = ctx
	s.mu.Unlock()

	events, cancel := s.monitor.Subscribe(1)

	s.wg.Add(1)
	go s.loop(ctx, events, cancel)

	if s.syncOnStart {
		s.TriggerSync(ctx, ReasonStart)
	}

	s.logger.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.syncInterval.String(),
	})
}

// Stop stops the scheduler and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.nextRetry = time.Time{}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info("Background sync scheduler stopped")
}

// SetOnlineStatus forwards a connectivity signal to the monitor. Going
// online triggers a sync through the monitor subscription.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	if s.monitor.Set(isOnline) {
		s.logger.Info("Online status changed", map[string]interface{}{"is_online": isOnline})
	}
}

func (s *Scheduler) loop(ctx context.Context, events <-chan connectivity.Event, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	var tick <-chan time.Time
	if s.syncInterval > 0 {
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev := <-events:
			if ev.Online {
				s.TriggerSync(ctx, ReasonReconnect)
			}
		case <-tick:
			s.TriggerSync(ctx, ReasonTimer)
		}
	}
}

// TriggerSync starts a sync in the background. It returns false when the
// scheduler is offline, stopped, or already syncing.
func (s *Scheduler) TriggerSync(ctx context.Context, reason string) bool {
	if !s.monitor.IsOnline() {
		s.logger.Debug("Skipping sync while offline", map[string]interface{}{"reason": reason})
		return false
	}

	s.mu.Lock()
	if !s.isRunning || s.inFlight > 0 {
		s.mu.Unlock()
		return false
	}
	s.inFlight++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(ctx, reason)
	}()
	return true
}

// run executes one sync. The caller has counted it in inFlight.
func (s *Scheduler) run(ctx context.Context, reason string) (*syncpkg.SyncResult, error) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		delay := s.scheduleRetry()
		s.logger.ErrorWithCode("Sync failed", string(errors.ErrSyncFailed), err, map[string]interface{}{
			"reason":   reason,
			"retry_in": delay.String(),
		})
		return result, err
	}

	s.mu.Lock()
	s.failures = 0
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.nextRetry = time.Time{}
	s.lastSyncTime = s.clock.Now()
	s.lastReason = reason
	s.mu.Unlock()

	if result != nil {
		s.logger.Info("Sync completed", map[string]interface{}{
			"reason":     reason,
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
			"dropped":    result.Dropped,
		})
	}
	return result, nil
}

// scheduleRetry arms a retry after the backoff for the current failure
// streak and returns the delay.
func (s *Scheduler) scheduleRetry() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	delay := outbox.Backoff(s.failures)
	if !s.isRunning {
		return delay
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	ctx := s.runCtx
	s.nextRetry = s.clock.Now().Add(delay)
	s.retryTimer = time.AfterFunc(delay, func() {
		s.TriggerSync(ctx, ReasonRetry)
	})
	return delay
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning           bool           `json:"is_running"`
	IsOnline            bool           `json:"is_online"`
	LastSyncTime        *time.Time     `json:"last_sync_time,omitempty"`
	LastReason          string         `json:"last_reason,omitempty"`
	SyncInProgress      bool           `json:"sync_in_progress"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	NextRetry           *time.Time     `json:"next_retry,omitempty"`
	EngineStatus        string         `json:"engine_status"`
	PendingItems        int            `json:"pending_items"`
	QueueStats          map[string]int `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:           s.isRunning,
		IsOnline:            s.monitor.IsOnline(),
		LastReason:          s.lastReason,
		SyncInProgress:      s.inFlight > 0,
		ConsecutiveFailures: s.failures,
		EngineStatus:        string(s.engine.Status()),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.nextRetry.IsZero() {
		t := s.nextRetry
		status.NextRetry = &t
	}
	s.mu.RUnlock()

	status.PendingItems = s.engine.PendingChanges()
	if s.outbox != nil {
		if stats, err := s.outbox.Stats(ctx); err == nil {
			status.PendingItems = stats.Total
			status.QueueStats = stats.PerCollection
		}
	}
	return status
}

// SyncNow runs a sync and waits for it. Unlike TriggerSync it also runs
// while another scheduled sync is in flight; the reconciler coalesces them.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	return s.run(ctx, ReasonManual)
}

// IsOnline returns whether the monitor reports online.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

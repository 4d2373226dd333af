package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// SyncRunner is the single operation the scheduler drives. The scheduler owns
// timing only; manual triggers go through the exact same entry point.
type SyncRunner interface {
	RunCycle(ctx context.Context, deviceID string) (models.SyncResult, error)
}

// DeviceLister supplies the devices eligible for auto-sync.
type DeviceLister interface {
	ActiveDevices(ctx context.Context) ([]models.DeviceDescriptor, error)
}

// Scheduler periodically syncs devices that opted into auto-sync, honoring
// each device's own interval.
type Scheduler struct {
	runner          SyncRunner
	devices         DeviceLister
	defaultInterval time.Duration
	tickEvery       time.Duration
	logger          *zap.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. defaultInterval applies to devices that declare no
// interval of their own.
func New(runner SyncRunner, devices DeviceLister, defaultInterval time.Duration, logger *zap.Logger) *Scheduler {
	if defaultInterval <= 0 {
		defaultInterval = 15 * time.Minute
	}
	return &Scheduler{
		runner:          runner,
		devices:         devices,
		defaultInterval: defaultInterval,
		tickEvery:       time.Minute,
		logger:          logger,
		lastRun:         make(map[string]time.Time),
		stopChan:        make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Scheduler started",
		zap.Duration("default_interval", s.defaultInterval),
	)
}

// Stop stops the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDue(time.Now())
		case <-s.stopChan:
			return
		}
	}
}

// runDue syncs every auto-sync device whose interval has elapsed. Cycles run
// sequentially here; the per-device lock in the orchestrator makes an overlap
// with a manual trigger safe either way.
func (s *Scheduler) runDue(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.tickEvery)
	defer cancel()

	devices, err := s.devices.ActiveDevices(ctx)
	if err != nil {
		s.logger.Error("Failed to list devices for auto-sync", zap.Error(err))
		return
	}

	for _, d := range devices {
		if !d.AutoSync || d.Protocol == models.ProtocolWebhook {
			continue
		}
		if !s.due(d, now) {
			continue
		}
		result, err := s.runner.RunCycle(ctx, d.ID)
		if err != nil {
			s.logger.Error("Auto-sync failed",
				zap.String("device_id", d.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Auto-sync completed",
			zap.String("device_id", d.ID),
			zap.Int("fetched", result.Fetched),
			zap.Int("errors", len(result.Errors)),
		)
	}
}

func (s *Scheduler) due(d models.DeviceDescriptor, now time.Time) bool {
	interval := s.defaultInterval
	if d.SyncIntervalMin > 0 {
		interval = time.Duration(d.SyncIntervalMin) * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[d.ID]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastRun[d.ID] = now
	return true
}

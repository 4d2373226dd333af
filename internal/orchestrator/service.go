package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/attendkit/attendance-gateway/internal/adapter"
	"github.com/attendkit/attendance-gateway/internal/models"
)

// Store is the persistence the service needs around a cycle: snapshots in,
// deltas out. Implemented by the sqlite store; kept narrow so tests can fake it.
type Store interface {
	Device(ctx context.Context, id string) (models.DeviceDescriptor, error)
	DeviceByToken(ctx context.Context, token string) (models.DeviceDescriptor, error)
	ActiveDevices(ctx context.Context) ([]models.DeviceDescriptor, error)
	Mappings(ctx context.Context, deviceID string) ([]models.EmployeeMapping, error)
	Cursor(ctx context.Context, deviceID string) (models.SyncCursor, error)
	SaveCursor(ctx context.Context, cur models.SyncCursor) error
	SeenKeys(ctx context.Context, deviceID string, since time.Time) ([]string, error)
	SaveDedupKeys(ctx context.Context, deviceID string, events []models.PunchEvent) error
	OpenSessions(ctx context.Context) ([]models.AttendanceSession, error)
	SaveSessions(ctx context.Context, sessions []models.AttendanceSession) error
	SaveSyncLog(ctx context.Context, entry models.SyncLogEntry) error
	SaveDeviceUsers(ctx context.Context, deviceID string, users []models.DeviceUser) error
}

// Service drives sync cycles against the store. Manual triggers, the webhook
// endpoint and the scheduler all come through the same RunCycle path, so
// behavior is identical regardless of who asked.
type Service struct {
	store Store
	opts  CycleOptions
	// cycleTimeout aborts a cycle that runs too long; partial results
	// computed before the abort are still committed.
	cycleTimeout time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a sync service.
func NewService(store Store, opts CycleOptions, cycleTimeout time.Duration, logger *zap.Logger) *Service {
	if cycleTimeout <= 0 {
		cycleTimeout = 30 * time.Second
	}
	return &Service{
		store:        store,
		opts:         opts,
		cycleTimeout: cycleTimeout,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

// deviceLock serializes cycles per device. Concurrent cycles for the same
// device would race on the cursor; different devices need no coordination.
func (s *Service) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	return l
}

// RunCycle syncs one device now. This is the single entry point shared by
// the manual action and the scheduler.
func (s *Service) RunCycle(ctx context.Context, deviceID string) (models.SyncResult, error) {
	desc, err := s.store.Device(ctx, deviceID)
	if err != nil {
		return models.SyncResult{}, err
	}
	return s.runLocked(ctx, desc, nil, "")
}

// RunWebhook ingests a pushed payload for the device owning the token. The
// token is validated constant-time inside the cycle; an unknown token fails
// here without touching any device.
func (s *Service) RunWebhook(ctx context.Context, token string, payload []byte) (models.SyncResult, error) {
	desc, err := s.store.DeviceByToken(ctx, token)
	if err != nil {
		return models.SyncResult{}, err
	}
	return s.runLocked(ctx, desc, payload, token)
}

func (s *Service) runLocked(ctx context.Context, desc models.DeviceDescriptor, payload []byte, token string) (models.SyncResult, error) {
	if !desc.Active {
		return models.SyncResult{}, fmt.Errorf("device %s is not active", desc.ID)
	}

	lock := s.deviceLock(desc.ID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	in, err := s.loadInput(ctx, desc)
	if err != nil {
		return models.SyncResult{}, err
	}
	in.WebhookPayload = payload
	in.WebhookToken = token
	in.Now = started

	out, err := Cycle(ctx, desc, in, s.opts, s.logger.With(zap.String("device_id", desc.ID)))
	if err != nil {
		return models.SyncResult{}, err
	}

	if err := s.persist(ctx, desc, in, out, started); err != nil {
		return out.Result, err
	}
	return out.Result, nil
}

func (s *Service) loadInput(ctx context.Context, desc models.DeviceDescriptor) (CycleInput, error) {
	var in CycleInput
	var err error

	if in.Cursor, err = s.store.Cursor(ctx, desc.ID); err != nil {
		return in, fmt.Errorf("failed to load cursor: %w", err)
	}
	if in.Mappings, err = s.store.Mappings(ctx, desc.ID); err != nil {
		return in, fmt.Errorf("failed to load mappings: %w", err)
	}
	windowStart := in.Cursor.LastTimestamp.Add(-s.opts.DedupMargin)
	if in.SeenKeys, err = s.store.SeenKeys(ctx, desc.ID, windowStart); err != nil {
		return in, fmt.Errorf("failed to load dedup window: %w", err)
	}
	// Open sessions are global: an employee can check in on one device and
	// out on another.
	if in.OpenSessions, err = s.store.OpenSessions(ctx); err != nil {
		return in, fmt.Errorf("failed to load open sessions: %w", err)
	}
	return in, nil
}

// persist commits a cycle's deltas. The persistence context is detached from
// the cycle timeout so an aborted fetch still commits what it computed.
func (s *Service) persist(parent context.Context, desc models.DeviceDescriptor, in CycleInput, out CycleOutput, started time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	if err := s.store.SaveSessions(ctx, out.Sessions); err != nil {
		return fmt.Errorf("failed to save sessions: %w", err)
	}
	if err := s.store.SaveDedupKeys(ctx, desc.ID, processedWithKeys(out)); err != nil {
		return fmt.Errorf("failed to save dedup keys: %w", err)
	}
	if err := s.store.SaveCursor(ctx, out.Cursor); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	entry := models.SyncLogEntry{
		ID:        uuid.New().String(),
		DeviceID:  desc.ID,
		StartedAt: started.UTC(),
		EndedAt:   time.Now().UTC(),
		Outcome:   out.Result.Outcome(),
		Fetched:   out.Result.Fetched,
		Processed: out.Result.SessionsOpened + out.Result.SessionsClosed + out.Result.Orphaned,
		Errors:    strings.Join(out.Result.Errors, "; "),
	}
	if err := s.store.SaveSyncLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to save sync log: %w", err)
	}
	return nil
}

// processedWithKeys narrows the processed events to those whose dedup key the
// engine actually consumed this cycle.
func processedWithKeys(out CycleOutput) []models.PunchEvent {
	consumed := make(map[string]bool, len(out.NewKeys))
	for _, k := range out.NewKeys {
		consumed[k] = true
	}
	var events []models.PunchEvent
	for _, ev := range out.Processed {
		if consumed[ev.DedupKey] {
			events = append(events, ev)
		}
	}
	return events
}

// RunAll runs one cycle per active pull device concurrently. Webhook devices
// are skipped: their data arrives inbound.
func (s *Service) RunAll(ctx context.Context) (map[string]models.SyncResult, error) {
	devices, err := s.store.ActiveDevices(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]models.SyncResult, len(devices))

	g, ctx := errgroup.WithContext(ctx)
	for _, desc := range devices {
		if desc.Protocol == models.ProtocolWebhook {
			continue
		}
		desc := desc
		g.Go(func() error {
			res, err := s.RunCycle(ctx, desc.ID)
			if err != nil {
				s.logger.Error("device cycle failed",
					zap.String("device_id", desc.ID),
					zap.Error(err),
				)
				res = models.SyncResult{DeviceID: desc.ID, Errors: []string{err.Error()}}
			}
			mu.Lock()
			results[desc.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ListUsers fetches the device's user directory and persists it for the
// mapping configuration flow.
func (s *Service) ListUsers(ctx context.Context, deviceID string) ([]models.DeviceUser, error) {
	desc, err := s.store.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(desc, s.logger)
	if err != nil {
		return nil, err
	}
	users, err := ad.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		if err := s.store.SaveDeviceUsers(ctx, deviceID, users); err != nil {
			return users, fmt.Errorf("failed to save device users: %w", err)
		}
	}
	return users, nil
}

// Probe tests connectivity to a device without fetching records.
func (s *Service) Probe(ctx context.Context, deviceID string) error {
	desc, err := s.store.Device(ctx, deviceID)
	if err != nil {
		return err
	}
	ad, err := adapter.New(desc, s.logger)
	if err != nil {
		return err
	}
	return ad.Probe(ctx)
}

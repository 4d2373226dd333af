package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs map[string]int
}

func (r *recordingRunner) RunCycle(ctx context.Context, deviceID string) (models.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string]int)
	}
	r.runs[deviceID]++
	return models.SyncResult{DeviceID: deviceID}, nil
}

func (r *recordingRunner) count(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[deviceID]
}

type staticLister struct {
	devices []models.DeviceDescriptor
}

func (l *staticLister) ActiveDevices(ctx context.Context) ([]models.DeviceDescriptor, error) {
	return l.devices, nil
}

func pullDevice(id string, autoSync bool, intervalMin int) models.DeviceDescriptor {
	return models.DeviceDescriptor{
		ID:              id,
		Protocol:        models.ProtocolGenericAPI,
		BaseURL:         "http://example.invalid",
		Active:          true,
		AutoSync:        autoSync,
		SyncIntervalMin: intervalMin,
	}
}

func TestRunDueSkipsNonAutoSyncAndWebhook(t *testing.T) {
	runner := &recordingRunner{}
	lister := &staticLister{devices: []models.DeviceDescriptor{
		pullDevice("zk-1", true, 0),
		pullDevice("zk-manual", false, 0),
		{ID: "hook-1", Protocol: models.ProtocolWebhook, Active: true, AutoSync: true, WebhookToken: "tok"},
	}}
	s := New(runner, lister, 15*time.Minute, zap.NewNop())

	s.runDue(time.Now())

	assert.Equal(t, 1, runner.count("zk-1"))
	assert.Equal(t, 0, runner.count("zk-manual"))
	assert.Equal(t, 0, runner.count("hook-1"))
}

func TestRunDueHonorsPerDeviceInterval(t *testing.T) {
	runner := &recordingRunner{}
	lister := &staticLister{devices: []models.DeviceDescriptor{
		pullDevice("fast", true, 5),
		pullDevice("slow", true, 60),
	}}
	s := New(runner, lister, 15*time.Minute, zap.NewNop())

	now := time.Now()
	s.runDue(now)
	assert.Equal(t, 1, runner.count("fast"))
	assert.Equal(t, 1, runner.count("slow"))

	// Six minutes later only the fast device is due again.
	s.runDue(now.Add(6 * time.Minute))
	assert.Equal(t, 2, runner.count("fast"))
	assert.Equal(t, 1, runner.count("slow"))

	// After its own hour, the slow device runs again.
	s.runDue(now.Add(61 * time.Minute))
	assert.Equal(t, 2, runner.count("slow"))
}

func TestRunDueUsesDefaultInterval(t *testing.T) {
	runner := &recordingRunner{}
	lister := &staticLister{devices: []models.DeviceDescriptor{pullDevice("zk-1", true, 0)}}
	s := New(runner, lister, 10*time.Minute, zap.NewNop())

	now := time.Now()
	s.runDue(now)
	s.runDue(now.Add(5 * time.Minute))
	assert.Equal(t, 1, runner.count("zk-1"))

	s.runDue(now.Add(11 * time.Minute))
	assert.Equal(t, 2, runner.count("zk-1"))
}

func TestStartStop(t *testing.T) {
	runner := &recordingRunner{}
	s := New(runner, &staticLister{}, time.Minute, zap.NewNop())

	s.Start()
	s.Stop()
	// Stop is idempotent.
	s.Stop()
}

package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/adapter"
	"github.com/attendkit/attendance-gateway/internal/cursor"
	"github.com/attendkit/attendance-gateway/internal/mapping"
	"github.com/attendkit/attendance-gateway/internal/models"
	"github.com/attendkit/attendance-gateway/internal/normalizer"
	"github.com/attendkit/attendance-gateway/internal/pairing"
)

// CycleInput is the host-provided snapshot one cycle runs against. The core
// holds no other state, so a cycle is a pure function of descriptor + input.
type CycleInput struct {
	Cursor       models.SyncCursor
	Mappings     []models.EmployeeMapping
	SeenKeys     []string
	OpenSessions []models.AttendanceSession

	// WebhookPayload and WebhookToken carry an already-received push for
	// webhook devices; pull devices leave them empty.
	WebhookPayload []byte
	WebhookToken   string

	Now time.Time
}

// CycleOutput is everything the host must persist after a cycle: session
// deltas, consumed dedup keys, the advanced cursor, and the report.
type CycleOutput struct {
	Result      models.SyncResult
	Cursor      models.SyncCursor
	Sessions    []models.AttendanceSession
	NewKeys     []string
	UnmappedIDs []string
	// Processed carries every normalized event the cycle fully handled,
	// mapped or not; the cursor is derived from it.
	Processed []models.PunchEvent
}

// CycleOptions tunes pairing and fetch-window behavior for a cycle.
type CycleOptions struct {
	Pairing         pairing.Options
	DedupMargin     time.Duration
	InitialLookback time.Duration
}

// Cycle runs one sync cycle for one device: fetch (or decode push) → resolve
// users → normalize → dedup/pair → advance cursor. Network and protocol
// failures never escape: they land in Result.Errors and the cycle commits
// partial data behind a conservative cursor. Only configuration errors
// (unknown protocol, missing connection parameter) return a non-nil error,
// before any I/O.
func Cycle(ctx context.Context, desc models.DeviceDescriptor, in CycleInput, opts CycleOptions, log *zap.Logger) (CycleOutput, error) {
	ad, err := adapter.New(desc, log)
	if err != nil {
		return CycleOutput{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	out := CycleOutput{Cursor: in.Cursor}
	out.Result.DeviceID = desc.ID

	var raws []models.RawPunch
	var fetchErr error
	if desc.Protocol == models.ProtocolWebhook {
		raws, fetchErr = adapter.DecodeWebhook(desc, in.WebhookPayload, in.WebhookToken)
		var authErr *adapter.AuthError
		if errors.As(fetchErr, &authErr) {
			// Rejected payload: zero records, no cursor movement at all.
			out.Result.Errors = append(out.Result.Errors, fetchErr.Error())
			return out, nil
		}
	} else {
		since := cursor.FetchWindow(in.Cursor, desc.UTCOffsetMinutes, opts.DedupMargin, opts.InitialLookback, now)
		raws, fetchErr = ad.Fetch(ctx, since)
	}
	out.Result.Fetched = len(raws)
	if fetchErr != nil {
		out.Result.Errors = append(out.Result.Errors, fetchErr.Error())
	}

	resolver := mapping.NewResolver(in.Mappings)
	var mapped []models.PunchEvent
	unmappedSeen := make(map[string]bool)
	for _, raw := range raws {
		employeeID, ok := resolver.Resolve(raw.DeviceID, raw.DeviceUserID)
		ev := normalizer.Normalize(raw, employeeID, desc.UTCOffsetMinutes)
		out.Processed = append(out.Processed, ev)
		if !ok {
			out.Result.Unmapped++
			if !unmappedSeen[raw.DeviceUserID] {
				unmappedSeen[raw.DeviceUserID] = true
				out.UnmappedIDs = append(out.UnmappedIDs, raw.DeviceUserID)
			}
			continue
		}
		mapped = append(mapped, ev)
	}

	engine := pairing.NewEngine(opts.Pairing, in.SeenKeys, in.OpenSessions, log)
	outcome := engine.Process(mapped)

	out.Sessions = outcome.Sessions
	out.NewKeys = outcome.NewKeys
	out.Result.Duplicates = outcome.Duplicates
	out.Result.SessionsOpened = outcome.Opened
	out.Result.SessionsClosed = outcome.Closed
	out.Result.Orphaned = outcome.Orphaned
	out.Result.Ignored = outcome.Ignored
	out.Result.Warnings = outcome.Warnings

	out.Cursor = cursor.Advance(in.Cursor, out.Processed, out.Result.Outcome(), now)
	out.Cursor.DeviceID = desc.ID

	log.Info("sync cycle finished",
		zap.String("device_id", desc.ID),
		zap.Int("fetched", out.Result.Fetched),
		zap.Int("duplicates", out.Result.Duplicates),
		zap.Int("opened", out.Result.SessionsOpened),
		zap.Int("closed", out.Result.SessionsClosed),
		zap.Int("unmapped", out.Result.Unmapped),
		zap.Int("errors", len(out.Result.Errors)),
	)
	return out, nil
}

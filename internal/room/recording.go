package room

import (
	"context"
	"log/slog"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
	"github.com/lawlink/consult-signaling/internal/metrics"
)

// RecordingCoordinator gates recording control by role and keeps the room's
// recording state idempotent, independent of the external service's own
// idempotency. Byte capture is delegated to the RecordingService
// asynchronously; its failures are logged, not surfaced to the room.
type RecordingCoordinator struct {
	log     *slog.Logger
	clk     clock.Clock
	metrics *metrics.Metrics
	service RecordingService
	sender  Sender

	exec func(op string, f func(ctx context.Context) error)
}

func newRecordingCoordinator(log *slog.Logger, clk clock.Clock, m *metrics.Metrics, service RecordingService, sender Sender, exec func(string, func(ctx context.Context) error)) *RecordingCoordinator {
	return &RecordingCoordinator{
		log:     log,
		clk:     clk,
		metrics: m,
		service: service,
		sender:  sender,
		exec:    exec,
	}
}

// startLocked begins recording on behalf of requester. Caller holds the
// room lock.
func (c *RecordingCoordinator) startLocked(r *Room, requester *Participant) error {
	if requester.Role != RoleLawyer {
		return ErrNotAuthorized
	}
	if r.IsRecording {
		return ErrAlreadyRecording
	}

	now := c.clk.Now()
	r.IsRecording = true
	r.RecordingStartedAt = now
	r.LastActivity = now

	consultationID := r.ConsultationID
	c.exec("recording.start", func(ctx context.Context) error {
		return c.service.Start(ctx, consultationID)
	})

	c.metrics.Inc(metrics.RecordingStarted)
	c.log.Info("recording started", "consultation_id", consultationID, "by", requester.UserID)
	broadcastLocked(c.sender, r, Event{
		Type: EventRecordingStarted,
		Data: RecordingStartedPayload{ByUserID: requester.UserID, StartedAt: now},
	}, "")
	return nil
}

// stopLocked ends recording on behalf of requester. Caller holds the room
// lock.
func (c *RecordingCoordinator) stopLocked(r *Room, requester *Participant) error {
	if requester.Role != RoleLawyer {
		return ErrNotAuthorized
	}
	if !r.IsRecording {
		return ErrNotRecording
	}

	duration := c.haltLocked(r)
	c.log.Info("recording stopped", "consultation_id", r.ConsultationID, "by", requester.UserID, "duration_s", duration)
	broadcastLocked(c.sender, r, Event{
		Type: EventRecordingStopped,
		Data: RecordingStoppedPayload{ByUserID: requester.UserID, DurationSeconds: duration},
	}, "")
	return nil
}

// haltLocked clears recording state unconditionally and stops the external
// capture. Used by stopLocked and by the empty-room cascade, where no
// role gate applies because no requester exists. Caller holds the room lock.
func (c *RecordingCoordinator) haltLocked(r *Room) (durationSeconds float64) {
	if !r.IsRecording {
		return 0
	}
	now := c.clk.Now()
	durationSeconds = now.Sub(r.RecordingStartedAt).Seconds()
	r.IsRecording = false
	r.RecordingStartedAt = time.Time{}
	r.LastActivity = now

	consultationID := r.ConsultationID
	c.exec("recording.stop", func(ctx context.Context) error {
		return c.service.Stop(ctx, consultationID)
	})
	c.metrics.Inc(metrics.RecordingStopped)
	return durationSeconds
}

package room

import "context"

// Collaborator interfaces. Implementations live outside the coordination
// core (internal/backend); their failures are logged and never unwind
// in-memory room state.

// Entitlement is the external authorization decision for a join attempt.
type Entitlement struct {
	Allowed           bool   `json:"allowed"`
	Role              Role   `json:"role"`
	CounterpartUserID string `json:"counterpartyUserId"`
}

type EntitlementChecker interface {
	Check(ctx context.Context, consultationID, userID string) (Entitlement, error)
}

// Consultation status values persisted by the booking backend.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusEnded      = "ENDED"
)

type StatusStore interface {
	UpdateStatus(ctx context.Context, consultationID, status string) error
}

// RecordingService performs the actual byte capture. The coordinator only
// tracks recording state for the room.
type RecordingService interface {
	Start(ctx context.Context, consultationID string) error
	Stop(ctx context.Context, consultationID string) error
}

type IncomingCall struct {
	ConsultationID string `json:"consultationId"`
	FromUserID     string `json:"fromUserId"`
	FromName       string `json:"fromName"`
}

// Notifier alerts the counterpart that a consultation started while they
// were offline.
type Notifier interface {
	SendIncomingCall(ctx context.Context, userID string, call IncomingCall) error
}

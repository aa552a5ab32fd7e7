package backend

import (
	"context"

	"github.com/lawlink/consult-signaling/internal/room"
)

// Nop implementations back development deployments where the booking
// service, recorder or notification bus are not configured.

type AllowAllEntitlements struct{}

// Check grants access with an open role, so the room layer falls back to the
// role the client claims.
func (AllowAllEntitlements) Check(context.Context, string, string) (room.Entitlement, error) {
	return room.Entitlement{Allowed: true}, nil
}

type NopStatusStore struct{}

func (NopStatusStore) UpdateStatus(context.Context, string, string) error { return nil }

type NopRecordingService struct{}

func (NopRecordingService) Start(context.Context, string) error { return nil }
func (NopRecordingService) Stop(context.Context, string) error  { return nil }

type NopNotifier struct{}

func (NopNotifier) SendIncomingCall(context.Context, string, room.IncomingCall) error { return nil }

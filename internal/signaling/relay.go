package signaling

import (
	"log/slog"

	"github.com/lawlink/consult-signaling/internal/metrics"
	"github.com/lawlink/consult-signaling/internal/room"
)

// Relay forwards SDP and ICE payloads between the participants of one
// consultation. The server never terminates peer connections; media flows
// directly between the two browsers.
//
// Delivery is best-effort: a frame for a participant with no live socket is
// dropped and counted. Reconnecting clients restart ICE, so replaying stale
// signaling frames would do more harm than good.
type Relay struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	rooms   RoomViewer
	conns   ConnResolver
	sender  room.Sender
}

// RoomViewer resolves the current roster of a consultation.
type RoomViewer interface {
	RoomView(consultationID string) (room.RosterPayload, bool)
}

// ConnResolver maps a user to their live connection, if any.
type ConnResolver interface {
	ConnectionFor(userID string) (string, bool)
}

func NewRelay(log *slog.Logger, m *metrics.Metrics, rooms RoomViewer, conns ConnResolver, sender room.Sender) *Relay {
	return &Relay{log: log, metrics: m, rooms: rooms, conns: conns, sender: sender}
}

// ForwardSDP relays an offer or answer. frameType must be FrameTypeOffer or
// FrameTypeAnswer. An empty targetUserID addresses every other connected
// participant.
func (rl *Relay) ForwardSDP(consultationID, fromUserID, targetUserID string, frameType FrameType, sdp SDP) {
	rl.forward(consultationID, fromUserID, targetUserID, room.EventType(frameType), RelaySDPPayload{
		FromUserID:     fromUserID,
		ConsultationID: consultationID,
		Payload:        sdp,
	})
}

// ForwardCandidate relays a trickled ICE candidate.
func (rl *Relay) ForwardCandidate(consultationID, fromUserID, targetUserID string, cand Candidate) {
	rl.forward(consultationID, fromUserID, targetUserID, room.EventType(FrameTypeICECandidate), RelayCandidatePayload{
		FromUserID:     fromUserID,
		ConsultationID: consultationID,
		Payload:        cand,
	})
}

func (rl *Relay) forward(consultationID, fromUserID, targetUserID string, evType room.EventType, payload any) {
	view, ok := rl.rooms.RoomView(consultationID)
	if !ok {
		rl.metrics.Inc(metrics.DropReasonTargetOffline)
		rl.log.Debug("relay drop: room gone", "consultation_id", consultationID, "type", evType)
		return
	}

	if targetUserID != "" {
		rl.forwardToTarget(view, consultationID, fromUserID, targetUserID, evType, payload)
		return
	}

	delivered := 0
	for _, p := range view.Participants {
		if p.UserID == fromUserID || p.ConnectionID == "" {
			continue
		}
		if p.ConnectionStatus == room.StatusDisconnected {
			continue
		}
		rl.sender.Send(p.ConnectionID, room.Event{Type: evType, Data: payload})
		delivered++
	}
	if delivered == 0 {
		rl.metrics.Inc(metrics.DropReasonTargetOffline)
		rl.log.Debug("relay drop: no online counterpart",
			"consultation_id", consultationID, "from", fromUserID, "type", evType)
	}
}

// forwardToTarget delivers to the named participant's live connection. The
// target must be a member of the consultation; the connection comes from the
// registry so a silent reconnect's fresh socket is picked up immediately.
func (rl *Relay) forwardToTarget(view room.RosterPayload, consultationID, fromUserID, targetUserID string, evType room.EventType, payload any) {
	member := false
	for _, p := range view.Participants {
		if p.UserID == targetUserID {
			member = true
			break
		}
	}
	if !member {
		rl.metrics.Inc(metrics.DropReasonTargetOffline)
		rl.log.Debug("relay drop: target not in consultation",
			"consultation_id", consultationID, "from", fromUserID, "target", targetUserID, "type", evType)
		return
	}

	connID, ok := rl.conns.ConnectionFor(targetUserID)
	if !ok {
		rl.metrics.Inc(metrics.DropReasonTargetOffline)
		rl.log.Debug("relay drop: target offline",
			"consultation_id", consultationID, "from", fromUserID, "target", targetUserID, "type", evType)
		return
	}
	rl.sender.Send(connID, room.Event{Type: evType, Data: payload})
}

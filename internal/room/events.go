package room

import "time"

// EventType names match the wire protocol event names seen by clients.
type EventType string

const (
	EventConsultationJoined       EventType = "consultation-joined"
	EventParticipantJoined        EventType = "participant-joined"
	EventParticipantLeft          EventType = "participant-left"
	EventParticipantDisconnected  EventType = "participant-disconnected"
	EventAudioToggled             EventType = "participant-audio-toggled"
	EventVideoToggled             EventType = "participant-video-toggled"
	EventScreenShareToggled       EventType = "participant-screen-share-toggled"
	EventRecordingStarted         EventType = "recording-started"
	EventRecordingStopped         EventType = "recording-stopped"
	EventQualityChanged           EventType = "quality-changed"
	EventParticipantQualityUpdate EventType = "participant-quality-update"
	EventChatMessage              EventType = "chat-message"
)

// Event is one outbound frame addressed to a single connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Sender delivers events to live connections. Implementations must not
// block: Send is called while the room lock is held. Delivery is
// best-effort.
type Sender interface {
	Send(connectionID string, event Event)
}

type MediaField string

const (
	FieldAudio       MediaField = "audio"
	FieldVideo       MediaField = "video"
	FieldScreenShare MediaField = "screen-share"
)

func toggleEventType(field MediaField) (EventType, bool) {
	switch field {
	case FieldAudio:
		return EventAudioToggled, true
	case FieldVideo:
		return EventVideoToggled, true
	case FieldScreenShare:
		return EventScreenShareToggled, true
	}
	return "", false
}

// RosterPayload is the consultation-joined payload sent to a joiner.
type RosterPayload struct {
	ConsultationID string        `json:"consultationId"`
	Participants   []Participant `json:"participants"`
	IsRecording    bool          `json:"isRecording"`
	Settings       Settings      `json:"settings"`
}

type ParticipantRefPayload struct {
	UserID string `json:"userId"`
}

type TogglePayload struct {
	UserID  string `json:"userId"`
	Enabled bool   `json:"enabled"`
}

type RecordingStartedPayload struct {
	ByUserID  string    `json:"byUserId"`
	StartedAt time.Time `json:"startedAt"`
}

type RecordingStoppedPayload struct {
	ByUserID        string  `json:"byUserId"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type QualityChangedPayload struct {
	Quality Quality `json:"quality"`
	Metrics Metrics `json:"metrics"`
}

type QualityUpdatePayload struct {
	UserID  string      `json:"userId"`
	Quality Quality     `json:"quality"`
	Stats   *MediaStats `json:"stats,omitempty"`
}

type ChatPayload struct {
	FromUserID string    `json:"fromUserId"`
	FromName   string    `json:"fromName"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// broadcastLocked sends an event to every participant with a live connection,
// except exceptConnID when non-empty. Caller holds the room lock.
func broadcastLocked(s Sender, r *Room, ev Event, exceptConnID string) {
	for _, p := range r.Participants {
		if p.ConnectionID == "" || p.ConnectionID == exceptConnID {
			continue
		}
		if p.ConnectionStatus == StatusDisconnected {
			continue
		}
		s.Send(p.ConnectionID, ev)
	}
}

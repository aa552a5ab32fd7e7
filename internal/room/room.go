// Package room implements the in-memory coordination core for two-party
// video consultations: room lifecycle, participant presence, reconnection
// grace periods and recording state. In-memory state is the source of truth
// for signaling; persistence is best-effort via external collaborators.
package room

import (
	"sync"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

type Role string

const (
	RoleClient Role = "CLIENT"
	RoleLawyer Role = "LAWYER"
)

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

func (q Quality) valid() bool {
	switch q {
	case QualityExcellent, QualityGood, QualityPoor, QualityOffline:
		return true
	}
	return false
}

// MediaStats is the most recent connection statistics report from a client.
type MediaStats struct {
	PacketLossPct float64 `json:"packetLossPct"`
	RTTMs         float64 `json:"rttMs"`
	JitterMs      float64 `json:"jitterMs"`
	BandwidthKbps float64 `json:"bandwidthKbps"`
}

type DeviceInfo struct {
	Platform string `json:"platform,omitempty"`
	Browser  string `json:"browser,omitempty"`
	Version  string `json:"version,omitempty"`
}

type Participant struct {
	UserID            string           `json:"userId"`
	ConnectionID      string           `json:"-"`
	Role              Role             `json:"role"`
	DisplayName       string           `json:"displayName"`
	AudioEnabled      bool             `json:"audioEnabled"`
	VideoEnabled      bool             `json:"videoEnabled"`
	ScreenSharing     bool             `json:"screenSharing"`
	ConnectionStatus  ConnectionStatus `json:"connectionStatus"`
	ConnectionQuality Quality          `json:"connectionQuality"`
	JoinedAt          time.Time        `json:"joinedAt"`
	LastSeen          time.Time        `json:"lastSeen"`
	DeviceInfo        *DeviceInfo      `json:"deviceInfo,omitempty"`
	MediaStats        *MediaStats      `json:"mediaStats,omitempty"`

	// Reconnection grace timer. Armed on abrupt disconnect, cancelled
	// synchronously when the same user rejoins. graceGen invalidates callbacks
	// of superseded timers.
	graceTimer clock.Timer
	graceGen   uint64
}

// view returns a copy safe to hand to the signaling layer after the room
// lock is released.
func (p *Participant) view() Participant {
	cp := *p
	cp.graceTimer = nil
	if p.DeviceInfo != nil {
		di := *p.DeviceInfo
		cp.DeviceInfo = &di
	}
	if p.MediaStats != nil {
		ms := *p.MediaStats
		cp.MediaStats = &ms
	}
	return cp
}

type Settings struct {
	MaxParticipants    int    `json:"maxParticipants"`
	QualityProfile     string `json:"qualityProfile"`
	ChatEnabled        bool   `json:"chatEnabled"`
	RecordingEnabled   bool   `json:"recordingEnabled"`
	ScreenShareEnabled bool   `json:"screenShareEnabled"`
}

// Metrics is the deterministic aggregate recomputed from the current
// participant set on every stats report.
type Metrics struct {
	AverageQuality     Quality   `json:"averageQuality"`
	NetworkStability   float64   `json:"networkStability"`
	TotalBandwidthKbps float64   `json:"totalBandwidthKbps"`
	TotalParticipants  int       `json:"totalParticipants"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Room is the in-memory session container for one consultation. It is owned
// exclusively by the Manager: all mutation happens under mu, which the
// Manager acquires after resolving the room from its table. Lock order is
// always Manager.mu before Room.mu, never the reverse.
type Room struct {
	mu sync.Mutex

	ConsultationID     string
	Participants       map[string]*Participant
	IsRecording        bool
	RecordingStartedAt time.Time
	CreatedAt          time.Time
	LastActivity       time.Time
	Settings           Settings
	Metrics            Metrics

	// ended marks the room as past its empty-room cascade: the consultation
	// status was set to ENDED and deletion is pending. Late joins are
	// rejected instead of racing a live session.
	ended       bool
	deleteTimer clock.Timer
}

func newRoom(consultationID string, settings Settings, now time.Time) *Room {
	return &Room{
		ConsultationID: consultationID,
		Participants:   make(map[string]*Participant, settings.MaxParticipants),
		CreatedAt:      now,
		LastActivity:   now,
		Settings:       settings,
		Metrics:        Metrics{AverageQuality: QualityGood, UpdatedAt: now},
	}
}

func (r *Room) participantViewsLocked() []Participant {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		out = append(out, p.view())
	}
	return out
}

func (r *Room) roleTakenLocked(role Role) bool {
	for _, p := range r.Participants {
		if p.Role == role {
			return true
		}
	}
	return false
}

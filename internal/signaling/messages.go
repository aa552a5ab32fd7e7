package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lawlink/consult-signaling/internal/room"
)

// FrameType names the client -> server message types. Server -> client event
// names live in the room package; the signaling layer adds config and error.
type FrameType string

const (
	FrameTypeAuth             FrameType = "auth"
	FrameTypeJoin             FrameType = "join-consultation"
	FrameTypeLeave            FrameType = "leave-consultation"
	FrameTypeOffer            FrameType = "offer"
	FrameTypeAnswer           FrameType = "answer"
	FrameTypeICECandidate     FrameType = "ice-candidate"
	FrameTypeToggleAudio      FrameType = "toggle-audio"
	FrameTypeToggleVideo      FrameType = "toggle-video"
	FrameTypeToggleScreen     FrameType = "toggle-screen-share"
	FrameTypeStartRecording   FrameType = "start-recording"
	FrameTypeStopRecording    FrameType = "stop-recording"
	FrameTypeReportStats      FrameType = "report-stats"
	FrameTypeChatMessage      FrameType = "chat-message"
	FrameTypeReportDeviceInfo FrameType = "report-device-info"
)

const (
	EventConfig room.EventType = "config"
	EventError  room.EventType = "error"
)

// Frame is the inbound message envelope. The payload is decoded per type.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes a single inbound envelope. Unknown fields and trailing
// data are rejected so malformed clients fail loudly.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decodeStrict(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}

// decodeOptional is decodeStrict for frames whose payload may be absent.
func decodeOptional(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decodeStrict(data, v)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// SDP is the wire form of a session description. It round-trips through the
// pion types so only descriptions pion would accept get relayed.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type AuthPayload struct {
	Token       string `json:"token,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type JoinPayload struct {
	ConsultationID string `json:"consultationId"`
	Role           string `json:"role,omitempty"`
}

type LeavePayload struct {
	ConsultationID string `json:"consultationId,omitempty"`
}

type RecordingPayload struct {
	ConsultationID string `json:"consultationId,omitempty"`
}

func (p JoinPayload) validate() error {
	if p.ConsultationID == "" {
		return fmt.Errorf("join missing consultationId")
	}
	switch room.Role(p.Role) {
	case "", room.RoleClient, room.RoleLawyer:
		return nil
	}
	return fmt.Errorf("unknown role %q", p.Role)
}

// SDPPayload addresses an offer or answer at one participant. The session
// description lives under "payload"; "sdp" is accepted as an alias because
// clients built against the pre-release protocol used it.
type SDPPayload struct {
	ConsultationID string `json:"consultationId,omitempty"`
	TargetUserID   string `json:"targetUserId,omitempty"`
	Payload        *SDP   `json:"payload,omitempty"`
	SDP            *SDP   `json:"sdp,omitempty"`
}

func (p SDPPayload) description() (SDP, error) {
	switch {
	case p.Payload != nil:
		return *p.Payload, nil
	case p.SDP != nil:
		return *p.SDP, nil
	}
	return SDP{}, fmt.Errorf("missing sdp payload")
}

// CandidatePayload carries one trickled ICE candidate, addressed like
// SDPPayload. "candidate" is the pre-release alias for "payload".
type CandidatePayload struct {
	ConsultationID string     `json:"consultationId,omitempty"`
	TargetUserID   string     `json:"targetUserId,omitempty"`
	Payload        *Candidate `json:"payload,omitempty"`
	Candidate      *Candidate `json:"candidate,omitempty"`
}

func (p CandidatePayload) candidate() (Candidate, error) {
	switch {
	case p.Payload != nil:
		return *p.Payload, nil
	case p.Candidate != nil:
		return *p.Candidate, nil
	}
	return Candidate{}, fmt.Errorf("missing candidate payload")
}

type TogglePayload struct {
	ConsultationID string `json:"consultationId,omitempty"`
	Enabled        bool   `json:"enabled"`
}

type StatsPayload struct {
	ConsultationID string          `json:"consultationId,omitempty"`
	Quality        string          `json:"connectionQuality,omitempty"`
	Stats          room.MediaStats `json:"stats"`
}

type ChatPayload struct {
	ConsultationID string    `json:"consultationId,omitempty"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

type DeviceInfoPayload struct {
	ConsultationID string          `json:"consultationId,omitempty"`
	DeviceInfo     room.DeviceInfo `json:"deviceInfo"`
}

// ConfigPayload is pushed to a client right after authentication so it can
// build its RTCPeerConnection with the same ICE servers the counterpart uses.
type ConfigPayload struct {
	ConnectionID      string   `json:"connectionId"`
	STUNURLs          []string `json:"stunUrls"`
	PingIntervalMs    int64    `json:"pingIntervalMs"`
	MaxMessageBytes   int64    `json:"maxMessageBytes"`
	MessagesPerSecond int      `json:"messagesPerSecond"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RelaySDPPayload wraps a forwarded offer or answer with its origin.
type RelaySDPPayload struct {
	FromUserID     string `json:"fromUserId"`
	ConsultationID string `json:"consultationId"`
	Payload        SDP    `json:"payload"`
}

// RelayCandidatePayload wraps a forwarded ICE candidate with its origin.
type RelayCandidatePayload struct {
	FromUserID     string    `json:"fromUserId"`
	ConsultationID string    `json:"consultationId"`
	Payload        Candidate `json:"payload"`
}

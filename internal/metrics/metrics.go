// Package metrics holds the in-process event counters and the periodic
// server-state sampler.
package metrics

import "sync"

// Event counter names.
const (
	ConnectionsAccepted = "connections_accepted"
	AuthFailure         = "auth_failure"

	RoomCreated = "room_created"
	RoomDeleted = "room_deleted"
	RoomSwept   = "room_swept"

	ParticipantJoined    = "participant_joined"
	ParticipantLeft      = "participant_left"
	ParticipantRemoved   = "participant_removed_grace_expired"
	ParticipantReclaimed = "participant_silent_reconnect"

	RecordingStarted = "recording_started"
	RecordingStopped = "recording_stopped"

	DropReasonTargetOffline = "relay_target_offline"
	DropReasonRateLimited   = "rate_limited"
	DropReasonSendQueueFull = "send_queue_full"

	ExternalCallFailed = "external_call_failed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps room/relay enforcement logic testable without a metrics backend;
// the /metrics endpoint exposes the counters in Prometheus text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

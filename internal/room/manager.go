package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
	"github.com/lawlink/consult-signaling/internal/metrics"
)

const externalCallTimeout = 10 * time.Second

// ManagerConfig carries the room lifecycle knobs.
type ManagerConfig struct {
	MaxParticipants int
	ReconnectGrace  time.Duration
	EmptyRoomDelay  time.Duration
}

// Manager owns the table of active rooms and composes the registry,
// reconnection supervisor, presence aggregation and recording coordination.
//
// Mutations for one consultation are serialized by that room's lock; rooms
// are independent. External I/O (entitlement aside, which gates the join
// before any state change) is issued asynchronously and never holds a lock.
type Manager struct {
	log     *slog.Logger
	clk     clock.Clock
	metrics *metrics.Metrics
	cfg     ManagerConfig

	registry  *ConnectionRegistry
	sender    Sender
	reconnect *ReconnectionSupervisor
	recording *RecordingCoordinator

	entitlements EntitlementChecker
	status       StatusStore
	notifier     Notifier

	// exec runs a best-effort external call off the dispatch path. Replaced
	// with a synchronous variant in tests.
	exec func(op string, f func(ctx context.Context) error)

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	// userRoom maps userID -> consultationID. Guarded by its own leaf mutex
	// because it is consulted and updated while a room lock is held; lock
	// order is Manager.mu -> Room.mu -> userMu.
	userMu   sync.Mutex
	userRoom map[string]string
}

type Deps struct {
	Registry     *ConnectionRegistry
	Sender       Sender
	Entitlements EntitlementChecker
	Status       StatusStore
	Recorder     RecordingService
	Notifier     Notifier
}

func NewManager(log *slog.Logger, clk clock.Clock, m *metrics.Metrics, cfg ManagerConfig, deps Deps) *Manager {
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = 2
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	if cfg.EmptyRoomDelay <= 0 {
		cfg.EmptyRoomDelay = time.Minute
	}

	mgr := &Manager{
		log:          log,
		clk:          clk,
		metrics:      m,
		cfg:          cfg,
		registry:     deps.Registry,
		sender:       deps.Sender,
		entitlements: deps.Entitlements,
		status:       deps.Status,
		notifier:     deps.Notifier,
		rooms:        make(map[string]*Room),
		userRoom:     make(map[string]string),
	}
	mgr.exec = mgr.runAsync
	mgr.reconnect = newReconnectionSupervisor(clk, cfg.ReconnectGrace, mgr.onGraceExpired)
	mgr.recording = newRecordingCoordinator(log, clk, m, deps.Recorder, deps.Sender, func(op string, f func(ctx context.Context) error) {
		mgr.exec(op, f)
	})
	return mgr
}

func (m *Manager) runAsync(op string, f func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
		defer cancel()
		if err := f(ctx); err != nil {
			m.metrics.Inc(metrics.ExternalCallFailed)
			m.log.Warn("external call failed", "op", op, "err", err)
		}
	}()
}

func (m *Manager) defaultSettings() Settings {
	return Settings{
		MaxParticipants:    m.cfg.MaxParticipants,
		QualityProfile:     "balanced",
		ChatEnabled:        true,
		RecordingEnabled:   true,
		ScreenShareEnabled: true,
	}
}

// Join admits userID into the consultation's room, creating the room lazily
// on first successful join. The entitlement check happens before any state
// change; a denial leaves no trace. A join for a user already present is the
// reconnect path: the pending grace timer is cancelled and the participant
// keeps their slot with the new connection.
func (m *Manager) Join(ctx context.Context, consultationID, userID, connectionID string, claimedRole Role, displayName string) error {
	if m.isClosed() {
		return ErrShuttingDown
	}

	ent, err := m.entitlements.Check(ctx, consultationID, userID)
	if err != nil {
		m.metrics.Inc(metrics.ExternalCallFailed)
		m.log.Warn("entitlement check failed", "consultation_id", consultationID, "user_id", userID, "err", err)
		return ErrNotEntitled
	}
	if !ent.Allowed {
		return ErrNotEntitled
	}
	if claimedRole != "" && ent.Role != "" && claimedRole != ent.Role {
		return ErrNotEntitled
	}
	// Dev-mode entitlement checkers leave the role open; fall back to the
	// claimed role, then to CLIENT.
	role := ent.Role
	if role == "" {
		role = claimedRole
	}
	if role == "" {
		role = RoleClient
	}

	// A user can be in one consultation at a time; joining a new one
	// implicitly leaves the old.
	if prev, ok := m.roomForUser(userID); ok && prev != consultationID {
		_ = m.Leave(prev, userID)
	}

	r, err := m.getOrCreateRoom(consultationID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrConsultationEnded
	}

	now := m.clk.Now()

	if existing, ok := r.Participants[userID]; ok {
		// Silent reconnection (or a deliberate socket replacement): no
		// participant-left/participant-joined pair is observed.
		m.reconnect.resumeLocked(existing, connectionID)
		m.registry.Register(userID, connectionID)
		r.LastActivity = now
		r.Metrics = computeMetrics(r.Participants, now)
		m.metrics.Inc(metrics.ParticipantReclaimed)
		m.log.Info("participant reconnected", "consultation_id", consultationID, "user_id", userID)
		m.sender.Send(connectionID, Event{Type: EventConsultationJoined, Data: RosterPayload{
			ConsultationID: consultationID,
			Participants:   r.participantViewsLocked(),
			IsRecording:    r.IsRecording,
			Settings:       r.Settings,
		}})
		return nil
	}

	if len(r.Participants) >= r.Settings.MaxParticipants {
		return ErrRoomFull
	}
	if r.roleTakenLocked(role) {
		// Two-party consultations hold exactly one CLIENT and one LAWYER.
		m.log.Warn("join rejected: role already present", "consultation_id", consultationID, "user_id", userID, "role", role)
		return ErrRoomFull
	}

	p := &Participant{
		UserID:            userID,
		ConnectionID:      connectionID,
		Role:              role,
		DisplayName:       displayName,
		AudioEnabled:      true,
		VideoEnabled:      true,
		ConnectionStatus:  StatusConnecting,
		ConnectionQuality: QualityGood,
		JoinedAt:          now,
		LastSeen:          now,
	}
	r.Participants[userID] = p
	p.ConnectionStatus = StatusConnected
	r.LastActivity = now
	r.Metrics = computeMetrics(r.Participants, now)

	m.registry.Register(userID, connectionID)
	m.setRoomForUser(userID, consultationID)
	m.metrics.Inc(metrics.ParticipantJoined)
	m.log.Info("participant joined", "consultation_id", consultationID, "user_id", userID, "role", role)

	m.exec("status.in_progress", func(ctx context.Context) error {
		return m.status.UpdateStatus(ctx, consultationID, StatusInProgress)
	})

	broadcastLocked(m.sender, r, Event{Type: EventParticipantJoined, Data: p.view()}, connectionID)
	m.sender.Send(connectionID, Event{Type: EventConsultationJoined, Data: RosterPayload{
		ConsultationID: consultationID,
		Participants:   r.participantViewsLocked(),
		IsRecording:    r.IsRecording,
		Settings:       r.Settings,
	}})

	if ent.CounterpartUserID != "" {
		if _, online := m.registry.ConnectionFor(ent.CounterpartUserID); !online {
			counterpart := ent.CounterpartUserID
			call := IncomingCall{ConsultationID: consultationID, FromUserID: userID, FromName: displayName}
			m.exec("notify.incoming_call", func(ctx context.Context) error {
				return m.notifier.SendIncomingCall(ctx, counterpart, call)
			})
		}
	}
	return nil
}

// Leave removes the participant immediately and runs the empty-room cascade
// when the last participant is gone.
func (m *Manager) Leave(consultationID, userID string) error {
	r, ok := m.room(consultationID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Participants[userID]
	if !ok {
		return ErrParticipantNotFound
	}
	m.removeParticipantLocked(r, p)
	m.metrics.Inc(metrics.ParticipantLeft)
	m.log.Info("participant left", "consultation_id", consultationID, "user_id", userID)
	return nil
}

// Disconnected handles an abrupt socket drop without a leave event. The
// participant stays in the room for the grace period.
func (m *Manager) Disconnected(connectionID string) {
	userID, ok := m.registry.Unregister(connectionID)
	if !ok {
		// Superseded by a newer registration; the newer socket owns the
		// participant now.
		return
	}

	consultationID, ok := m.roomForUser(userID)
	if !ok {
		return
	}
	r, ok := m.room(consultationID)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Participants[userID]
	if !ok || p.ConnectionID != connectionID {
		return
	}
	m.reconnect.markDisconnectedLocked(r, p)
	r.LastActivity = m.clk.Now()
	r.Metrics = computeMetrics(r.Participants, r.LastActivity)
	m.log.Info("participant disconnected, grace period armed",
		"consultation_id", consultationID, "user_id", userID, "grace", m.cfg.ReconnectGrace)
	broadcastLocked(m.sender, r, Event{Type: EventParticipantDisconnected, Data: ParticipantRefPayload{UserID: userID}}, "")
}

// onGraceExpired is the reconnection timer callback. It re-validates the
// generation under the room lock; a reconnect that raced the timer wins.
func (m *Manager) onGraceExpired(consultationID, userID string, gen uint64) {
	r, ok := m.room(consultationID)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Participants[userID]
	if !ok || p.graceGen != gen || p.ConnectionStatus != StatusDisconnected {
		return
	}
	m.removeParticipantLocked(r, p)
	m.metrics.Inc(metrics.ParticipantRemoved)
	m.log.Info("participant removed after grace period", "consultation_id", consultationID, "user_id", userID)
}

// removeParticipantLocked deletes p from the room, emits participant-left
// and triggers the empty-room cascade if nobody is left. Caller holds the
// room lock.
func (m *Manager) removeParticipantLocked(r *Room, p *Participant) {
	m.reconnect.cancelLocked(p)
	delete(r.Participants, p.UserID)
	m.clearRoomForUser(p.UserID, r.ConsultationID)
	if conn, ok := m.registry.ConnectionFor(p.UserID); ok && conn == p.ConnectionID {
		m.registry.Unregister(conn)
	}

	now := m.clk.Now()
	r.LastActivity = now
	r.Metrics = computeMetrics(r.Participants, now)

	broadcastLocked(m.sender, r, Event{Type: EventParticipantLeft, Data: ParticipantRefPayload{UserID: p.UserID}}, "")

	if len(r.Participants) == 0 {
		m.endRoomLocked(r)
	}
}

// endRoomLocked runs the empty-room cascade: persist ENDED, stop any active
// recording and schedule deletion after the post-empty delay. Caller holds
// the room lock.
func (m *Manager) endRoomLocked(r *Room) {
	if r.ended {
		return
	}
	r.ended = true

	consultationID := r.ConsultationID
	m.exec("status.ended", func(ctx context.Context) error {
		return m.status.UpdateStatus(ctx, consultationID, StatusEnded)
	})
	if r.IsRecording {
		m.recording.haltLocked(r)
	}

	r.deleteTimer = m.clk.AfterFunc(m.cfg.EmptyRoomDelay, func() {
		m.deleteRoom(consultationID, r)
	})
	m.log.Info("room empty, deletion scheduled", "consultation_id", consultationID, "delay", m.cfg.EmptyRoomDelay)
}

func (m *Manager) deleteRoom(consultationID string, expected *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rooms[consultationID]
	if !ok || cur != expected {
		return
	}

	cur.mu.Lock()
	empty := len(cur.Participants) == 0
	cur.mu.Unlock()
	if !empty {
		return
	}

	delete(m.rooms, consultationID)
	m.metrics.Inc(metrics.RoomDeleted)
	m.log.Info("room deleted", "consultation_id", consultationID)
}

// ToggleMedia flips an audio/video/screen-share flag and notifies the other
// participants. A toggle for a user who already left is silently ignored.
func (m *Manager) ToggleMedia(consultationID, userID string, field MediaField, enabled bool) error {
	evType, ok := toggleEventType(field)
	if !ok {
		return errors.New("unknown media field " + string(field))
	}

	r, found := m.room(consultationID)
	if !found {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.Participants[userID]
	if !present {
		return nil
	}

	switch field {
	case FieldAudio:
		p.AudioEnabled = enabled
	case FieldVideo:
		p.VideoEnabled = enabled
	case FieldScreenShare:
		p.ScreenSharing = enabled
	}
	now := m.clk.Now()
	p.LastSeen = now
	r.LastActivity = now

	broadcastLocked(m.sender, r, Event{Type: evType, Data: TogglePayload{UserID: userID, Enabled: enabled}}, p.ConnectionID)
	return nil
}

// ReportStats ingests a client stats report and recomputes the room
// aggregate deterministically from the full participant set. Replaying an
// identical report yields an identical aggregate.
func (m *Manager) ReportStats(consultationID, userID string, stats MediaStats, declared Quality) error {
	r, found := m.room(consultationID)
	if !found {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.Participants[userID]
	if !present {
		return nil
	}

	statsCopy := stats
	p.MediaStats = &statsCopy
	if declared.valid() {
		p.ConnectionQuality = declared
	}
	now := m.clk.Now()
	p.LastSeen = now
	r.LastActivity = now

	prev := r.Metrics.AverageQuality
	r.Metrics = computeMetrics(r.Participants, now)

	broadcastLocked(m.sender, r, Event{Type: EventParticipantQualityUpdate, Data: QualityUpdatePayload{
		UserID:  userID,
		Quality: p.ConnectionQuality,
		Stats:   p.MediaStats,
	}}, p.ConnectionID)

	if r.Metrics.AverageQuality != prev {
		broadcastLocked(m.sender, r, Event{Type: EventQualityChanged, Data: QualityChangedPayload{
			Quality: r.Metrics.AverageQuality,
			Metrics: r.Metrics,
		}}, "")
	}
	return nil
}

// Chat fans a chat message out to the other participants.
func (m *Manager) Chat(consultationID, fromUserID, message string, ts time.Time) error {
	r, found := m.room(consultationID)
	if !found {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.Participants[fromUserID]
	if !present {
		return ErrParticipantNotFound
	}
	if ts.IsZero() {
		ts = m.clk.Now()
	}
	r.LastActivity = m.clk.Now()

	broadcastLocked(m.sender, r, Event{Type: EventChatMessage, Data: ChatPayload{
		FromUserID: fromUserID,
		FromName:   p.DisplayName,
		Message:    message,
		Timestamp:  ts,
	}}, p.ConnectionID)
	return nil
}

// SetDeviceInfo records the reporting client's device details.
func (m *Manager) SetDeviceInfo(consultationID, userID string, info DeviceInfo) error {
	r, found := m.room(consultationID)
	if !found {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.Participants[userID]
	if !present {
		return nil
	}
	infoCopy := info
	p.DeviceInfo = &infoCopy
	p.LastSeen = m.clk.Now()
	return nil
}

// StartRecording begins recording, gated to the LAWYER role.
func (m *Manager) StartRecording(consultationID, requesterUserID string) error {
	r, found := m.room(consultationID)
	if !found {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.Participants[requesterUserID]
	if !present {
		return ErrParticipantNotFound
	}
	return m.recording.startLocked(r, p)
}

// StopRecording ends recording, gated to the LAWYER role.
func (m *Manager) StopRecording(consultationID, requesterUserID string) error {
	r, found := m.room(consultationID)
	if !found {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.Participants[requesterUserID]
	if !present {
		return ErrParticipantNotFound
	}
	return m.recording.stopLocked(r, p)
}

// SweepIdleRooms deletes rooms that have been empty longer than olderThan.
// It is the backstop for empty-room delete timers lost to a restart.
func (m *Manager) SweepIdleRooms(olderThan time.Duration) int {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for id, r := range m.rooms {
		r.mu.Lock()
		idle := len(r.Participants) == 0 && now.Sub(r.LastActivity) > olderThan
		if idle && r.deleteTimer != nil {
			r.deleteTimer.Stop()
			r.deleteTimer = nil
		}
		r.mu.Unlock()

		if idle {
			delete(m.rooms, id)
			swept++
			m.metrics.Inc(metrics.RoomSwept)
		}
	}
	return swept
}

// RoomSnapshot implements metrics.RoomSource.
func (m *Manager) RoomSnapshot() (rooms, participants int, avgLatency float64) {
	m.mu.Lock()
	list := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		list = append(list, r)
	}
	m.mu.Unlock()

	var rttSum float64
	var rttN int
	for _, r := range list {
		r.mu.Lock()
		participants += len(r.Participants)
		sum, n := avgLatencyMs(r.Participants)
		rttSum += sum
		rttN += n
		r.mu.Unlock()
	}
	if rttN > 0 {
		avgLatency = rttSum / float64(rttN)
	}
	return len(list), participants, avgLatency
}

// RoomView returns a snapshot of one room for inspection and tests.
func (m *Manager) RoomView(consultationID string) (RosterPayload, bool) {
	r, ok := m.room(consultationID)
	if !ok {
		return RosterPayload{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return RosterPayload{
		ConsultationID: consultationID,
		Participants:   r.participantViewsLocked(),
		IsRecording:    r.IsRecording,
		Settings:       r.Settings,
	}, true
}

// ConnectionFor reports the live connection registered for a user, if any.
func (m *Manager) ConnectionFor(userID string) (string, bool) {
	return m.registry.ConnectionFor(userID)
}

// ActiveRooms reports the number of rooms currently in the table.
func (m *Manager) ActiveRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close stops all timers and prevents further room mutation.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	list := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		list = append(list, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	m.userMu.Lock()
	m.userRoom = make(map[string]string)
	m.userMu.Unlock()

	for _, r := range list {
		r.mu.Lock()
		if r.deleteTimer != nil {
			r.deleteTimer.Stop()
			r.deleteTimer = nil
		}
		for _, p := range r.Participants {
			m.reconnect.cancelLocked(p)
		}
		r.mu.Unlock()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) room(consultationID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[consultationID]
	return r, ok
}

func (m *Manager) getOrCreateRoom(consultationID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	if r, ok := m.rooms[consultationID]; ok {
		return r, nil
	}
	r := newRoom(consultationID, m.defaultSettings(), m.clk.Now())
	m.rooms[consultationID] = r
	m.metrics.Inc(metrics.RoomCreated)
	m.log.Info("room created", "consultation_id", consultationID)
	return r, nil
}

func (m *Manager) roomForUser(userID string) (string, bool) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	id, ok := m.userRoom[userID]
	return id, ok
}

func (m *Manager) setRoomForUser(userID, consultationID string) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.userRoom[userID] = consultationID
}

func (m *Manager) clearRoomForUser(userID, consultationID string) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	if m.userRoom[userID] == consultationID {
		delete(m.userRoom, userID)
	}
}

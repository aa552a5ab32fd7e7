package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lawlink/consult-signaling/internal/auth"
	"github.com/lawlink/consult-signaling/internal/clock"
	"github.com/lawlink/consult-signaling/internal/config"
	"github.com/lawlink/consult-signaling/internal/metrics"
	"github.com/lawlink/consult-signaling/internal/ratelimit"
	"github.com/lawlink/consult-signaling/internal/room"
)

const (
	wsWriteWait  = 1 * time.Second
	sendQueueLen = 64
)

// Hub is the table of live signaling connections. It implements room.Sender
// for the room layer and the connection gauge for the metrics collector.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*wsConn
}

func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		conns:   make(map[string]*wsConn),
	}
}

// Send marshals the event and enqueues it on the connection's send queue.
// It never blocks: a full queue or a gone connection drops the frame.
func (h *Hub) Send(connectionID string, ev room.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal outbound event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	c, ok := h.conns[connectionID]
	h.mu.Unlock()
	if !ok {
		h.metrics.Inc(metrics.DropReasonTargetOffline)
		return
	}

	if !c.enqueue(outFrame{data: data}) {
		h.metrics.Inc(metrics.DropReasonSendQueueFull)
		h.log.Warn("send queue full, dropping frame", "connection_id", connectionID, "type", ev.Type)
	}
}

// ActiveConnections implements metrics.ConnSource.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}

// Close tears down every live connection.
func (h *Hub) Close() {
	h.mu.Lock()
	list := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		list = append(list, c)
	}
	h.conns = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range list {
		c.enqueueClose(websocket.CloseGoingAway, "server shutting down")
	}
}

type outFrame struct {
	data        []byte // text frame; nil marks a close frame
	closeCode   int
	closeReason string
}

type wsConn struct {
	id       string
	conn     *websocket.Conn
	identity auth.Identity

	sendCh chan outFrame
	done   chan struct{}
	once   sync.Once

	// consultationID is only touched by the read loop goroutine.
	consultationID string
}

func (c *wsConn) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

// enqueueClose asks the write pump to flush queued frames, send a close
// frame and tear the socket down. Falls back to a hard close when the queue
// is full.
func (c *wsConn) enqueueClose(code int, reason string) {
	if !c.enqueue(outFrame{closeCode: code, closeReason: reason}) {
		c.close()
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump owns all data writes on the socket. Control pings keep NAT
// bindings and proxies from killing idle consultations.
func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if f.data != nil {
				if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					c.close()
					return
				}
				continue
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(f.closeCode, f.closeReason), time.Now().Add(wsWriteWait))
			c.close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// ServerConfig wires together the runtime dependencies of the WebSocket
// signaling endpoint.
type ServerConfig struct {
	Log      *slog.Logger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Verifier auth.Verifier
	Manager  *room.Manager
	Hub      *Hub

	AuthMode    config.AuthMode
	AuthTimeout time.Duration

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int

	STUNURLs []string
}

// Server is the WebSocket signaling endpoint. One goroutine per connection
// reads and dispatches frames; the write pump serializes outbound traffic.
type Server struct {
	cfg      ServerConfig
	relay    *Relay
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultWSIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultWSPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}

	return &Server{
		cfg:   cfg,
		relay: NewRelay(cfg.Log, cfg.Metrics, cfg.Manager, cfg.Manager, cfg.Hub),
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.cfg.Metrics.Inc(metrics.ConnectionsAccepted)

	c := &wsConn{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan outFrame, sendQueueLen),
		done:   make(chan struct{}),
	}
	go c.writePump(s.cfg.PingInterval)

	defer func() {
		s.cfg.Hub.remove(c)
		s.cfg.Manager.Disconnected(c.id)
		c.close()
	}()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	authenticated := false
	if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
		id, err := s.cfg.Verifier.Verify(cred)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			s.fail(c, "unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
			return
		}
		c.identity = id
		authenticated = true
	} else if !errors.Is(err, auth.ErrMissingCredentials) {
		s.fail(c, "internal_error", "invalid auth configuration", websocket.CloseInternalServerErr)
		return
	}

	conn.SetPongHandler(func(string) error {
		if authenticated {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		return nil
	})

	if authenticated {
		s.admit(c)
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	}

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock,
		int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !authenticated && isTimeout(err) {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				c.enqueueClose(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate limit after reading so any bytes already in the TCP receive
		// buffer are consumed. Closing before reading can trigger an abortive
		// close (RST) that hides the close code from the client.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			s.fail(c, "rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			s.fail(c, "bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}

		if !authenticated {
			if frame.Type != FrameTypeAuth {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				s.fail(c, "unauthorized", "authentication required", websocket.ClosePolicyViolation)
				return
			}
			var p AuthPayload
			if err := decodeStrict(frame.Data, &p); err != nil {
				s.fail(c, "bad_message", "invalid auth payload", websocket.ClosePolicyViolation)
				return
			}
			id, err := s.cfg.Verifier.Verify(auth.Credential{
				Token:       p.Token,
				UserID:      p.UserID,
				DisplayName: p.DisplayName,
			})
			if err != nil {
				s.cfg.Metrics.Inc(metrics.AuthFailure)
				s.fail(c, "unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
				return
			}
			c.identity = id
			authenticated = true
			s.admit(c)
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !s.dispatch(r, c, frame) {
			return
		}
	}
}

// admit registers the authenticated connection and pushes the config frame.
func (s *Server) admit(c *wsConn) {
	s.cfg.Hub.add(c)
	s.cfg.Log.Info("signaling connection authenticated",
		"connection_id", c.id, "user_id", c.identity.UserID)
	s.cfg.Hub.Send(c.id, room.Event{Type: EventConfig, Data: ConfigPayload{
		ConnectionID:      c.id,
		STUNURLs:          s.cfg.STUNURLs,
		PingIntervalMs:    s.cfg.PingInterval.Milliseconds(),
		MaxMessageBytes:   s.cfg.MaxMessageBytes,
		MessagesPerSecond: s.cfg.MessagesPerSecond,
	}})
}

// dispatch handles one authenticated frame. The return value reports whether
// the read loop should continue; protocol violations close the socket while
// application-level rejections only produce an error frame.
func (s *Server) dispatch(r *http.Request, c *wsConn, frame Frame) bool {
	switch frame.Type {
	case FrameTypeAuth:
		// Tolerated: clients may re-send auth after a query-string login.
		return true

	case FrameTypeJoin:
		var p JoinPayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid join payload", websocket.ClosePolicyViolation)
			return false
		}
		if err := p.validate(); err != nil {
			s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation)
			return false
		}
		err := s.cfg.Manager.Join(r.Context(), p.ConsultationID, c.identity.UserID, c.id,
			room.Role(p.Role), c.identity.DisplayName)
		if err != nil {
			s.sendError(c, err)
			return true
		}
		c.consultationID = p.ConsultationID
		return true

	case FrameTypeLeave:
		var p LeavePayload
		if err := decodeOptional(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid leave payload", websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		if err := s.cfg.Manager.Leave(consultationID, c.identity.UserID); err != nil {
			s.sendError(c, err)
		}
		c.consultationID = ""
		return true

	case FrameTypeOffer, FrameTypeAnswer:
		var p SDPPayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid sdp payload", websocket.ClosePolicyViolation)
			return false
		}
		sdp, err := p.description()
		if err != nil {
			s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation)
			return false
		}
		desc, err := sdp.ToPion()
		if err != nil {
			s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation)
			return false
		}
		if desc.Type.String() != string(frame.Type) {
			s.fail(c, "bad_message", "sdp type does not match frame type", websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		s.relay.ForwardSDP(consultationID, c.identity.UserID, p.TargetUserID, frame.Type, SDPFromPion(desc))
		return true

	case FrameTypeICECandidate:
		var p CandidatePayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid candidate payload", websocket.ClosePolicyViolation)
			return false
		}
		cand, err := p.candidate()
		if err != nil {
			s.fail(c, "bad_message", err.Error(), websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		// An empty candidate string signals end-of-candidates; forward it too.
		s.relay.ForwardCandidate(consultationID, c.identity.UserID, p.TargetUserID, CandidateFromPion(cand.ToPion()))
		return true

	case FrameTypeToggleAudio, FrameTypeToggleVideo, FrameTypeToggleScreen:
		var p TogglePayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid toggle payload", websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		field := map[FrameType]room.MediaField{
			FrameTypeToggleAudio:  room.FieldAudio,
			FrameTypeToggleVideo:  room.FieldVideo,
			FrameTypeToggleScreen: room.FieldScreenShare,
		}[frame.Type]
		if err := s.cfg.Manager.ToggleMedia(consultationID, c.identity.UserID, field, p.Enabled); err != nil {
			s.sendError(c, err)
		}
		return true

	case FrameTypeStartRecording, FrameTypeStopRecording:
		var p RecordingPayload
		if err := decodeOptional(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid recording payload", websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		var err error
		if frame.Type == FrameTypeStartRecording {
			err = s.cfg.Manager.StartRecording(consultationID, c.identity.UserID)
		} else {
			err = s.cfg.Manager.StopRecording(consultationID, c.identity.UserID)
		}
		if err != nil {
			s.sendError(c, err)
		}
		return true

	case FrameTypeReportStats:
		var p StatsPayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid stats payload", websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		if err := s.cfg.Manager.ReportStats(consultationID, c.identity.UserID, p.Stats, room.Quality(p.Quality)); err != nil {
			s.sendError(c, err)
		}
		return true

	case FrameTypeChatMessage:
		var p ChatPayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid chat payload", websocket.ClosePolicyViolation)
			return false
		}
		if p.Message == "" {
			return true
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		ts := p.Timestamp
		if ts.IsZero() {
			ts = s.cfg.Clock.Now()
		}
		if err := s.cfg.Manager.Chat(consultationID, c.identity.UserID, p.Message, ts); err != nil {
			s.sendError(c, err)
		}
		return true

	case FrameTypeReportDeviceInfo:
		var p DeviceInfoPayload
		if err := decodeStrict(frame.Data, &p); err != nil {
			s.fail(c, "bad_message", "invalid device info payload", websocket.ClosePolicyViolation)
			return false
		}
		consultationID, ok := s.resolveRoom(c, p.ConsultationID)
		if !ok {
			return true
		}
		if err := s.cfg.Manager.SetDeviceInfo(consultationID, c.identity.UserID, p.DeviceInfo); err != nil {
			s.sendError(c, err)
		}
		return true

	default:
		s.fail(c, "bad_message", "unsupported frame type "+string(frame.Type), websocket.ClosePolicyViolation)
		return false
	}
}

// resolveRoom checks the connection is joined and, when the frame names a
// consultation, that it names the joined one. Frames without the field act
// on the joined consultation.
func (s *Server) resolveRoom(c *wsConn, claimed string) (string, bool) {
	if c.consultationID == "" {
		s.sendErrorCode(c, "not_in_consultation", "join a consultation first")
		return "", false
	}
	if claimed != "" && claimed != c.consultationID {
		s.sendErrorCode(c, "not_in_consultation", "not joined to consultation "+claimed)
		return "", false
	}
	return c.consultationID, true
}

func (s *Server) sendError(c *wsConn, err error) {
	s.sendErrorCode(c, errorCode(err), err.Error())
}

func (s *Server) sendErrorCode(c *wsConn, code, message string) {
	s.cfg.Hub.Send(c.id, room.Event{Type: EventError, Data: ErrorPayload{
		Code:    code,
		Message: message,
	}})
}

// fail sends a final error frame and closes the socket.
func (s *Server) fail(c *wsConn, code, message string, closeCode int) {
	data, err := json.Marshal(room.Event{Type: EventError, Data: ErrorPayload{Code: code, Message: message}})
	if err == nil {
		c.enqueue(outFrame{data: data})
	}
	c.enqueueClose(closeCode, code)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrNotEntitled):
		return "not_entitled"
	case errors.Is(err, room.ErrRoomFull):
		return "room_full"
	case errors.Is(err, room.ErrConsultationEnded):
		return "consultation_ended"
	case errors.Is(err, room.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, room.ErrParticipantNotFound):
		return "not_in_consultation"
	case errors.Is(err, room.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, room.ErrAlreadyRecording):
		return "already_recording"
	case errors.Is(err, room.ErrNotRecording):
		return "not_recording"
	case errors.Is(err, room.ErrShuttingDown):
		return "shutting_down"
	default:
		return "internal_error"
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

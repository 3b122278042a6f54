package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/storymind-ai/storymind/core"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// helloWait bounds how long a fresh connection has to authenticate.
	helloWait = 10 * time.Second

	maxFrameBytes = 512 * 1024
)

// RequestHandler executes a routed request originating from a client frame.
// Results are published as events on the conversation topic; only failures
// come back through the returned error.
type RequestHandler interface {
	Handle(ctx context.Context, ownerID string, req *core.AgentRequest) error
}

// Authenticator validates hello credentials. Token issuance lives outside
// the core.
type Authenticator interface {
	Authenticate(ctx context.Context, ownerID, token string) error
}

// AllowAll accepts any hello that names an owner. The default for local
// development; production deployments plug in a real verifier.
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, ownerID, _ string) error {
	if ownerID == "" {
		return core.ErrInvalidRequest
	}
	return nil
}

// WSServer is the client-facing WebSocket endpoint. Each connection runs a
// typed frame loop: a reader task dispatching client frames and a single
// writer task serializing everything going out.
type WSServer struct {
	hub        *Hub
	handler    RequestHandler
	auth       Authenticator
	instanceID string

	defaultDeadline time.Duration
	defaultMode     core.SafetyMode

	logger   core.Logger
	recorder core.Recorder
	upgrader websocket.Upgrader
}

// NewWSServer creates the endpoint. handler may not be nil; auth defaults
// to AllowAll.
func NewWSServer(h *Hub, handler RequestHandler, auth Authenticator, instanceID string, defaultDeadline time.Duration, defaultMode core.SafetyMode, logger core.Logger, recorder core.Recorder) *WSServer {
	if auth == nil {
		auth = AllowAll{}
	}
	if defaultDeadline <= 0 {
		defaultDeadline = 30 * time.Second
	}
	if !defaultMode.Valid() {
		defaultMode = core.SafetyNormal
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	return &WSServer{
		hub:             h,
		handler:         handler,
		auth:            auth,
		instanceID:      instanceID,
		defaultDeadline: defaultDeadline,
		defaultMode:     defaultMode,
		logger:          logger,
		recorder:        recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its frame loop to completion.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", map[string]interface{}{"error": err})
		return
	}
	s.serve(r.Context(), conn)
}

func (s *WSServer) serve(parent context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	session, ok := s.handshake(parent, conn)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer session.Close()

	// ctrl carries direct replies (subscribed, pong, error); events and
	// gaps flow through the session. One writer drains both.
	ctrl := make(chan interface{}, 16)
	writerDone := make(chan struct{})
	go s.writeLoop(conn, session, ctrl, writerDone)

	s.readLoop(ctx, conn, session, ctrl, writerDone)
	cancel()
	<-writerDone
}

// handshake enforces hello-first and authenticates the owner.
func (s *WSServer) handshake(ctx context.Context, conn *websocket.Conn) (*Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	var hello clientFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != frameHello {
		s.writeDirect(conn, errorFrame{Type: frameError, Code: core.CodeInvalidRequest, Message: "expected hello frame"})
		return nil, false
	}
	if err := s.auth.Authenticate(ctx, hello.OwnerID, hello.Token); err != nil {
		s.writeDirect(conn, errorFrame{Type: frameError, Code: core.CodeUnauthenticated, Message: "authentication failed"})
		s.recorder.Counter("hub.auth_failures", 1, nil)
		return nil, false
	}

	session, err := s.hub.Attach(uuid.New().String(), hello.OwnerID)
	if err != nil {
		s.writeDirect(conn, errorFrame{Type: frameError, Code: core.CodeInternal, Message: "attach failed"})
		return nil, false
	}

	s.writeDirect(conn, welcomeFrame{
		Type:       frameWelcome,
		InstanceID: s.instanceID,
		ServerTime: time.Now().UnixMilli(),
	})
	s.logger.Info("Client connected", map[string]interface{}{
		"connection_id": session.ID,
		"owner_id":      session.OwnerID,
	})
	return session, true
}

func (s *WSServer) readLoop(ctx context.Context, conn *websocket.Conn, session *Session, ctrl chan interface{}, writerDone <-chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Connection read failed", map[string]interface{}{
					"connection_id": session.ID,
					"error":         err,
				})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case frameSubscribe:
			if len(frame.Topics) == 0 {
				s.reply(ctrl, writerDone, errorFrame{Type: frameError, Code: core.CodeInvalidRequest, Message: "subscribe requires topics"})
				continue
			}
			if err := session.Subscribe(frame.Topics, frame.Since); err != nil {
				s.reply(ctrl, writerDone, errorFrame{Type: frameError, Code: core.WireCode(err), Message: "subscribe rejected"})
				continue
			}
			s.reply(ctrl, writerDone, subscribedFrame{Type: frameSubscribed, Topics: frame.Topics})

		case frameUnsubscribe:
			session.Unsubscribe(frame.Topics)

		case frameRequest:
			s.dispatchRequest(ctx, session, frame, ctrl, writerDone)

		case framePing:
			s.reply(ctrl, writerDone, pongFrame{Type: framePong, ServerTime: time.Now().UnixMilli()})

		default:
			s.reply(ctrl, writerDone, errorFrame{Type: frameError, Code: core.CodeInvalidRequest, Message: "unknown frame type"})
		}
	}
}

// dispatchRequest runs the orchestration pipeline in its own task so the
// reader keeps servicing pings and subscriptions. Client disconnect cancels
// ctx and with it the pipeline, unless the response already published.
func (s *WSServer) dispatchRequest(ctx context.Context, session *Session, frame clientFrame, ctrl chan interface{}, writerDone <-chan struct{}) {
	if frame.RequestID == "" || frame.ConversationID == "" {
		s.reply(ctrl, writerDone, errorFrame{
			Type: frameError, Code: core.CodeInvalidRequest,
			Message:   "request_id and conversation_id are required",
			RequestID: frame.RequestID,
		})
		return
	}

	mode := s.defaultMode
	if frame.SafetyMode != "" {
		mode = core.SafetyMode(frame.SafetyMode)
		if !mode.Valid() {
			s.reply(ctrl, writerDone, errorFrame{
				Type: frameError, Code: core.CodeInvalidRequest,
				Message:   "unknown safety_mode",
				RequestID: frame.RequestID,
			})
			return
		}
	}

	deadline := s.defaultDeadline
	if frame.DeadlineMS > 0 {
		deadline = time.Duration(frame.DeadlineMS) * time.Millisecond
	}

	req := &core.AgentRequest{
		RequestID:      frame.RequestID,
		ConversationID: frame.ConversationID,
		Kind:           core.KindNarrative,
		Payload:        frame.Payload,
		Deadline:       time.Now().Add(deadline),
		SafetyMode:     mode,
	}

	go func() {
		if err := s.handler.Handle(ctx, session.OwnerID, req); err != nil {
			code := core.WireCode(err)
			s.reply(ctrl, writerDone, errorFrame{
				Type:      frameError,
				Code:      code,
				Message:   clientMessage(code),
				RequestID: frame.RequestID,
			})
		}
	}()
}

// writeLoop is the single writer for a connection. It interleaves hub
// deliveries, direct replies and keepalive pings, and emits the bye frame
// when the hub drops the session.
func (s *WSServer) writeLoop(conn *websocket.Conn, session *Session, ctrl <-chan interface{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case d := <-session.Deliveries():
			if !s.writeDelivery(conn, d) {
				return
			}
		case frame := <-ctrl:
			if !s.writeFrame(conn, frame) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Dropped():
			// Drain anything already queued, then say goodbye.
			for {
				select {
				case d := <-session.Deliveries():
					if !s.writeDelivery(conn, d) {
						return
					}
					continue
				default:
				}
				break
			}
			if reason := session.DropReason(); reason != "" {
				s.writeFrame(conn, byeFrame{Type: frameBye, Reason: reason})
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WSServer) writeDelivery(conn *websocket.Conn, d Delivery) bool {
	switch {
	case d.Event != nil:
		return s.writeFrame(conn, eventFrame{
			Type:      frameEvent,
			Topic:     d.Event.Topic,
			Sequence:  d.Event.Sequence,
			Timestamp: d.Event.Timestamp.UnixMilli(),
			Payload:   d.Event.Payload,
		})
	case d.Gap != nil:
		return s.writeFrame(conn, gapFrame{
			Type:  frameGap,
			Topic: d.Gap.Topic,
			From:  d.Gap.From,
			To:    d.Gap.To,
		})
	}
	return true
}

func (s *WSServer) writeFrame(conn *websocket.Conn, frame interface{}) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// writeDirect is used before the writer task exists.
func (s *WSServer) writeDirect(conn *websocket.Conn, frame interface{}) {
	s.writeFrame(conn, frame)
}

// reply queues a control frame unless the writer already exited.
func (s *WSServer) reply(ctrl chan<- interface{}, writerDone <-chan struct{}, frame interface{}) {
	select {
	case ctrl <- frame:
	case <-writerDone:
	}
}

// clientMessage keeps client-facing errors generic: safety rule details
// never leave the server.
func clientMessage(code string) string {
	switch code {
	case core.CodeBlockedContent:
		return "this content cannot be delivered"
	case core.CodeDeadlineExceeded:
		return "the request did not complete in time"
	case core.CodeNoTarget:
		return "no agent is available for this request"
	case core.CodeCircuitOpen:
		return "the target agent is temporarily unavailable"
	case core.CodeOverloaded:
		return "the service is at capacity, retry shortly"
	case core.CodeInvalidRequest:
		return "the request is malformed"
	case core.CodeUnauthenticated:
		return "authentication failed"
	case core.CodeForbidden:
		return "not allowed"
	default:
		return "internal error"
	}
}

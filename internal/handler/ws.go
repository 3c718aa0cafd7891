package handler

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/service"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	eventSubscribed   = "subscribed"
	eventUnsubscribed = "unsubscribed"
	eventError        = "error"
)

type wsRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

type wsError struct {
	Error string              `json:"error"`
	Code  apperrors.ErrorCode `json:"code"`
}

// WSHandler serves the WebSocket flavor of the notifier. One connection may
// follow any number of session rooms.
type WSHandler struct {
	broker         *realtime.Broker
	sessionService *service.SessionService
	upgrader       websocket.Upgrader
}

func NewWSHandler(broker *realtime.Broker, sessionService *service.SessionService, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		broker:         broker,
		sessionService: sessionService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker admits requests without an Origin header (non-browser
// clients) and browser requests from the allow-list. "*" admits all.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		if set[origin] {
			return true
		}
		log.Warn().Str("origin", origin).Msg("websocket origin rejected")
		return false
	}
}

// GET /api/ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := realtime.NewConn(ws)
	subs := newWSSubscriptions(h.broker, conn)
	defer func() {
		subs.closeAll()
		conn.Close()
	}()

	h.send(conn, realtime.EventConnected, map[string]string{})

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		switch req.Action {
		case actionSubscribe:
			h.subscribe(r, conn, subs, req.SessionID)
		case actionUnsubscribe:
			subs.remove(realtime.SessionRoom(req.SessionID))
			h.send(conn, eventUnsubscribed, map[string]string{"sessionId": req.SessionID})
		default:
			h.sendError(conn, apperrors.InvalidInput("action", "must be subscribe or unsubscribe"))
		}
	}
}

func (h *WSHandler) subscribe(r *http.Request, conn *realtime.Conn, subs *wsSubscriptions, sessionID string) {
	if sessionID == "" {
		h.sendError(conn, apperrors.MissingRequired("sessionId"))
		return
	}
	if _, err := h.sessionService.Get(r.Context(), sessionID); err != nil {
		h.sendError(conn, err)
		return
	}

	subs.add(realtime.SessionRoom(sessionID))
	h.send(conn, eventSubscribed, map[string]string{"sessionId": sessionID})

	if remaining, ok := h.sessionService.Countdown(sessionID); ok {
		h.send(conn, realtime.EventCountdown, realtime.Countdown{
			SessionID:        sessionID,
			SecondsRemaining: remaining,
		})
	}
}

// GET /admin/ws
func (h *WSHandler) AdminSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := realtime.NewConn(ws)
	subs := newWSSubscriptions(h.broker, conn)
	defer func() {
		subs.closeAll()
		conn.Close()
	}()

	subs.add(realtime.AdminRoom)
	h.send(conn, realtime.EventConnected, map[string]string{"room": realtime.AdminRoom})

	// admin sockets are receive-only; reads only detect disconnects
	for {
		var discard map[string]any
		if err := conn.ReadJSON(&discard); err != nil {
			return
		}
	}
}

func (h *WSHandler) send(conn *realtime.Conn, eventType string, data any) {
	ev, err := realtime.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode websocket event")
		return
	}
	if err := conn.Send(ev); err != nil {
		log.Debug().Err(err).Str("eventType", eventType).Msg("websocket send failed")
	}
}

func (h *WSHandler) sendError(conn *realtime.Conn, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	h.send(conn, eventError, wsError{Error: appErr.Message, Code: appErr.Code})
}

// wsSubscriptions pumps broker rooms into one connection.
type wsSubscriptions struct {
	broker *realtime.Broker
	conn   *realtime.Conn
	mu     sync.Mutex
	rooms  map[string]*realtime.Client
}

func newWSSubscriptions(broker *realtime.Broker, conn *realtime.Conn) *wsSubscriptions {
	return &wsSubscriptions{
		broker: broker,
		conn:   conn,
		rooms:  make(map[string]*realtime.Client),
	}
}

func (s *wsSubscriptions) add(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room]; ok {
		return
	}
	client := s.broker.Subscribe(room)
	s.rooms[room] = client
	go s.pump(client)
}

func (s *wsSubscriptions) pump(client *realtime.Client) {
	for {
		select {
		case <-client.Done:
			return
		case <-s.conn.Done():
			return
		case ev := <-client.Events:
			if err := s.conn.Send(ev); err != nil {
				log.Debug().Err(err).Str("room", client.Room).Msg("websocket delivery dropped")
			}
		}
	}
}

func (s *wsSubscriptions) remove(room string) {
	s.mu.Lock()
	client, ok := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()

	if ok {
		s.broker.Unsubscribe(client)
	}
}

func (s *wsSubscriptions) closeAll() {
	s.mu.Lock()
	clients := s.rooms
	s.rooms = make(map[string]*realtime.Client)
	s.mu.Unlock()

	for _, client := range clients {
		s.broker.Unsubscribe(client)
	}
}

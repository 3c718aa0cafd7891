package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/service"
)

type EventsHandler struct {
	broker         *realtime.Broker
	sessionService *service.SessionService
}

func NewEventsHandler(broker *realtime.Broker, sessionService *service.SessionService) *EventsHandler {
	return &EventsHandler{
		broker:         broker,
		sessionService: sessionService,
	}
}

// GET /api/sessions/{id}/events
func (h *EventsHandler) SessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.sessionService.Get(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	initial := []realtime.Event{}
	if remaining, ok := h.sessionService.Countdown(sessionID); ok {
		if ev, err := realtime.NewEvent(realtime.EventCountdown, realtime.Countdown{
			SessionID:        sessionID,
			SecondsRemaining: remaining,
		}); err == nil {
			initial = append(initial, ev)
		}
	}

	h.stream(w, r, realtime.SessionRoom(sessionID), initial)
}

// GET /admin/events
func (h *EventsHandler) AdminStream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, realtime.AdminRoom, nil)
}

func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request, room string, initial []realtime.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(room)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("room", room).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, realtime.EventConnected, map[string]string{"room": room}); err != nil {
		return
	}
	for _, ev := range initial {
		if err := h.sendRawEvent(w, flusher, ev); err != nil {
			return
		}
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(realtime.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("room", room).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("room", room).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Str("room", room).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("room", room).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, realtime.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event realtime.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

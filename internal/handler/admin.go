package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rollcall/attendance-server-go/internal/audit"
	"github.com/rollcall/attendance-server-go/internal/service"
	"github.com/rollcall/attendance-server-go/internal/util"
)

type AdminHandler struct {
	adminService   *service.AdminService
	sessionService *service.SessionService
	eventsHandler  *EventsHandler
	wsHandler      *WSHandler
}

func NewAdminHandler(
	adminService *service.AdminService,
	sessionService *service.SessionService,
	eventsHandler *EventsHandler,
	wsHandler *WSHandler,
) *AdminHandler {
	return &AdminHandler{
		adminService:   adminService,
		sessionService: sessionService,
		eventsHandler:  eventsHandler,
		wsHandler:      wsHandler,
	}
}

// Routes is mounted at /admin behind the admin key middleware.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/events", h.eventsHandler.AdminStream)
	r.Post("/events", h.PublishEvent)
	r.Get("/ws", h.wsHandler.AdminSocket)

	r.Get("/sessions", h.ListSessions)
	r.Post("/sessions/{id}/presence", h.RecordPresence)

	return r
}

type publishEventRequest struct {
	Type string          `json:"type" validate:"required,max=64"`
	Data json.RawMessage `json:"data"`
}

type recordPresenceRequest struct {
	StudentID string `json:"studentId" validate:"required,max=128"`
}

type sessionListResponse struct {
	Sessions []sessionView `json:"sessions"`
	Total    int           `json:"total"`
}

// POST /admin/events
func (h *AdminHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("null")
	}

	h.adminService.Broadcast(r.Context(), req.Type, req.Data)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /admin/sessions
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessionService.List(r.Context())

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{Session: s, Summary: s.Summary()})
	}

	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: views, Total: len(views)})
}

// POST /admin/sessions/{id}/presence
func (h *AdminHandler) RecordPresence(w http.ResponseWriter, r *http.Request) {
	var req recordPresenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := util.ValidateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "id")
	added, session, err := h.sessionService.RecordPresence(r.Context(), sessionID, req.StudentID)
	if err != nil {
		writeError(w, err)
		return
	}

	if added {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventManualPresence,
			SessionID: sessionID,
			StudentID: req.StudentID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"added":        added,
		"presentCount": session.PresentCount,
		"summary":      session.Summary(),
	})
}

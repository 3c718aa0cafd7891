package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rollcall/attendance-server-go/internal/audit"
	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/service"
	"github.com/rollcall/attendance-server-go/internal/util"
)

type SessionHandler struct {
	sessionService *service.SessionService
}

func NewSessionHandler(sessionService *service.SessionService) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
	}
}

// Routes is mounted at /api/sessions.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateSession)
	r.Get("/{id}", h.GetSession)
	r.Get("/{id}/qr", h.CurrentCode)
	r.Post("/{id}/close", h.CloseSession)

	return r
}

type sessionView struct {
	model.Session
	Summary model.Summary `json:"summary"`
}

type closeResponse struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
	EndTime   *time.Time          `json:"endTime"`
	Summary   model.Summary       `json:"summary"`
}

// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var in service.CreateSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := util.ValidateStruct(in); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessionService.CreateSession(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: session.ID,
		Details:   map[string]interface{}{"courseId": session.CourseID},
	})

	writeJSON(w, http.StatusCreated, session)
}

// POST /api/qr/generate
func (h *SessionHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var in service.RotateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := util.ValidateStruct(in); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.sessionService.Rotate(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCodeRotate,
		SessionID: result.SessionID,
		Details: map[string]interface{}{
			"tokenId":   result.TokenID,
			"shortCode": util.MaskCode(result.ShortCode),
			"created":   result.Created,
		},
	})

	writeJSON(w, http.StatusOK, result)
}

// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionView{Session: session, Summary: session.Summary()})
}

// GET /api/sessions/{id}/qr
func (h *SessionHandler) CurrentCode(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessionService.CurrentCode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /api/sessions/{id}/close
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	closure, err := h.sessionService.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if !closure.AlreadyClosed {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventSessionClose,
			SessionID: closure.Session.ID,
			Details: map[string]interface{}{
				"present": closure.Summary.Present,
				"total":   closure.Summary.Total,
			},
		})
	}

	writeJSON(w, http.StatusOK, closeResponse{
		SessionID: closure.Session.ID,
		Status:    closure.Session.Status,
		EndTime:   closure.Session.EndTime,
		Summary:   closure.Summary,
	})
}

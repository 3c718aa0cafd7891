package handler

import (
	"net/http"
	"time"

	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/service"
)

type HealthHandler struct {
	sessionService *service.SessionService
	broker         *realtime.Broker
}

func NewHealthHandler(sessionService *service.SessionService, broker *realtime.Broker) *HealthHandler {
	return &HealthHandler{sessionService: sessionService, broker: broker}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UnixMilli(),
		"sessions":    h.sessionService.Count(),
		"subscribers": h.broker.TotalClients(),
	})
}

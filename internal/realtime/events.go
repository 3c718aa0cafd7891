package realtime

import (
	"encoding/json"
	"time"

	"github.com/rollcall/attendance-server-go/internal/model"
)

const (
	EventConnected     = "connected"
	EventCodeRotated   = "code_rotated"
	EventCountdown     = "countdown"
	EventScanConfirmed = "scan_confirmed"
	EventWindowClosed  = "window_closed"
	EventSessionClosed = "session_closed"
	EventAdminUpdate   = "admin-update"
)

type CodeRotated struct {
	SessionID    string    `json:"sessionId"`
	Credential   string    `json:"credential"`
	ShortCode    string    `json:"shortCode"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenID      string    `json:"tokenId"`
	ImageDataURL string    `json:"imageDataUrl,omitempty"`
}

type Countdown struct {
	SessionID        string `json:"sessionId,omitempty"`
	SecondsRemaining int    `json:"secondsRemaining"`
}

type ScanConfirmed struct {
	SessionID      string `json:"sessionId"`
	PresentCount   int    `json:"presentCount"`
	RemainingCount int    `json:"remainingCount"`
}

type WindowClosed struct {
	SessionID string        `json:"sessionId"`
	Summary   model.Summary `json:"summary"`
}

type SessionClosed struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
	Summary   model.Summary       `json:"summary"`
}

// AdminUpdate wraps opaque administrative payloads such as staff-created or
// hierarchy-updated.
type AdminUpdate struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

package handler

import (
	"net/http"

	"github.com/rollcall/attendance-server-go/internal/audit"
	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
	"github.com/rollcall/attendance-server-go/internal/service"
	"github.com/rollcall/attendance-server-go/internal/token"
	"github.com/rollcall/attendance-server-go/internal/util"
)

type ScanHandler struct {
	scanService *service.ScanService
}

func NewScanHandler(scanService *service.ScanService) *ScanHandler {
	return &ScanHandler{scanService: scanService}
}

// POST /api/attendance/scan
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var in service.ScanInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.scanService.Scan(r.Context(), in)
	if err != nil {
		h.auditRejection(r, in, err)
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventScanAccepted,
		SessionID: result.SessionID,
		StudentID: in.StudentID,
	})

	writeJSON(w, http.StatusOK, result)
}

func (h *ScanHandler) auditRejection(r *http.Request, in service.ScanInput, err error) {
	code := apperrors.GetCode(err)

	event := audit.Event{
		Type:      audit.EventScanRejected,
		StudentID: in.StudentID,
		Details: map[string]interface{}{
			"code":       string(code),
			"credential": credentialRef(in.Credential),
		},
	}
	if code == apperrors.ErrCodeAccessDenied {
		event.Type = audit.EventAccessDenied
		if appErr, ok := apperrors.AsAppError(err); ok {
			event.Details["context"] = appErr.Details
		}
	}
	audit.LogFromRequest(r, event)
}

// credentialRef identifies a credential in logs without exposing it.
func credentialRef(credential string) string {
	if token.LooksSigned(credential) {
		return util.Fingerprint(credential)
	}
	return util.MaskCode(credential)
}

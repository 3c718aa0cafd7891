package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/attendance-server-go/internal/audit"
	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
	"github.com/rollcall/attendance-server-go/internal/util"
)

const AdminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware guards admin routes with a shared key compared against
// a bcrypt hash. With no hash configured every request is refused.
type AdminKeyMiddleware struct {
	keyHash string
}

func NewAdminKeyMiddleware(keyHash string) *AdminKeyMiddleware {
	if keyHash == "" {
		log.Warn().Msg("admin key hash not configured: admin routes will refuse all requests")
	}
	return &AdminKeyMiddleware{keyHash: keyHash}
}

func (m *AdminKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAdminKey(r)
		if key == "" {
			writeError(w, apperrors.Unauthorized("Missing admin key"))
			return
		}

		if m.keyHash == "" || !util.CheckPasswordHash(key, m.keyHash) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAdminAuthFail,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			writeError(w, apperrors.Unauthorized("Invalid admin key"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractAdminKey also reads the key query parameter because EventSource and
// browser WebSocket clients cannot set headers.
func extractAdminKey(r *http.Request) string {
	if key := r.Header.Get(AdminKeyHeader); key != "" {
		return key
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("key")
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/attendance-server-go/internal/expiry"
	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/registry"
	"github.com/rollcall/attendance-server-go/internal/service"
	"github.com/rollcall/attendance-server-go/internal/shortcode"
	"github.com/rollcall/attendance-server-go/internal/token"
)

type stubEnrollments struct {
	byCourse map[string][]string
}

func (s *stubEnrollments) ListEnrolledStudentIDs(_ context.Context, courseID string) ([]string, error) {
	return s.byCourse[courseID], nil
}

func (s *stubEnrollments) IsEnrolled(_ context.Context, courseID, studentID string) (bool, error) {
	for _, id := range s.byCourse[courseID] {
		if id == studentID {
			return true, nil
		}
	}
	return false, nil
}

type stubStudents map[string]model.Student

func (s stubStudents) FindByIdentity(_ context.Context, id string) (*model.Student, error) {
	if st, ok := s[id]; ok {
		return &st, nil
	}
	return nil, nil
}

type nopMirror struct{}

func (nopMirror) CreateSession(model.Session)      {}
func (nopMirror) UpdateSession(model.Session)      {}
func (nopMirror) SaveToken(model.Token)            {}
func (nopMirror) SaveShortCode(model.Token)        {}
func (nopMirror) Retired(model.Token)              {}
func (nopMirror) MarkPresent(model.PresenceRecord) {}

type testServer struct {
	router   chi.Router
	broker   *realtime.Broker
	sessions *service.SessionService
	timers   *expiry.Manual
}

// newTestServer wires the handlers over a real registry. Course C1 enrolls
// S1 and S2 (CSE, 2nd Year) and S3 (ECE, 2nd Year).
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	codec := token.NewCodec("handler-test-secret-0123456789abcdef")
	timers := expiry.NewManual()
	reg := registry.New(codec, shortcode.NewAllocator(), timers)
	t.Cleanup(reg.Shutdown)

	broker := realtime.NewBroker(nil)
	t.Cleanup(broker.Close)

	enrollments := &stubEnrollments{byCourse: map[string][]string{"C1": {"S1", "S2", "S3"}}}
	students := stubStudents{
		"S1": {Identity: "S1", Department: "CSE", Year: "2nd Year"},
		"S2": {Identity: "S2", Department: "CSE", Year: "2nd Year"},
		"S3": {Identity: "S3", Department: "ECE", Year: "2nd Year"},
	}

	sessions := service.NewSessionService(reg, enrollments, broker, nopMirror{}, service.SessionConfig{
		DefaultWindow: 30 * time.Second,
		MaxWindow:     10 * time.Minute,
		Render:        func(string) (string, error) { return "data:image/png;base64,c3R1Yg==", nil },
	})
	scans := service.NewScanService(reg, codec, students, enrollments, broker, nopMirror{})

	sessionHandler := NewSessionHandler(sessions)
	eventsHandler := NewEventsHandler(broker, sessions)
	wsHandler := NewWSHandler(broker, sessions, []string{"http://localhost:3000"})
	adminHandler := NewAdminHandler(service.NewAdminService(broker), sessions, eventsHandler, wsHandler)

	r := chi.NewRouter()
	r.Get("/health", NewHealthHandler(sessions, broker).ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Mount("/sessions", sessionHandler.Routes())
		r.Get("/sessions/{id}/events", eventsHandler.SessionStream)
		r.Post("/qr/generate", sessionHandler.Generate)
		r.Post("/attendance/scan", NewScanHandler(scans).Scan)
		r.Get("/ws", wsHandler.ServeHTTP)
	})
	r.Mount("/admin", adminHandler.Routes())

	return &testServer{router: r, broker: broker, sessions: sessions, timers: timers}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/sessions", map[string]any{"courseId": "C1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.Session](t, rec).ID
}

func (s *testServer) generate(t *testing.T, sessionID string) service.CodeResult {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/qr/generate", map[string]any{"sessionId": sessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[service.CodeResult](t, rec)
}

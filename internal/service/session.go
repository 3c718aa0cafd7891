package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/qr"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/registry"
	"github.com/rollcall/attendance-server-go/internal/repository"
)

type SessionConfig struct {
	DefaultWindow time.Duration
	MaxWindow     time.Duration
	AutoCreate    bool
	// Render turns a credential into an image data URL. Defaults to a QR PNG.
	Render func(content string) (string, error)
}

type CreateSessionInput struct {
	CourseID      string `json:"courseId" validate:"required,max=128"`
	WindowSeconds int    `json:"windowSeconds" validate:"omitempty,min=1"`
	Department    string `json:"sessionDepartment" validate:"max=128"`
	Year          string `json:"sessionYear" validate:"max=64"`
}

type RotateInput struct {
	SessionID  string `json:"sessionId" validate:"max=128"`
	CourseID   string `json:"courseId" validate:"max=128"`
	Department string `json:"sessionDepartment" validate:"max=128"`
	Year       string `json:"sessionYear" validate:"max=64"`
}

type CodeResult struct {
	SessionID    string    `json:"sessionId"`
	Credential   string    `json:"credential"`
	ShortCode    string    `json:"shortCode"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenID      string    `json:"tokenId"`
	ImageDataURL string    `json:"imageDataUrl"`
	ClientRender bool      `json:"clientRender"`
	Created      bool      `json:"created,omitempty"`
}

type SessionService struct {
	registry    *registry.Registry
	enrollments repository.EnrollmentRepository
	publisher   EventPublisher
	mirror      Mirror
	cfg         SessionConfig
}

func NewSessionService(
	reg *registry.Registry,
	enrollments repository.EnrollmentRepository,
	publisher EventPublisher,
	mirror Mirror,
	cfg SessionConfig,
) *SessionService {
	if cfg.Render == nil {
		cfg.Render = func(content string) (string, error) {
			return qr.DataURL(content, qr.DefaultSize)
		}
	}
	s := &SessionService{
		registry:    reg,
		enrollments: enrollments,
		publisher:   publisher,
		mirror:      mirror,
		cfg:         cfg,
	}
	reg.SetExpiryHandler(s.handleExpiry)
	return s
}

func (s *SessionService) CreateSession(ctx context.Context, in CreateSessionInput) (model.Session, error) {
	window := s.cfg.DefaultWindow
	if in.WindowSeconds != 0 {
		window = time.Duration(in.WindowSeconds) * time.Second
	}
	if window < time.Second {
		return model.Session{}, apperrors.InvalidInput("windowSeconds", "must be at least 1")
	}
	if s.cfg.MaxWindow > 0 && window > s.cfg.MaxWindow {
		return model.Session{}, apperrors.InvalidInput("windowSeconds",
			fmt.Sprintf("must not exceed %d", int(s.cfg.MaxWindow/time.Second)))
	}

	enrolled, err := s.enrollments.ListEnrolledStudentIDs(ctx, in.CourseID)
	if err != nil {
		return model.Session{}, apperrors.Database(fmt.Errorf("list enrollments: %w", err))
	}

	session, err := s.registry.CreateSession(registry.CreateParams{
		CourseID:    in.CourseID,
		Window:      window,
		Eligibility: model.Eligibility{Department: in.Department, Year: in.Year},
		Enrolled:    enrolled,
	})
	if err != nil {
		return model.Session{}, mapRegistryError(err)
	}

	s.mirror.CreateSession(session)
	publishAdmin(ctx, s.publisher, "session-created", session)

	log.Info().
		Str("sessionId", session.ID).
		Str("courseId", session.CourseID).
		Int("windowSeconds", session.WindowSeconds).
		Int("enrolled", session.EnrolledCount).
		Msg("attendance session created")

	return session, nil
}

// Rotate issues a fresh credential. An absent or unknown session is created
// on the fly when auto-creation is enabled.
func (s *SessionService) Rotate(ctx context.Context, in RotateInput) (*CodeResult, error) {
	sessionID := in.SessionID
	created := false

	if _, ok := s.registry.Session(sessionID); sessionID == "" || !ok {
		if !s.cfg.AutoCreate {
			if sessionID == "" {
				return nil, apperrors.MissingRequired("sessionId")
			}
			return nil, apperrors.NotFound("Session")
		}
		if in.CourseID == "" {
			return nil, apperrors.MissingRequired("courseId")
		}
		session, err := s.CreateSession(ctx, CreateSessionInput{
			CourseID:   in.CourseID,
			Department: in.Department,
			Year:       in.Year,
		})
		if err != nil {
			return nil, err
		}
		sessionID = session.ID
		created = true
	}

	rot, err := s.registry.Rotate(sessionID, model.Eligibility{Department: in.Department, Year: in.Year})
	if err != nil {
		return nil, mapRegistryError(err)
	}

	if rot.Superseded != nil {
		s.mirror.Retired(*rot.Superseded)
	}
	s.mirror.SaveToken(rot.Token)
	s.mirror.SaveShortCode(rot.Token)
	s.mirror.UpdateSession(rot.Session)

	result := s.codeResult(rot.Token)
	result.Created = created

	room := realtime.SessionRoom(sessionID)
	publish(ctx, s.publisher, room, realtime.EventCodeRotated, realtime.CodeRotated{
		SessionID:    sessionID,
		Credential:   result.Credential,
		ShortCode:    result.ShortCode,
		ExpiresAt:    result.ExpiresAt,
		TokenID:      result.TokenID,
		ImageDataURL: result.ImageDataURL,
	})
	publish(ctx, s.publisher, room, realtime.EventCountdown, realtime.Countdown{
		SessionID:        sessionID,
		SecondsRemaining: rot.Token.SecondsRemaining(rot.Token.IssuedAt),
	})

	log.Info().
		Str("sessionId", sessionID).
		Str("tokenId", rot.Token.ID).
		Time("expiresAt", rot.Token.ExpiresAt).
		Bool("superseded", rot.Superseded != nil).
		Msg("attendance code rotated")

	return result, nil
}

// CurrentCode returns the live credential without rotating.
func (s *SessionService) CurrentCode(ctx context.Context, sessionID string) (*CodeResult, error) {
	if _, ok := s.registry.Session(sessionID); !ok {
		return nil, apperrors.NotFound("Session")
	}
	tok, ok := s.registry.CurrentToken(sessionID)
	if !ok {
		return nil, apperrors.NotFound("Active code")
	}
	return s.codeResult(tok), nil
}

func (s *SessionService) Close(ctx context.Context, sessionID string) (registry.Closure, error) {
	closure, err := s.registry.Close(sessionID)
	if err != nil {
		return registry.Closure{}, mapRegistryError(err)
	}
	if closure.AlreadyClosed {
		return closure, nil
	}

	s.announceClosure(ctx, closure)

	log.Info().
		Str("sessionId", sessionID).
		Int("present", closure.Summary.Present).
		Int("total", closure.Summary.Total).
		Msg("attendance session closed")

	return closure, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (model.Session, error) {
	session, ok := s.registry.Session(sessionID)
	if !ok {
		return model.Session{}, apperrors.NotFound("Session")
	}
	return session, nil
}

func (s *SessionService) List(ctx context.Context) []model.Session {
	return s.registry.List()
}

func (s *SessionService) Count() int {
	return s.registry.Len()
}

// Countdown reports seconds left on the live credential, if any.
func (s *SessionService) Countdown(sessionID string) (int, bool) {
	return s.registry.Countdown(sessionID)
}

// RecordPresence marks a student present without a credential, for proctor
// corrections.
func (s *SessionService) RecordPresence(ctx context.Context, sessionID, studentID string) (bool, model.Session, error) {
	added, err := s.registry.RecordPresence(sessionID, studentID)
	if err != nil {
		return false, model.Session{}, mapRegistryError(err)
	}
	session, _ := s.registry.Session(sessionID)
	if !added {
		return false, session, nil
	}

	s.mirror.MarkPresent(model.PresenceRecord{
		SessionID: sessionID,
		StudentID: studentID,
		Source:    model.PresenceSourceManual,
		MarkedAt:  time.Now(),
	})
	publish(ctx, s.publisher, realtime.SessionRoom(sessionID), realtime.EventScanConfirmed, realtime.ScanConfirmed{
		SessionID:      sessionID,
		PresentCount:   session.PresentCount,
		RemainingCount: session.Summary().Absent,
	})

	log.Info().Str("sessionId", sessionID).Str("studentId", studentID).Msg("presence recorded manually")
	return true, session, nil
}

// ExpireStale ends sessions left active longer than maxAge.
func (s *SessionService) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	closures := s.registry.ExpireStale(maxAge)
	for _, c := range closures {
		s.announceClosure(ctx, c)
	}
	return int64(len(closures)), nil
}

// Evict drops terminal sessions from memory after retention.
func (s *SessionService) Evict(ctx context.Context, retention time.Duration) (int64, error) {
	return int64(len(s.registry.Evict(retention))), nil
}

func (s *SessionService) announceClosure(ctx context.Context, c registry.Closure) {
	for _, t := range c.Deactivated {
		s.mirror.Retired(t)
	}
	s.mirror.UpdateSession(c.Session)

	payload := realtime.SessionClosed{
		SessionID: c.Session.ID,
		Status:    c.Session.Status,
		Summary:   c.Summary,
	}
	publish(ctx, s.publisher, realtime.SessionRoom(c.Session.ID), realtime.EventSessionClosed, payload)
	publishAdmin(ctx, s.publisher, "session-closed", payload)
}

func (s *SessionService) handleExpiry(ev registry.ExpiryEvent) {
	ctx := context.Background()

	if ev.Deactivated {
		s.mirror.Retired(ev.Token)
	}
	if !ev.WindowClosed {
		return
	}
	if session, ok := s.registry.Session(ev.SessionID); ok {
		s.mirror.UpdateSession(session)
	}
	publish(ctx, s.publisher, realtime.SessionRoom(ev.SessionID), realtime.EventWindowClosed, realtime.WindowClosed{
		SessionID: ev.SessionID,
		Summary:   ev.Summary,
	})

	log.Debug().Str("sessionId", ev.SessionID).Str("tokenId", ev.Token.ID).Msg("attendance window closed")
}

func (s *SessionService) codeResult(tok model.Token) *CodeResult {
	result := &CodeResult{
		SessionID:  tok.SessionID,
		Credential: tok.Credential,
		ShortCode:  tok.ShortCode,
		ExpiresAt:  tok.ExpiresAt,
		TokenID:    tok.ID,
	}
	image, err := s.cfg.Render(tok.Credential)
	if err != nil {
		log.Warn().Err(err).Str("tokenId", tok.ID).Msg("qr render failed, falling back to client render")
		result.ClientRender = true
		return result
	}
	result.ImageDataURL = image
	return result
}

func mapRegistryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return apperrors.NotFound("Session")
	case errors.Is(err, registry.ErrSessionClosed):
		return apperrors.SessionClosed()
	case errors.Is(err, registry.ErrTokenNotFound):
		return apperrors.InvalidCode()
	case errors.Is(err, registry.ErrTokenExpired):
		return apperrors.ExpiredCode()
	case errors.Is(err, registry.ErrTokenInactive):
		return apperrors.AlreadyUsed()
	case errors.Is(err, registry.ErrAlreadyPresent):
		return apperrors.AlreadyPresent()
	case errors.Is(err, registry.ErrInvalidWindow):
		return apperrors.InvalidInput("windowSeconds", "must be at least 1")
	default:
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Attendance registry error", err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/attendance-server-go/internal/errors"
	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/registry"
	"github.com/rollcall/attendance-server-go/internal/repository"
	"github.com/rollcall/attendance-server-go/internal/token"
	"github.com/rollcall/attendance-server-go/internal/util"
)

const StatusPresent = "present"

type Verifier interface {
	Verify(credential string) (*token.Claims, error)
}

type ScanInput struct {
	Credential        string `json:"token" validate:"required,max=2048"`
	StudentID         string `json:"studentId" validate:"required,max=128"`
	SessionDepartment string `json:"sessionDepartment" validate:"required,max=128"`
	SessionYear       string `json:"sessionYear" validate:"required,max=64"`
}

type ScanResult struct {
	Status            string    `json:"status"`
	SessionID         string    `json:"sessionId"`
	MarkedAt          time.Time `json:"markedAt"`
	StudentDepartment string    `json:"studentDepartment"`
	StudentYear       string    `json:"studentYear"`
}

// ScanService redeems credentials. Nothing in the registry changes until
// the final Commit; the student and enrollment lookups run without holding
// any lock.
type ScanService struct {
	registry    *registry.Registry
	verifier    Verifier
	students    repository.StudentRepository
	enrollments repository.EnrollmentRepository
	publisher   EventPublisher
	mirror      Mirror
	now         func() time.Time
}

func NewScanService(
	reg *registry.Registry,
	verifier Verifier,
	students repository.StudentRepository,
	enrollments repository.EnrollmentRepository,
	publisher EventPublisher,
	mirror Mirror,
) *ScanService {
	return &ScanService{
		registry:    reg,
		verifier:    verifier,
		students:    students,
		enrollments: enrollments,
		publisher:   publisher,
		mirror:      mirror,
		now:         time.Now,
	}
}

func (s *ScanService) Scan(ctx context.Context, in ScanInput) (*ScanResult, error) {
	if err := util.ValidateStruct(in); err != nil {
		return nil, err
	}

	tok, session, err := s.resolve(strings.TrimSpace(in.Credential))
	if err != nil {
		return nil, err
	}

	student, err := s.students.FindByIdentity(ctx, in.StudentID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find student: %w", err))
	}
	if student == nil {
		return nil, apperrors.NotFound("Student")
	}

	expected := tok.Eligibility()
	if expected.IsZero() {
		expected = model.Eligibility{Department: in.SessionDepartment, Year: in.SessionYear}
	}
	if !expected.Admits(student.Department, student.Year) {
		return nil, apperrors.AccessDenied(student.Department, student.Year, expected.Department, expected.Year)
	}

	enrolled, err := s.enrollments.IsEnrolled(ctx, session.CourseID, student.Identity)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("check enrollment: %w", err))
	}
	if !enrolled {
		return nil, apperrors.NotEnrolled()
	}

	commit, err := s.registry.Commit(tok.ID, student.Identity)
	if err != nil {
		return nil, mapRegistryError(err)
	}

	tokenID := commit.Token.ID
	s.mirror.MarkPresent(model.PresenceRecord{
		SessionID: commit.Session.ID,
		StudentID: student.Identity,
		TokenID:   &tokenID,
		Source:    model.PresenceSourceScan,
		MarkedAt:  commit.MarkedAt,
	})
	s.mirror.Retired(commit.Token)

	publish(ctx, s.publisher, realtime.SessionRoom(commit.Session.ID), realtime.EventScanConfirmed, realtime.ScanConfirmed{
		SessionID:      commit.Session.ID,
		PresentCount:   commit.PresentCount,
		RemainingCount: commit.RemainingCount,
	})

	log.Info().
		Str("sessionId", commit.Session.ID).
		Str("tokenId", tokenID).
		Str("studentId", student.Identity).
		Int("presentCount", commit.PresentCount).
		Msg("attendance marked")

	return &ScanResult{
		Status:            StatusPresent,
		SessionID:         commit.Session.ID,
		MarkedAt:          commit.MarkedAt,
		StudentDepartment: student.Department,
		StudentYear:       student.Year,
	}, nil
}

// resolve parses the scanner input and checks freshness against the
// registry. Checks run in order: expiry, session state, active flag.
func (s *ScanService) resolve(input string) (model.Token, model.Session, error) {
	var tokenID, sessionHint string

	if token.LooksSigned(input) {
		claims, err := s.verifier.Verify(input)
		switch {
		case errors.Is(err, token.ErrExpired):
			return model.Token{}, model.Session{}, apperrors.ExpiredCode()
		case err != nil:
			return model.Token{}, model.Session{}, apperrors.InvalidCode()
		}
		tokenID, sessionHint = claims.ID, claims.SessionID
	} else {
		id, ok := s.registry.TokenIDForCode(input)
		if !ok {
			return model.Token{}, model.Session{}, apperrors.InvalidCode()
		}
		tokenID = id
	}

	tok, ok := s.registry.Token(tokenID)
	if !ok {
		// a verified credential whose session was evicted
		if _, live := s.registry.Session(sessionHint); sessionHint != "" && !live {
			return model.Token{}, model.Session{}, apperrors.SessionClosed()
		}
		return model.Token{}, model.Session{}, apperrors.InvalidCode()
	}

	if tok.IsExpired(s.now()) {
		return model.Token{}, model.Session{}, apperrors.ExpiredCode()
	}
	session, ok := s.registry.Session(tok.SessionID)
	if !ok || session.Status.IsTerminal() {
		return model.Token{}, model.Session{}, apperrors.SessionClosed()
	}
	if !tok.Active {
		return model.Token{}, model.Session{}, apperrors.AlreadyUsed()
	}
	return tok, session, nil
}

package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall/attendance-server-go/internal/model"
)

// AttendanceRepository persists the mirror of live attendance state.
// Every write is an upsert or an idempotent update so replays are harmless.
type AttendanceRepository interface {
	CreateSession(ctx context.Context, rec model.SessionRecord) error
	UpdateSession(ctx context.Context, rec model.SessionRecord) error
	SaveToken(ctx context.Context, rec model.TokenRecord) error
	DeactivateToken(ctx context.Context, tokenID string) error
	SaveShortCode(ctx context.Context, rec model.ShortCodeRecord) error
	DeleteShortCode(ctx context.Context, code, tokenID string) error
	MarkPresent(ctx context.Context, rec model.PresenceRecord) error
	DeleteStaleShortCodes(ctx context.Context) (int64, error)
}

type attendanceRepo struct {
	db *sqlx.DB
}

func NewAttendanceRepository(db *sqlx.DB) AttendanceRepository {
	return &attendanceRepo{db: db}
}

func (r *attendanceRepo) CreateSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attendance_sessions (
			id, course_id, start_time, end_time, status, window_seconds,
			department, year, current_token_id, token_expires_at
		) VALUES (
			:id, :course_id, :start_time, :end_time, :status, :window_seconds,
			:department, :year, :current_token_id, :token_expires_at
		)
		ON CONFLICT (id) DO NOTHING
	`, rec)
	return err
}

func (r *attendanceRepo) UpdateSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attendance_sessions (
			id, course_id, start_time, end_time, status, window_seconds,
			department, year, current_token_id, token_expires_at
		) VALUES (
			:id, :course_id, :start_time, :end_time, :status, :window_seconds,
			:department, :year, :current_token_id, :token_expires_at
		)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			current_token_id = EXCLUDED.current_token_id,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = NOW()
	`, rec)
	return err
}

func (r *attendanceRepo) SaveToken(ctx context.Context, rec model.TokenRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attendance_tokens (id, session_id, issued_at, expires_at, active)
		VALUES (:id, :session_id, :issued_at, :expires_at, :active)
		ON CONFLICT (id) DO NOTHING
	`, rec)
	return err
}

func (r *attendanceRepo) DeactivateToken(ctx context.Context, tokenID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_tokens SET active = FALSE WHERE id = $1
	`, tokenID)
	return err
}

func (r *attendanceRepo) SaveShortCode(ctx context.Context, rec model.ShortCodeRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attendance_short_codes (code, token_id, session_id, expires_at)
		VALUES (:code, :token_id, :session_id, :expires_at)
		ON CONFLICT (code) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			session_id = EXCLUDED.session_id,
			expires_at = EXCLUDED.expires_at
	`, rec)
	return err
}

// DeleteShortCode only removes the row while it still belongs to tokenID; a
// redrawn code may already point at a newer token.
func (r *attendanceRepo) DeleteShortCode(ctx context.Context, code, tokenID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance_short_codes WHERE code = $1 AND token_id = $2
	`, code, tokenID)
	return err
}

func (r *attendanceRepo) MarkPresent(ctx context.Context, rec model.PresenceRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO attendance_presence (session_id, student_id, token_id, source, marked_at)
		VALUES (:session_id, :student_id, :token_id, :source, :marked_at)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec)
	return err
}

// DeleteStaleShortCodes removes rows left behind when a delete was dropped
// or failed.
func (r *attendanceRepo) DeleteStaleShortCodes(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance_short_codes WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

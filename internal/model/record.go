package model

import "time"

// Persistence mirror records. Column names match the attendance_* tables.

type SessionRecord struct {
	ID            string        `db:"id"`
	CourseID      string        `db:"course_id"`
	StartTime     time.Time     `db:"start_time"`
	EndTime       *time.Time    `db:"end_time"`
	Status        SessionStatus `db:"status"`
	WindowSeconds int           `db:"window_seconds"`
	Department    *string       `db:"department"`
	Year          *string       `db:"year"`
	CurrentToken  *string       `db:"current_token_id"`
	TokenExpiry   *time.Time    `db:"token_expires_at"`
}

type TokenRecord struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`
	Active    bool      `db:"active"`
}

type ShortCodeRecord struct {
	Code      string    `db:"code"`
	TokenID   string    `db:"token_id"`
	SessionID string    `db:"session_id"`
	ExpiresAt time.Time `db:"expires_at"`
}

type PresenceRecord struct {
	SessionID string         `db:"session_id"`
	StudentID string         `db:"student_id"`
	TokenID   *string        `db:"token_id"`
	Source    PresenceSource `db:"source"`
	MarkedAt  time.Time      `db:"marked_at"`
}

func NewSessionRecord(s *Session) SessionRecord {
	return SessionRecord{
		ID:            s.ID,
		CourseID:      s.CourseID,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		Status:        s.Status,
		WindowSeconds: s.WindowSeconds,
		Department:    nullable(s.Department),
		Year:          nullable(s.Year),
		CurrentToken:  s.CurrentTokenID,
		TokenExpiry:   s.CurrentTokenExpiry,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

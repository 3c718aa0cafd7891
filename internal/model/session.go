package model

import "time"

// Eligibility is the department/year a session or credential is restricted to.
// The zero value means unrestricted.
type Eligibility struct {
	Department string `json:"department,omitempty"`
	Year       string `json:"year,omitempty"`
}

func (e Eligibility) IsZero() bool {
	return e.Department == "" && e.Year == ""
}

// Admits reports whether a student's department and year satisfy e.
func (e Eligibility) Admits(department, year string) bool {
	return e.Department == department && e.Year == year
}

// Session is a point-in-time snapshot of a live attendance session.
type Session struct {
	ID                 string        `json:"sessionId"`
	CourseID           string        `json:"courseId"`
	StartTime          time.Time     `json:"startTime"`
	EndTime            *time.Time    `json:"endTime,omitempty"`
	Status             SessionStatus `json:"status"`
	WindowSeconds      int           `json:"windowSeconds"`
	Department         string        `json:"department,omitempty"`
	Year               string        `json:"year,omitempty"`
	EnrolledCount      int           `json:"enrolledCount"`
	PresentCount       int           `json:"presentCount"`
	CurrentTokenID     *string       `json:"currentTokenId,omitempty"`
	CurrentTokenExpiry *time.Time    `json:"currentTokenExpiry,omitempty"`
}

func (s Session) Summary() Summary {
	return NewSummary(s.PresentCount, s.EnrolledCount)
}

type Summary struct {
	Present int `json:"present"`
	Total   int `json:"total"`
	Absent  int `json:"absent"`
}

func NewSummary(present, total int) Summary {
	return Summary{
		Present: present,
		Total:   total,
		Absent:  max(0, total-present),
	}
}

// Token is a snapshot of an issued attendance credential.
type Token struct {
	ID         string    `json:"tokenId"`
	SessionID  string    `json:"sessionId"`
	Credential string    `json:"credential"`
	ShortCode  string    `json:"shortCode"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Active     bool      `json:"active"`
	Department string    `json:"department,omitempty"`
	Year       string    `json:"year,omitempty"`
}

func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t Token) IsRedeemable(now time.Time) bool {
	return t.Active && !t.IsExpired(now)
}

// Eligibility returns the context embedded in the credential, if any.
func (t Token) Eligibility() Eligibility {
	return Eligibility{Department: t.Department, Year: t.Year}
}

// SecondsRemaining rounds up so a live token never reports zero.
func (t Token) SecondsRemaining(now time.Time) int {
	d := t.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

package model

type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusClosed  SessionStatus = "closed"
	SessionStatusExpired SessionStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusClosed || s == SessionStatusExpired
}

type PresenceSource string

const (
	PresenceSourceScan   PresenceSource = "scan"
	PresenceSourceManual PresenceSource = "manual"
)

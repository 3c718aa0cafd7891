// Package registry owns live attendance sessions and their credentials.
//
// All session fields and maps are guarded by one mutex. Each token's active
// flag only ever moves from true to false, via CompareAndSwap; the caller
// that wins the swap performs the associated side effects (short-code
// release, presence add). Timer callbacks follow the same discipline, so a
// stale timer for a superseded or redeemed token is a no-op.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/token"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenInactive   = errors.New("token already used")
	ErrTokenExpired    = errors.New("token expired")
	ErrAlreadyPresent  = errors.New("student already present")
	ErrInvalidWindow   = errors.New("window must be at least one second")
)

type Minter interface {
	Mint(p token.MintParams) (token.Minted, error)
}

type CodeAllocator interface {
	Allocate(tokenID string) (string, error)
	Lookup(code string) (string, bool)
	Release(code string)
	Forget(code, tokenID string)
}

type Scheduler interface {
	Arm(key string, at time.Time, fn func())
	Disarm(key string)
	Stop()
}

type CreateParams struct {
	CourseID    string
	Window      time.Duration
	Eligibility model.Eligibility
	Enrolled    []string
}

// Rotation is the outcome of issuing a new credential for a session.
type Rotation struct {
	Session    model.Session
	Token      model.Token
	Superseded *model.Token
}

type Closure struct {
	Session       model.Session
	Summary       model.Summary
	Deactivated   []model.Token
	AlreadyClosed bool
}

type Commit struct {
	Session        model.Session
	Token          model.Token
	MarkedAt       time.Time
	PresentCount   int
	RemainingCount int
}

// ExpiryEvent is reported when a token timer fires and changed something.
// Deactivated is set when the timer won the active flag; WindowClosed when
// the token was still the session's current one.
type ExpiryEvent struct {
	SessionID    string
	Token        model.Token
	Deactivated  bool
	WindowClosed bool
	Summary      model.Summary
}

type session struct {
	id          string
	courseID    string
	startTime   time.Time
	endTime     *time.Time
	status      model.SessionStatus
	window      time.Duration
	eligibility model.Eligibility
	enrolled    map[string]struct{}
	present     map[string]time.Time
	currentID   string
	tokenIDs    []string
}

type tokenEntry struct {
	id          string
	sessionID   string
	credential  string
	shortCode   string
	issuedAt    time.Time
	expiresAt   time.Time
	eligibility model.Eligibility
	active      atomic.Bool
}

type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*session
	tokens    map[string]*tokenEntry
	minter    Minter
	codes     CodeAllocator
	scheduler Scheduler
	now       func() time.Time
	onExpire  func(ExpiryEvent)
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(minter Minter, codes CodeAllocator, scheduler Scheduler, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*session),
		tokens:    make(map[string]*tokenEntry),
		minter:    minter,
		codes:     codes,
		scheduler: scheduler,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetExpiryHandler registers the callback invoked, outside the lock, after a
// token timer fires.
func (r *Registry) SetExpiryHandler(fn func(ExpiryEvent)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

func (r *Registry) CreateSession(p CreateParams) (model.Session, error) {
	if p.CourseID == "" {
		return model.Session{}, fmt.Errorf("create session: course id is required")
	}
	if p.Window < time.Second {
		return model.Session{}, ErrInvalidWindow
	}

	now := r.now()
	s := &session{
		id:          token.NewSessionID(now),
		courseID:    p.CourseID,
		startTime:   now,
		status:      model.SessionStatusActive,
		window:      p.Window,
		eligibility: p.Eligibility,
		enrolled:    make(map[string]struct{}, len(p.Enrolled)),
		present:     make(map[string]time.Time),
	}
	for _, id := range p.Enrolled {
		s.enrolled[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.id] = s
	return r.snapshotLocked(s), nil
}

// Rotate issues a new current credential and deactivates the previous one.
// A zero eligibility falls back to the session's declared context.
func (r *Registry) Rotate(sessionID string, elig model.Eligibility) (Rotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Rotation{}, ErrSessionNotFound
	}
	if s.status.IsTerminal() {
		return Rotation{}, ErrSessionClosed
	}
	if elig.IsZero() {
		elig = s.eligibility
	}

	minted, err := r.minter.Mint(token.MintParams{
		SessionID:  s.id,
		Window:     s.window,
		Department: elig.Department,
		Year:       elig.Year,
	})
	if err != nil {
		return Rotation{}, fmt.Errorf("mint credential: %w", err)
	}
	code, err := r.codes.Allocate(minted.TokenID)
	if err != nil {
		return Rotation{}, fmt.Errorf("allocate short code: %w", err)
	}

	var superseded *model.Token
	if prev, ok := r.tokens[s.currentID]; ok && r.deactivateLocked(prev) {
		snap := prev.snapshot()
		superseded = &snap
	}

	t := &tokenEntry{
		id:          minted.TokenID,
		sessionID:   s.id,
		credential:  minted.Credential,
		shortCode:   code,
		issuedAt:    minted.IssuedAt,
		expiresAt:   minted.ExpiresAt,
		eligibility: elig,
	}
	t.active.Store(true)

	r.tokens[t.id] = t
	s.currentID = t.id
	s.tokenIDs = append(s.tokenIDs, t.id)

	tokenID := t.id
	r.scheduler.Arm(tokenID, t.expiresAt, func() { r.expire(tokenID) })

	return Rotation{
		Session:    r.snapshotLocked(s),
		Token:      t.snapshot(),
		Superseded: superseded,
	}, nil
}

// Close is idempotent. A terminal session is returned unchanged.
func (r *Registry) Close(sessionID string) (Closure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Closure{}, ErrSessionNotFound
	}
	if s.status.IsTerminal() {
		snap := r.snapshotLocked(s)
		return Closure{Session: snap, Summary: snap.Summary(), AlreadyClosed: true}, nil
	}

	deactivated := r.endLocked(s, model.SessionStatusClosed)
	snap := r.snapshotLocked(s)
	return Closure{Session: snap, Summary: snap.Summary(), Deactivated: deactivated}, nil
}

// RecordPresence adds the student with set semantics and reports whether the
// student was newly added.
func (r *Registry) RecordPresence(sessionID, studentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.status.IsTerminal() {
		return false, ErrSessionClosed
	}
	if _, dup := s.present[studentID]; dup {
		return false, nil
	}
	s.present[studentID] = r.now()
	return true, nil
}

// Commit redeems a token for a student. Presence add, token deactivation and
// short-code release happen together under the lock; racing callers for the
// same token observe ErrTokenInactive.
func (r *Registry) Commit(tokenID, studentID string) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return Commit{}, ErrTokenNotFound
	}
	now := r.now()
	if !now.Before(t.expiresAt) {
		return Commit{}, ErrTokenExpired
	}
	s, ok := r.sessions[t.sessionID]
	if !ok || s.status.IsTerminal() {
		return Commit{}, ErrSessionClosed
	}
	if !t.active.Load() {
		return Commit{}, ErrTokenInactive
	}
	if _, dup := s.present[studentID]; dup {
		return Commit{}, ErrAlreadyPresent
	}
	if !r.deactivateLocked(t) {
		return Commit{}, ErrTokenInactive
	}

	s.present[studentID] = now
	snap := r.snapshotLocked(s)
	return Commit{
		Session:        snap,
		Token:          t.snapshot(),
		MarkedAt:       now,
		PresentCount:   snap.PresentCount,
		RemainingCount: snap.Summary().Absent,
	}, nil
}

// ExpireStale moves active sessions started at least maxAge ago to expired.
func (r *Registry) ExpireStale(maxAge time.Duration) []Closure {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var closed []Closure
	for _, s := range r.sessions {
		if s.status.IsTerminal() || s.startTime.After(cutoff) {
			continue
		}
		deactivated := r.endLocked(s, model.SessionStatusExpired)
		snap := r.snapshotLocked(s)
		closed = append(closed, Closure{Session: snap, Summary: snap.Summary(), Deactivated: deactivated})
	}
	return closed
}

// Evict drops terminal sessions that ended at least retention ago, together
// with their tokens and timers. It returns the evicted session ids.
func (r *Registry) Evict(retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	var evicted []string
	for id, s := range r.sessions {
		if !s.status.IsTerminal() || s.endTime == nil || s.endTime.After(cutoff) {
			continue
		}
		for _, tid := range s.tokenIDs {
			if t, ok := r.tokens[tid]; ok {
				r.deactivateLocked(t)
				r.codes.Forget(t.shortCode, tid)
				delete(r.tokens, tid)
			}
			r.scheduler.Disarm(tid)
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// Shutdown cancels all pending expiry timers.
func (r *Registry) Shutdown() {
	r.scheduler.Stop()
}

func (r *Registry) Session(sessionID string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return r.snapshotLocked(s), true
}

func (r *Registry) Token(tokenID string) (model.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return model.Token{}, false
	}
	return t.snapshot(), true
}

// CurrentToken returns the session's current credential while it is live.
func (r *Registry) CurrentToken(sessionID string) (model.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return model.Token{}, false
	}
	t, ok := r.tokens[s.currentID]
	if !ok || !t.active.Load() || !r.now().Before(t.expiresAt) {
		return model.Token{}, false
	}
	return t.snapshot(), true
}

// TokenIDForCode resolves a short code, including codes already spent,
// to the token it was issued for.
func (r *Registry) TokenIDForCode(code string) (string, bool) {
	return r.codes.Lookup(code)
}

// Countdown reports the seconds left on the session's current token.
func (r *Registry) Countdown(sessionID string) (int, bool) {
	t, ok := r.CurrentToken(sessionID)
	if !ok {
		return 0, false
	}
	return t.SecondsRemaining(r.now()), true
}

func (r *Registry) IsPresent(sessionID, studentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	_, present := s.present[studentID]
	return present
}

// List returns all sessions, newest first.
func (r *Registry) List() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.snapshotLocked(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) expire(tokenID string) {
	r.mu.Lock()
	t, ok := r.tokens[tokenID]
	if !ok {
		r.mu.Unlock()
		return
	}

	ev := ExpiryEvent{SessionID: t.sessionID}
	ev.Deactivated = r.deactivateLocked(t)
	if s, ok := r.sessions[t.sessionID]; ok && s.currentID == tokenID {
		s.currentID = ""
		ev.WindowClosed = true
		ev.Summary = r.snapshotLocked(s).Summary()
	}
	ev.Token = t.snapshot()
	handler := r.onExpire
	r.mu.Unlock()

	if handler != nil && (ev.Deactivated || ev.WindowClosed) {
		handler(ev)
	}
}

// deactivateLocked flips the active flag and, on success, releases the code.
func (r *Registry) deactivateLocked(t *tokenEntry) bool {
	if !t.active.CompareAndSwap(true, false) {
		return false
	}
	r.codes.Release(t.shortCode)
	return true
}

func (r *Registry) endLocked(s *session, status model.SessionStatus) []model.Token {
	var deactivated []model.Token
	for _, tid := range s.tokenIDs {
		if t, ok := r.tokens[tid]; ok && r.deactivateLocked(t) {
			deactivated = append(deactivated, t.snapshot())
		}
	}
	end := r.now()
	s.status = status
	s.endTime = &end
	s.currentID = ""
	return deactivated
}

func (r *Registry) snapshotLocked(s *session) model.Session {
	snap := model.Session{
		ID:            s.id,
		CourseID:      s.courseID,
		StartTime:     s.startTime,
		EndTime:       s.endTime,
		Status:        s.status,
		WindowSeconds: int(s.window / time.Second),
		Department:    s.eligibility.Department,
		Year:          s.eligibility.Year,
		EnrolledCount: len(s.enrolled),
		PresentCount:  len(s.present),
	}
	if t, ok := r.tokens[s.currentID]; ok {
		id := t.id
		exp := t.expiresAt
		snap.CurrentTokenID = &id
		snap.CurrentTokenExpiry = &exp
	}
	return snap
}

func (t *tokenEntry) snapshot() model.Token {
	return model.Token{
		ID:         t.id,
		SessionID:  t.sessionID,
		Credential: t.credential,
		ShortCode:  t.shortCode,
		IssuedAt:   t.issuedAt,
		ExpiresAt:  t.expiresAt,
		Active:     t.active.Load(),
		Department: t.eligibility.Department,
		Year:       t.eligibility.Year,
	}
}

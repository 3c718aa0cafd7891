package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/attendance-server-go/internal/expiry"
	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/shortcode"
	"github.com/rollcall/attendance-server-go/internal/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	reg    *Registry
	clock  *testClock
	timers *expiry.Manual
	codes  *shortcode.Allocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)}
	codec := token.NewCodec("registry-test-secret-0123456789abcdef", token.WithClock(clock.Now))
	codes := shortcode.NewAllocator()
	timers := expiry.NewManual()
	return &fixture{
		reg:    New(codec, codes, timers, WithClock(clock.Now)),
		clock:  clock,
		timers: timers,
		codes:  codes,
	}
}

func (f *fixture) session(t *testing.T, enrolled ...string) model.Session {
	t.Helper()
	s, err := f.reg.CreateSession(CreateParams{CourseID: "C1", Window: 30 * time.Second, Enrolled: enrolled})
	require.NoError(t, err)
	return s
}

func (f *fixture) rotate(t *testing.T, sessionID string) model.Token {
	t.Helper()
	rot, err := f.reg.Rotate(sessionID, model.Eligibility{})
	require.NoError(t, err)
	return rot.Token
}

func TestCreateSession(t *testing.T) {
	t.Run("starts active with no current token", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1", "S2", "S2")

		assert.Regexp(t, `^S_\d+-[0-9a-f]{8}$`, s.ID)
		assert.Equal(t, "C1", s.CourseID)
		assert.Equal(t, model.SessionStatusActive, s.Status)
		assert.Equal(t, 30, s.WindowSeconds)
		assert.Equal(t, 2, s.EnrolledCount)
		assert.Nil(t, s.CurrentTokenID)
		assert.Nil(t, s.EndTime)
		assert.Equal(t, f.clock.Now(), s.StartTime)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.reg.CreateSession(CreateParams{Window: time.Minute})
		assert.Error(t, err)

		_, err = f.reg.CreateSession(CreateParams{CourseID: "C1", Window: 500 * time.Millisecond})
		assert.ErrorIs(t, err, ErrInvalidWindow)
	})
}

func TestRotate(t *testing.T) {
	t.Run("sets current token and arms expiry", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t)

		rot, err := f.reg.Rotate(s.ID, model.Eligibility{})
		require.NoError(t, err)

		assert.Nil(t, rot.Superseded)
		assert.True(t, rot.Token.Active)
		assert.Len(t, rot.Token.ShortCode, shortcode.Length)
		assert.Equal(t, f.clock.Now().Add(30*time.Second), rot.Token.ExpiresAt)
		require.NotNil(t, rot.Session.CurrentTokenID)
		assert.Equal(t, rot.Token.ID, *rot.Session.CurrentTokenID)
		assert.Equal(t, rot.Token.ExpiresAt, *rot.Session.CurrentTokenExpiry)
		assert.Equal(t, 1, f.timers.Pending())

		id, ok := f.reg.TokenIDForCode(rot.Token.ShortCode)
		assert.True(t, ok)
		assert.Equal(t, rot.Token.ID, id)
	})

	t.Run("supersedes previous token", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t)
		first := f.rotate(t, s.ID)

		rot, err := f.reg.Rotate(s.ID, model.Eligibility{})
		require.NoError(t, err)

		require.NotNil(t, rot.Superseded)
		assert.Equal(t, first.ID, rot.Superseded.ID)
		assert.False(t, rot.Superseded.Active)

		old, ok := f.reg.Token(first.ID)
		require.True(t, ok)
		assert.False(t, old.Active)

		_, ok = f.codes.Resolve(first.ShortCode)
		assert.False(t, ok, "superseded short code must be released")

		id, ok := f.reg.TokenIDForCode(first.ShortCode)
		assert.True(t, ok)
		assert.Equal(t, first.ID, id)
	})

	t.Run("falls back to session eligibility", func(t *testing.T) {
		f := newFixture(t)
		s, err := f.reg.CreateSession(CreateParams{
			CourseID:    "C1",
			Window:      30 * time.Second,
			Eligibility: model.Eligibility{Department: "CSE", Year: "2nd Year"},
		})
		require.NoError(t, err)

		tok := f.rotate(t, s.ID)
		assert.Equal(t, "CSE", tok.Department)

		rot, err := f.reg.Rotate(s.ID, model.Eligibility{Department: "ECE", Year: "3rd Year"})
		require.NoError(t, err)
		assert.Equal(t, "ECE", rot.Token.Department)
		assert.Equal(t, "3rd Year", rot.Token.Year)
	})

	t.Run("unknown and closed sessions", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.Rotate("S_missing", model.Eligibility{})
		assert.ErrorIs(t, err, ErrSessionNotFound)

		s := f.session(t)
		_, err = f.reg.Close(s.ID)
		require.NoError(t, err)

		_, err = f.reg.Rotate(s.ID, model.Eligibility{})
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("at most one active token per session", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t)

		var ids []string
		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rot, err := f.reg.Rotate(s.ID, model.Eligibility{})
				if err == nil {
					mu.Lock()
					ids = append(ids, rot.Token.ID)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Len(t, ids, 20)

		active := 0
		for _, id := range ids {
			tok, ok := f.reg.Token(id)
			require.True(t, ok)
			if tok.Active {
				active++
			}
		}
		assert.Equal(t, 1, active)
		assert.Equal(t, 1, f.codes.Len())
	})
}

func TestCommit(t *testing.T) {
	t.Run("marks presence and consumes the token", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1", "S2")
		tok := f.rotate(t, s.ID)

		c, err := f.reg.Commit(tok.ID, "S1")
		require.NoError(t, err)

		assert.Equal(t, 1, c.PresentCount)
		assert.Equal(t, 1, c.RemainingCount)
		assert.Equal(t, f.clock.Now(), c.MarkedAt)
		assert.False(t, c.Token.Active)
		assert.True(t, f.reg.IsPresent(s.ID, "S1"))

		_, ok := f.codes.Resolve(tok.ShortCode)
		assert.False(t, ok)
	})

	t.Run("second redemption is already used", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1", "S2")
		tok := f.rotate(t, s.ID)

		_, err := f.reg.Commit(tok.ID, "S1")
		require.NoError(t, err)

		_, err = f.reg.Commit(tok.ID, "S1")
		assert.ErrorIs(t, err, ErrTokenInactive)
		_, err = f.reg.Commit(tok.ID, "S2")
		assert.ErrorIs(t, err, ErrTokenInactive)
	})

	t.Run("already present student does not consume a fresh token", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1", "S2")
		_, err := f.reg.Commit(f.rotate(t, s.ID).ID, "S1")
		require.NoError(t, err)

		fresh := f.rotate(t, s.ID)
		_, err = f.reg.Commit(fresh.ID, "S1")
		assert.ErrorIs(t, err, ErrAlreadyPresent)

		again, ok := f.reg.Token(fresh.ID)
		require.True(t, ok)
		assert.True(t, again.Active)

		_, err = f.reg.Commit(fresh.ID, "S2")
		assert.NoError(t, err)
	})

	t.Run("expired by wall clock before the timer fires", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")
		tok := f.rotate(t, s.ID)

		f.clock.Advance(30 * time.Second)
		require.Equal(t, 1, f.timers.Pending())

		_, err := f.reg.Commit(tok.ID, "S1")
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.False(t, f.reg.IsPresent(s.ID, "S1"))
	})

	t.Run("superseded token is already used", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")
		old := f.rotate(t, s.ID)
		f.rotate(t, s.ID)

		_, err := f.reg.Commit(old.ID, "S1")
		assert.ErrorIs(t, err, ErrTokenInactive)
	})

	t.Run("closed session", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")
		tok := f.rotate(t, s.ID)
		_, err := f.reg.Close(s.ID)
		require.NoError(t, err)

		_, err = f.reg.Commit(tok.ID, "S1")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.Commit("nope", "S1")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("concurrent redemptions of one token have a single winner", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t)
		tok := f.rotate(t, s.ID)

		var wins, used atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := f.reg.Commit(tok.ID, string(rune('A'+n%26))+string(rune('a'+n/26)))
				switch err {
				case nil:
					wins.Add(1)
				case ErrTokenInactive:
					used.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(63), used.Load())
		snap, _ := f.reg.Session(s.ID)
		assert.Equal(t, 1, snap.PresentCount)
	})
}

func TestRecordPresence(t *testing.T) {
	t.Run("concurrent identical calls add once", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")

		var added atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := f.reg.RecordPresence(s.ID, "S1")
				if err == nil && ok {
					added.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), added.Load())
		snap, _ := f.reg.Session(s.ID)
		assert.Equal(t, 1, snap.PresentCount)
	})

	t.Run("missing and closed sessions", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.RecordPresence("S_missing", "S1")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		s := f.session(t)
		_, _ = f.reg.Close(s.ID)
		_, err = f.reg.RecordPresence(s.ID, "S1")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestClose(t *testing.T) {
	t.Run("deactivates current token and stamps end time", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1", "S2", "S3")
		tok := f.rotate(t, s.ID)
		_, err := f.reg.RecordPresence(s.ID, "S1")
		require.NoError(t, err)

		f.clock.Advance(5 * time.Second)
		c, err := f.reg.Close(s.ID)
		require.NoError(t, err)

		assert.False(t, c.AlreadyClosed)
		assert.Equal(t, model.SessionStatusClosed, c.Session.Status)
		require.NotNil(t, c.Session.EndTime)
		assert.Equal(t, f.clock.Now(), *c.Session.EndTime)
		assert.Nil(t, c.Session.CurrentTokenID)
		assert.Equal(t, model.Summary{Present: 1, Total: 3, Absent: 2}, c.Summary)
		require.Len(t, c.Deactivated, 1)
		assert.Equal(t, tok.ID, c.Deactivated[0].ID)

		_, ok := f.codes.Resolve(tok.ShortCode)
		assert.False(t, ok)
	})

	t.Run("is idempotent", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")
		f.rotate(t, s.ID)

		first, err := f.reg.Close(s.ID)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
		second, err := f.reg.Close(s.ID)
		require.NoError(t, err)

		assert.True(t, second.AlreadyClosed)
		assert.Empty(t, second.Deactivated)
		assert.Equal(t, first.Session.Status, second.Session.Status)
		assert.Equal(t, *first.Session.EndTime, *second.Session.EndTime)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.Close("S_missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestExpiry(t *testing.T) {
	t.Run("current token expiry closes the window but not the session", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1", "S2")
		tok := f.rotate(t, s.ID)

		var events []ExpiryEvent
		f.reg.SetExpiryHandler(func(ev ExpiryEvent) { events = append(events, ev) })

		f.clock.Advance(30 * time.Second)
		assert.Equal(t, 1, f.timers.FireDue(f.clock.Now()))

		require.Len(t, events, 1)
		assert.True(t, events[0].Deactivated)
		assert.True(t, events[0].WindowClosed)
		assert.Equal(t, tok.ID, events[0].Token.ID)
		assert.Equal(t, model.Summary{Present: 0, Total: 2, Absent: 2}, events[0].Summary)

		snap, _ := f.reg.Session(s.ID)
		assert.Equal(t, model.SessionStatusActive, snap.Status)
		assert.Nil(t, snap.CurrentTokenID)
		assert.Nil(t, snap.CurrentTokenExpiry)

		_, ok := f.codes.Resolve(tok.ShortCode)
		assert.False(t, ok)

		f.rotate(t, s.ID)
	})

	t.Run("stale timer of superseded token is a no-op", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t)
		old := f.rotate(t, s.ID)
		current := f.rotate(t, s.ID)

		called := false
		f.reg.SetExpiryHandler(func(ExpiryEvent) { called = true })

		assert.True(t, f.timers.Fire(old.ID))
		assert.False(t, called)

		snap, _ := f.reg.Session(s.ID)
		require.NotNil(t, snap.CurrentTokenID)
		assert.Equal(t, current.ID, *snap.CurrentTokenID)

		tok, _ := f.reg.Token(current.ID)
		assert.True(t, tok.Active)
	})

	t.Run("redeemed current token still closes the window", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")
		tok := f.rotate(t, s.ID)
		_, err := f.reg.Commit(tok.ID, "S1")
		require.NoError(t, err)

		var got *ExpiryEvent
		f.reg.SetExpiryHandler(func(ev ExpiryEvent) { got = &ev })
		f.timers.Fire(tok.ID)

		require.NotNil(t, got)
		assert.False(t, got.Deactivated)
		assert.True(t, got.WindowClosed)
		assert.Equal(t, 1, got.Summary.Present)
	})

	t.Run("active flag never returns to true", func(t *testing.T) {
		f := newFixture(t)
		s := f.session(t, "S1")
		tok := f.rotate(t, s.ID)
		_, err := f.reg.Commit(tok.ID, "S1")
		require.NoError(t, err)

		f.timers.Fire(tok.ID)
		_, _ = f.reg.Close(s.ID)

		got, _ := f.reg.Token(tok.ID)
		assert.False(t, got.Active)
	})

	t.Run("real timers clear the pointer after a one second window", func(t *testing.T) {
		codec := token.NewCodec("registry-test-secret-0123456789abcdef")
		reg := New(codec, shortcode.NewAllocator(), expiry.NewTimers(nil))
		defer reg.Shutdown()

		s, err := reg.CreateSession(CreateParams{CourseID: "C1", Window: time.Second, Enrolled: []string{"S1"}})
		require.NoError(t, err)
		rot, err := reg.Rotate(s.ID, model.Eligibility{})
		require.NoError(t, err)

		time.Sleep(1100 * time.Millisecond)
		_, err = reg.Commit(rot.Token.ID, "S1")
		assert.ErrorIs(t, err, ErrTokenExpired)

		assert.Eventually(t, func() bool {
			snap, _ := reg.Session(s.ID)
			return snap.CurrentTokenID == nil
		}, time.Second, 10*time.Millisecond)
	})
}

func TestCountdown(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	_, ok := f.reg.Countdown(s.ID)
	assert.False(t, ok)

	f.rotate(t, s.ID)
	f.clock.Advance(10*time.Second + 200*time.Millisecond)

	secs, ok := f.reg.Countdown(s.ID)
	assert.True(t, ok)
	assert.Equal(t, 20, secs)

	f.clock.Advance(20 * time.Second)
	_, ok = f.reg.Countdown(s.ID)
	assert.False(t, ok)
}

func TestRetention(t *testing.T) {
	t.Run("expire stale moves old active sessions to expired", func(t *testing.T) {
		f := newFixture(t)
		old := f.session(t, "S1")
		tok := f.rotate(t, old.ID)

		f.clock.Advance(2 * time.Hour)
		fresh := f.session(t)

		closed := f.reg.ExpireStale(time.Hour)
		require.Len(t, closed, 1)
		assert.Equal(t, old.ID, closed[0].Session.ID)
		assert.Equal(t, model.SessionStatusExpired, closed[0].Session.Status)
		require.Len(t, closed[0].Deactivated, 1)
		assert.Equal(t, tok.ID, closed[0].Deactivated[0].ID)

		snap, _ := f.reg.Session(fresh.ID)
		assert.Equal(t, model.SessionStatusActive, snap.Status)
	})

	t.Run("evict drops terminal sessions past retention", func(t *testing.T) {
		f := newFixture(t)
		closed := f.session(t)
		tok := f.rotate(t, closed.ID)
		_, err := f.reg.Close(closed.ID)
		require.NoError(t, err)
		active := f.session(t)

		f.clock.Advance(30 * time.Minute)
		assert.Empty(t, f.reg.Evict(time.Hour))

		f.clock.Advance(31 * time.Minute)
		assert.Equal(t, []string{closed.ID}, f.reg.Evict(time.Hour))

		_, ok := f.reg.Session(closed.ID)
		assert.False(t, ok)
		_, ok = f.reg.Token(tok.ID)
		assert.False(t, ok)
		_, ok = f.reg.TokenIDForCode(tok.ShortCode)
		assert.False(t, ok)
		_, ok = f.reg.Session(active.ID)
		assert.True(t, ok)
		assert.Equal(t, 0, f.timers.Pending())
	})
}

func TestList(t *testing.T) {
	f := newFixture(t)
	first := f.session(t)
	f.clock.Advance(time.Second)
	second := f.session(t)

	list := f.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, 2, f.reg.Len())
}

func TestRedemptionScenario(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "S1", "S2")

	a := f.rotate(t, s.ID)
	_, err := f.reg.Commit(a.ID, "S1")
	require.NoError(t, err)

	_, err = f.reg.Commit(a.ID, "S1")
	assert.ErrorIs(t, err, ErrTokenInactive)

	_, ok := f.codes.Resolve(a.ShortCode)
	assert.False(t, ok, "code released with the token")

	b := f.rotate(t, s.ID)
	_, err = f.reg.Commit(b.ID, "S2")
	require.NoError(t, err)

	c, err := f.reg.Close(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Summary{Present: 2, Total: 2, Absent: 0}, c.Summary)
}

// Package mirror copies in-memory attendance transitions to durable storage.
// Writes are queued and applied by one worker in order; failures are logged
// and never reach the caller.
package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/attendance-server-go/internal/model"
)

type Store interface {
	CreateSession(ctx context.Context, rec model.SessionRecord) error
	UpdateSession(ctx context.Context, rec model.SessionRecord) error
	SaveToken(ctx context.Context, rec model.TokenRecord) error
	DeactivateToken(ctx context.Context, tokenID string) error
	SaveShortCode(ctx context.Context, rec model.ShortCodeRecord) error
	DeleteShortCode(ctx context.Context, code, tokenID string) error
	MarkPresent(ctx context.Context, rec model.PresenceRecord) error
}

type op struct {
	name string
	key  string
	fn   func(ctx context.Context) error
}

type Mirror struct {
	store        Store
	queue        chan op
	writeTimeout time.Duration
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	dropped      atomic.Int64
	failed       atomic.Int64
	applied      atomic.Int64
}

func New(store Store, queueSize int, writeTimeout time.Duration) *Mirror {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Mirror{
		store:        store,
		queue:        make(chan op, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.run()
	log.Info().Int("queueSize", cap(m.queue)).Msg("persistence mirror started")
}

// Stop applies what is already queued, giving up after timeout.
func (m *Mirror) Stop(timeout time.Duration) {
	m.stopOnce.Do(func() {
		close(m.done)

		finished := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			log.Info().Int64("applied", m.applied.Load()).Msg("persistence mirror stopped")
		case <-time.After(timeout):
			log.Warn().Int("pending", len(m.queue)).Msg("persistence mirror stop timed out")
		}
	})
}

func (m *Mirror) run() {
	defer m.wg.Done()

	for {
		select {
		case o := <-m.queue:
			m.apply(o)
		case <-m.done:
			for {
				select {
				case o := <-m.queue:
					m.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()

	if err := o.fn(ctx); err != nil {
		m.failed.Add(1)
		log.Error().Err(err).Str("op", o.name).Str("key", o.key).Msg("mirror write failed")
		return
	}
	m.applied.Add(1)
}

func (m *Mirror) enqueue(name, key string, fn func(ctx context.Context) error) {
	select {
	case <-m.done:
		m.dropped.Add(1)
		log.Warn().Str("op", name).Str("key", key).Msg("mirror stopped, dropping write")
		return
	default:
	}

	select {
	case m.queue <- op{name: name, key: key, fn: fn}:
	default:
		m.dropped.Add(1)
		log.Warn().Str("op", name).Str("key", key).Msg("mirror queue full, dropping write")
	}
}

func (m *Mirror) CreateSession(s model.Session) {
	rec := model.NewSessionRecord(&s)
	m.enqueue("createSession", s.ID, func(ctx context.Context) error {
		return m.store.CreateSession(ctx, rec)
	})
}

func (m *Mirror) UpdateSession(s model.Session) {
	rec := model.NewSessionRecord(&s)
	m.enqueue("updateSession", s.ID, func(ctx context.Context) error {
		return m.store.UpdateSession(ctx, rec)
	})
}

func (m *Mirror) SaveToken(t model.Token) {
	rec := model.TokenRecord{
		ID:        t.ID,
		SessionID: t.SessionID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		Active:    t.Active,
	}
	m.enqueue("saveToken", t.ID, func(ctx context.Context) error {
		return m.store.SaveToken(ctx, rec)
	})
}

func (m *Mirror) DeactivateToken(tokenID string) {
	m.enqueue("deactivateToken", tokenID, func(ctx context.Context) error {
		return m.store.DeactivateToken(ctx, tokenID)
	})
}

func (m *Mirror) SaveShortCode(t model.Token) {
	rec := model.ShortCodeRecord{
		Code:      t.ShortCode,
		TokenID:   t.ID,
		SessionID: t.SessionID,
		ExpiresAt: t.ExpiresAt,
	}
	m.enqueue("saveShortCode", t.ShortCode, func(ctx context.Context) error {
		return m.store.SaveShortCode(ctx, rec)
	})
}

func (m *Mirror) DeleteShortCode(code, tokenID string) {
	m.enqueue("deleteShortCode", code, func(ctx context.Context) error {
		return m.store.DeleteShortCode(ctx, code, tokenID)
	})
}

func (m *Mirror) MarkPresent(rec model.PresenceRecord) {
	m.enqueue("markPresent", rec.SessionID+"/"+rec.StudentID, func(ctx context.Context) error {
		return m.store.MarkPresent(ctx, rec)
	})
}

// Retired mirrors a token that left the live set: the token row goes
// inactive and its short code row is removed.
func (m *Mirror) Retired(t model.Token) {
	m.DeactivateToken(t.ID)
	m.DeleteShortCode(t.ShortCode, t.ID)
}

type Stats struct {
	Pending int   `json:"pending"`
	Applied int64 `json:"applied"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

func (m *Mirror) Stats() Stats {
	return Stats{
		Pending: len(m.queue),
		Applied: m.applied.Load(),
		Failed:  m.failed.Load(),
		Dropped: m.dropped.Load(),
	}
}

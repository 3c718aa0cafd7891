package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionSweeper ages sessions out of the in-memory registry.
type SessionSweeper interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error)
	Evict(ctx context.Context, retention time.Duration) (int64, error)
}

type ShortCodeStore interface {
	DeleteStaleShortCodes(ctx context.Context) (int64, error)
}

type CleanupJob struct {
	sessions  SessionSweeper
	codes     ShortCodeStore
	maxAge    time.Duration
	retention time.Duration
	interval  time.Duration
	done      chan struct{}
}

func NewCleanupJob(
	sessions SessionSweeper,
	codes ShortCodeStore,
	maxAge time.Duration,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessions:  sessions,
		codes:     codes,
		maxAge:    maxAge,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "stale sessions", func(ctx context.Context) (int64, error) {
		return j.sessions.ExpireStale(ctx, j.maxAge)
	})
	j.runCleanup(ctx, "retired sessions", func(ctx context.Context) (int64, error) {
		return j.sessions.Evict(ctx, j.retention)
	})
	if j.codes != nil {
		j.runCleanup(ctx, "short codes", j.codes.DeleteStaleShortCodes)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

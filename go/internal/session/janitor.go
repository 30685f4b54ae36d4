package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Janitor closes sessions that have sat without clients for longer than
// the linger window, so short disconnect-reconnect gaps keep the canvas
// but abandoned sessions do not pile up.
type Janitor struct {
	app      *App
	store    Store
	clock    clockwork.Clock
	linger   time.Duration
	interval time.Duration
}

// NewJanitor creates a janitor sweeping every interval. Sessions empty for
// at least linger are closed through the app, which archives them when an
// archiver is wired.
func NewJanitor(app *App, store Store, clock clockwork.Clock, linger, interval time.Duration) *Janitor {
	return &Janitor{
		app:      app,
		store:    store,
		clock:    clock,
		linger:   linger,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log.Info().
		Dur("linger", j.linger).
		Dur("interval", j.interval).
		Msg("session janitor started")
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session janitor stopped")
			return
		case <-ticker.Chan():
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	now := j.clock.Now()
	for _, s := range j.store.List() {
		if s.Persistent() {
			continue
		}
		since, empty := s.EmptySince()
		if !empty || now.Sub(since) < j.linger {
			continue
		}
		log.Info().
			Str("session_id", s.ID.String()).
			Dur("empty_for", now.Sub(since)).
			Msg("closing idle session")
		if err := j.app.CloseSession(ctx, s.ID); err != nil {
			log.Error().Err(err).
				Str("session_id", s.ID.String()).
				Msg("failed to close idle session")
		}
	}
}

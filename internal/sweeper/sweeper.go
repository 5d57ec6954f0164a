// Package sweeper reconnects every device with persisted auth state after a
// process start.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Lister yields the devices eligible for reconnection.
type Lister interface {
	ListDeviceIDsWithSessions(ctx context.Context) ([]string, error)
}

// Connector establishes sessions. Satisfied by *sessions.Manager.
type Connector interface {
	Connect(ctx context.Context, deviceID string) error
}

// Sweeper staggers the startup reconnect so the transport bridge never sees a
// thundering herd.
type Sweeper struct {
	db           Lister
	connector    Connector
	startupDelay time.Duration
	stagger      time.Duration
}

// New wires the sweeper with the configured delays.
func New(db Lister, connector Connector, startupDelay, stagger time.Duration) *Sweeper {
	return &Sweeper{db: db, connector: connector, startupDelay: startupDelay, stagger: stagger}
}

// Run performs one sweep. A single device failure is logged and skipped; it
// never aborts the rest of the sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	if !sleep(ctx, s.startupDelay) {
		return ctx.Err()
	}

	ids, err := s.db.ListDeviceIDsWithSessions(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Info().Msg("No persisted sessions to reconnect")
		return nil
	}

	log.Info().Int("devices", len(ids)).Dur("stagger", s.stagger).Msg("Reconnect sweep starting")
	reconnected := 0
	for i, id := range ids {
		if i > 0 && !sleep(ctx, s.stagger) {
			return ctx.Err()
		}
		if err := s.connector.Connect(ctx, id); err != nil {
			log.Error().Err(err).Str("deviceId", id).Msg("Sweep reconnect failed")
			continue
		}
		reconnected++
	}
	log.Info().Int("reconnected", reconnected).Int("devices", len(ids)).Msg("Reconnect sweep finished")
	return nil
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package ops

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/queue"
)

// heartbeatInterval paces the liveness log line.
const heartbeatInterval = 30 * time.Second

// SessionCounter reports live sessions. Satisfied by *sessions.Manager.
type SessionCounter interface {
	Count() int
}

// Heartbeat logs a liveness line every 30s and refreshes the session gauge.
// Runs until ctx ends.
func Heartbeat(ctx context.Context, sessions SessionCounter, queues map[string]*queue.Queue) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := sessions.Count()
			metrics.SessionsOnline.Set(float64(online))

			entry := log.Info().Int("sessions", online)
			for name, q := range queues {
				ready, delayed, dlq, err := q.Depth(ctx)
				if err != nil {
					continue
				}
				entry = entry.Int64(name+"Ready", ready).
					Int64(name+"Delayed", delayed).
					Int64(name+"Dlq", dlq)
			}
			entry.Msg("Worker heartbeat")
		}
	}
}

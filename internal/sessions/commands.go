package sessions

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/internal/queue"
)

// SessionClearer rewrites persisted key material without a live handle.
// Satisfied by *authstate.Manager.
type SessionClearer interface {
	ClearSessionsForJids(ctx context.Context, deviceID string, jids []string) error
}

type commandPayload struct {
	DeviceID string   `json:"deviceId"`
	Jids     []string `json:"jids,omitempty"`
}

// CommandHandler answers the device command queue: connect, disconnect and
// reset-sender-sessions issued by the control plane.
func CommandHandler(m *Manager, clearer SessionClearer) queue.Handler {
	return func(ctx context.Context, job *queue.Job) queue.Result {
		var cmd commandPayload
		if err := json.Unmarshal(job.Payload, &cmd); err != nil || cmd.DeviceID == "" {
			return queue.TerminalWith("bad_payload")
		}

		log.Info().Str("command", job.Name).Str("deviceId", cmd.DeviceID).Msg("Device command received")

		switch job.Name {
		case queue.JobConnect:
			if err := m.Connect(ctx, cmd.DeviceID); err != nil {
				return queue.RetryWith(err.Error())
			}
			return queue.Ok()

		case queue.JobDisconnect:
			if err := m.Disconnect(ctx, cmd.DeviceID); err != nil {
				return queue.RetryWith(err.Error())
			}
			return queue.Ok()

		case queue.JobResetSenderSessions:
			if len(cmd.Jids) == 0 {
				return queue.TerminalWith("no_jids")
			}
			// A live handle owns the in-memory state; going through it keeps
			// the next debounced flush from resurrecting the purged entries.
			if handle, ok := m.Handle(cmd.DeviceID); ok {
				handle.ClearSenderInMemory(cmd.Jids)
				handle.SaveNow(ctx)
				return queue.Ok()
			}
			if err := clearer.ClearSessionsForJids(ctx, cmd.DeviceID, cmd.Jids); err != nil {
				return queue.RetryWith(err.Error())
			}
			return queue.Ok()

		default:
			return queue.TerminalWith("unknown_command:" + job.Name)
		}
	}
}

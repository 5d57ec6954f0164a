package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// alertTimeout caps the crash alert; the process exits regardless of whether
// the alert landed.
const alertTimeout = 5 * time.Second

// CrashGuard classifies fatal-candidate errors. Benign network failures and
// session-desync incidents keep the process alive; anything else alerts and
// exits so the supervisor restarts a clean worker.
type CrashGuard struct {
	alertURL string
	client   *http.Client
	exit     func(code int)
}

// NewCrashGuard wires the guard. alertURL may be empty to skip alerting.
func NewCrashGuard(alertURL string) *CrashGuard {
	return &CrashGuard{
		alertURL: alertURL,
		client:   &http.Client{Timeout: alertTimeout},
		exit:     os.Exit,
	}
}

// Handle applies the classification policy to one uncaught error.
func (g *CrashGuard) Handle(err error) {
	if err == nil {
		return
	}
	text := err.Error()

	if IsSessionDesync(text) {
		log.Warn().Str("error", text).Msg("Session sync incident, continuing")
		return
	}
	if IsBenignDisconnect(text) {
		log.Warn().Str("error", text).Msg("Benign transport error, continuing")
		return
	}

	log.Error().Str("error", text).Msg("Uncaught error, exiting")
	g.alert(text)
	g.exit(1)
}

// alert posts the crash to the configured webhook, best effort.
func (g *CrashGuard) alert(text string) {
	if g.alertURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"service": "worker",
		"error":   text,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.alertURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Crash alert failed")
		return
	}
	resp.Body.Close()
}

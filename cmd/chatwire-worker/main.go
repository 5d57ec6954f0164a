package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatwire/chatwire/internal/authstate"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/inbound"
	"github.com/chatwire/chatwire/internal/logging"
	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/ops"
	"github.com/chatwire/chatwire/internal/outbound"
	"github.com/chatwire/chatwire/internal/queue"
	"github.com/chatwire/chatwire/internal/sessions"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/sweeper"
	"github.com/chatwire/chatwire/internal/transport/ws"
	"github.com/chatwire/chatwire/internal/vault"
	"github.com/chatwire/chatwire/internal/webhooks"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "chatwire-worker",
	Short:   "Chatwire session and delivery worker",
	Long:    `The worker keeps chat device sessions alive, persists inbound events and drives the outbound and webhook delivery queues.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runWorker()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chatwire-worker %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker() {
	// Baseline logger for early startup; reconfigured once config is loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "worker"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	v, err := vault.New(cfg.AuthEncKeyB64)
	if err != nil {
		log.Fatal().Err(err).Msg("Auth-state encryption key invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Database unavailable")
	}
	defer db.Close()

	dbSink := logging.NewDBSink(ctx, db, "worker")
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "worker",
	}, dbSink)

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Migrations failed")
	}

	broker, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis unavailable")
	}
	defer broker.Close()

	commandQ := broker.Queue(queue.DeviceCommands)
	outboundQ := broker.Queue(queue.OutboundMessages)
	webhookQ := broker.Queue(queue.WebhookDispatch)
	queues := map[string]*queue.Queue{
		queue.DeviceCommands:   commandQ,
		queue.OutboundMessages: outboundQ,
		queue.WebhookDispatch:  webhookQ,
	}

	authMgr := authstate.NewManager(db, v)
	dialer := ws.NewDialer(cfg.TransportBridgeURL)
	pipeline := inbound.New(db, webhookQ, outboundQ, cfg.InboundAckMessage)
	manager := sessions.NewManager(db, authMgr, dialer, pipeline, nil)
	outDispatcher := outbound.New(db, manager, cfg.ComposingBeforeSend)
	whDispatcher := webhooks.New(db)
	guard := ops.NewCrashGuard(cfg.AlertWebhookURL)

	log.Info().
		Str("version", Version).
		Str("bridge", cfg.TransportBridgeURL).
		Int("healthPort", cfg.HealthPort).
		Msg("Worker starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ops.NewServer(cfg.HealthPort).Run(ctx)
	})
	g.Go(func() error {
		return commandQ.Consume(ctx, 1,
			metrics.InstrumentHandler(queue.DeviceCommands, sessions.CommandHandler(manager, authMgr)), nil)
	})
	g.Go(func() error {
		return outboundQ.Consume(ctx, 5,
			metrics.InstrumentHandler(queue.OutboundMessages, outDispatcher.Handle), outDispatcher.OnFailure)
	})
	g.Go(func() error {
		return webhookQ.Consume(ctx, 10,
			metrics.InstrumentHandler(queue.WebhookDispatch, whDispatcher.Handle), whDispatcher.OnFailure)
	})
	g.Go(func() error {
		if err := sweeper.New(db, manager, cfg.ReconnectAllDelay, cfg.ReconnectStagger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// A failed sweep degrades startup but the worker stays useful.
			log.Error().Err(err).Msg("Reconnect sweep failed")
		}
		return nil
	})
	g.Go(func() error {
		ops.Heartbeat(ctx, manager, queues)
		return nil
	})
	g.Go(func() error {
		metrics.PollQueueDepths(ctx, 15*time.Second, queues)
		return nil
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	dbSink.Flush(2 * time.Second)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		guard.Handle(err)
		return
	}
	log.Info().Msg("Worker stopped")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/backoff"
	"github.com/fleetops/fleetd/internal/config"
	"github.com/fleetops/fleetd/internal/dispatch"
	"github.com/fleetops/fleetd/internal/events"
	"github.com/fleetops/fleetd/internal/fleet"
	"github.com/fleetops/fleetd/internal/model"
	"github.com/fleetops/fleetd/internal/poller"
	"github.com/fleetops/fleetd/internal/reconcile"
	"github.com/fleetops/fleetd/internal/storage"
	"github.com/fleetops/fleetd/internal/transport"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to NATS with retry
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	publisher, err := events.NewPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create events publisher", zap.Error(err))
	}

	// Open membership and audit storage
	fleetDB, err := storage.Open(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open fleet database", zap.Error(err))
	}
	defer fleetDB.Close()

	// Register transport adapters
	registry := transport.NewRegistry()
	registry.Register("http", transport.NewHTTPAdapter(logger))
	registry.Register("local", transport.NewLocalAdapter(logger))
	registry.Register("static", transport.NewStaticAdapter())

	if cfg.Transport.SSHPrivateKeyPath != "" {
		sshAdapter, err := transport.NewSSHAdapter(logger, transport.SSHConfig{
			User:           cfg.Transport.SSHUser,
			PrivateKeyPath: cfg.Transport.SSHPrivateKeyPath,
			StatusCommand:  cfg.Transport.SSHStatusCommand,
			ActionCommands: map[model.ActionKind]string{
				model.ActionRestart:  "sudo systemctl reboot",
				model.ActionPowerOff: "sudo systemctl poweroff",
				model.ActionSSHOpen:  "true",
			},
		})
		if err != nil {
			logger.Fatal("Failed to create SSH adapter", zap.Error(err))
		}
		registry.Register("ssh", sshAdapter)
	}

	if cfg.Transport.DockerEnabled {
		dockerAdapter, err := transport.NewDockerAdapter(logger)
		if err != nil {
			logger.Fatal("Failed to create Docker adapter", zap.Error(err))
		}
		registry.Register("docker", dockerAdapter)
	}

	// Assemble the core
	store := fleet.NewStore(logger)
	reconciler := reconcile.NewReconciler(store, cfg.Poll.FailureThreshold, logger)
	fleetPoller := poller.NewPoller(registry, reconciler, poller.Config{
		DefaultInterval: cfg.Poll.Interval,
		ClassIntervals:  cfg.Poll.ClassIntervals,
		FetchTimeout:    cfg.Poll.FetchTimeout,
		Backoff: &backoff.Exponential{
			InitialDelay: cfg.Poll.Interval,
			MaxDelay:     cfg.Poll.BackoffMax,
			Multiplier:   cfg.Poll.BackoffFactor,
		},
	}, logger)

	dispatcher := dispatch.NewDispatcher(store, registry, dispatch.Config{
		Attempts:      cfg.Action.Attempts,
		RetryBackoff:  &backoff.Linear{Delay: cfg.Action.RetryDelay},
		InvokeTimeout: cfg.Action.InvokeTimeout,
		OutcomeHook: func(outcome model.ActionOutcome) {
			if err := publisher.PublishOutcome(outcome); err != nil {
				logger.Error("Failed to publish outcome",
					zap.String("request_id", outcome.RequestID),
					zap.Error(err))
			}
		},
	}, fleetDB, logger)

	manager := fleet.NewManager(store, fleetPoller, dispatcher, fleetDB, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Bridge store updates onto NATS
	subID, updates := store.Subscribe()
	defer store.Unsubscribe(subID)
	go publisher.Bridge(ctx, updates)

	if err := fleetPoller.Start(ctx); err != nil {
		logger.Fatal("Failed to start poller", zap.Error(err))
	}

	// Load persisted fleet membership; statuses stay unknown until the
	// first successful poll.
	hosts, err := fleetDB.ListHosts(ctx)
	if err != nil {
		logger.Fatal("Failed to load fleet membership", zap.Error(err))
	}
	for _, host := range hosts {
		if err := manager.RestoreHost(host); err != nil {
			logger.Error("Failed to restore host",
				zap.String("host_id", host.ID),
				zap.Error(err))
		}
	}
	logger.Info("Fleet membership loaded", zap.Int("hosts", len(hosts)))

	// Schedule audit log cleanup
	cleanup := cron.New()
	if _, err := cleanup.AddFunc("@daily", func() {
		cutoff := time.Now().Add(-cfg.Action.AuditMaxAge)
		if err := fleetDB.DeleteOutcomesBefore(context.Background(), cutoff); err != nil {
			logger.Error("Failed to cleanup audit records", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Failed to schedule audit cleanup", zap.Error(err))
	}
	cleanup.Start()
	defer cleanup.Stop()

	// Wait for shutdown signal
	<-ctx.Done()

	fleetPoller.Stop()

	// Let in-flight actions reach a terminal state
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout reached, some actions may not have completed")
	}

	logger.Info("fleetd shutting down gracefully")
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"relaybot/internal/analytics"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/control"
	"relaybot/internal/metrics"
	"relaybot/internal/nlu"
	"relaybot/internal/pause"
	"relaybot/internal/relay"
	"relaybot/internal/secrets"
	"relaybot/internal/session"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Slack relay and the control server",
		Long:  "Connects to Slack over Socket Mode, relays messages to the NLU agent and serves the control endpoint. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

// loadServeConfig loads the config, resolves ssm: references and checks
// that the credentials are present. The bool reports whether any references
// were resolved.
func loadServeConfig(ctx context.Context) (*config.Config, bool, error) {
	cfg, err := config.LoadOrDefaults(resolveConfigPath())
	if err != nil {
		return nil, false, fmt.Errorf("load config: %w", err)
	}

	resolved, err := resolveSecrets(ctx, cfg, openParamStore)
	if err != nil {
		return nil, false, err
	}

	if err := config.ValidateCredentials(cfg); err != nil {
		return nil, resolved, err
	}
	return cfg, resolved, nil
}

type secretResolver interface {
	Resolve(ctx context.Context, cfg *config.Config) error
}

// resolveSecrets replaces ssm: references in cfg. The store is only opened
// when cfg carries references.
func resolveSecrets(ctx context.Context, cfg *config.Config, open func(context.Context) (secretResolver, error)) (bool, error) {
	if !secrets.HasRefs(cfg) {
		return false, nil
	}
	store, err := open(ctx)
	if err != nil {
		return false, err
	}
	if err := store.Resolve(ctx, cfg); err != nil {
		return false, fmt.Errorf("resolve secrets: %w", err)
	}
	return true, nil
}

func openParamStore(ctx context.Context) (secretResolver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	store, err := secrets.NewParamStore(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openLogOutput returns stderr, or stderr plus the configured log file.
func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return io.MultiWriter(os.Stderr, f), func() { f.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := loadServeConfig(ctx)
	if err != nil {
		return err
	}

	out, closeLog, err := openLogOutput(cfg.General.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = newLogger(out, cfg.General.LogLevel, cfg.General.LogFormat)

	events := bus.NewEventBus(logger)
	messageBus := bus.New(100, logger)
	sessions := session.NewRegistry()
	paused := pause.NewRegistry()

	metrics.Collector.SetGauge("sessions", "Conversations with an NLU session", func() int64 { return int64(sessions.Len()) })
	metrics.Collector.SetGauge("paused_channels", "Channels with relaying paused", func() int64 { return int64(paused.PausedCount()) })

	httpClient := nlu.SharedHTTPClient(time.Duration(cfg.NLU.TimeoutSeconds) * time.Second)
	interpreter := nlu.NewDialogflow(nlu.DialogflowConfig{
		AccessToken:     cfg.NLU.AccessToken,
		APIBase:         cfg.NLU.APIBase,
		ProtocolVersion: cfg.NLU.ProtocolVersion,
		Lang:            cfg.NLU.Lang,
		HTTPClient:      httpClient,
		Logger:          logger,
	})

	tracker := analytics.NewDashbot(analytics.DashbotConfig{
		APIKey:     cfg.Analytics.APIKey,
		APIBase:    cfg.Analytics.APIBase,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	tracker.Attach(events)
	defer tracker.Close()

	slackCh := channel.NewSlack(channel.SlackConfig{
		BotToken:       cfg.Slack.BotToken,
		AppToken:       cfg.Slack.AppToken,
		Debug:          cfg.Slack.Debug,
		DisableRestart: cfg.Slack.DoNotRestart,
		Events:         events,
		Logger:         logger,
	})

	handler := relay.NewHandler(relay.HandlerConfig{
		Interpreter: interpreter,
		Sessions:    sessions,
		Paused:      paused,
		Replies:     relay.NewDispatcher(messageBus, events, logger),
		Events:      events,
		Identity:    slackCh,
		ContextName: cfg.NLU.ContextName,
		Logger:      logger,
	})
	loop := relay.NewLoop(handler, messageBus, cfg.General.MaxConcurrentMessages, logger)

	controlCfg := control.Config{
		Host:        cfg.Control.Host,
		Port:        cfg.Control.Port,
		Paused:      paused,
		Events:      events,
		CORSOrigins: cfg.Control.CORSOrigins,
		Logger:      logger,
	}
	if cfg.Control.Metrics {
		controlCfg.MetricsHandler = metrics.Collector.Handler()
	}
	server := control.New(controlCfg)

	if err := interpreter.Healthy(ctx); err != nil {
		logger.Warn("nlu agent unreachable at startup", "provider", interpreter.Name(), "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			logger.Error("control server error", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		logger.Info("starting slack relay", "token", config.MaskSecret(cfg.Slack.BotToken))
		// A lost Slack connection is not fatal: the control server keeps running.
		if err := slackCh.Start(ctx, messageBus); err != nil {
			logger.Error("slack channel stopped", "err", err)
		}
	}()

	logger.Info("relaybot started. Press Ctrl+C to stop.", "version", version, "control", server.Addr())

	<-ctx.Done()
	logger.Info("shutting down relaybot...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		slackCh.Stop()
		wg.Wait()
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/tradegate/internal/config"
	"github.com/sawpanic/tradegate/internal/events"
	"github.com/sawpanic/tradegate/internal/gateway"
	"github.com/sawpanic/tradegate/internal/guardian"
	"github.com/sawpanic/tradegate/internal/hitl"
	"github.com/sawpanic/tradegate/internal/infrastructure/db"
	httpiface "github.com/sawpanic/tradegate/internal/interfaces/http"
	"github.com/sawpanic/tradegate/internal/marketdata"
	"github.com/sawpanic/tradegate/internal/metrics"
	"github.com/sawpanic/tradegate/internal/notify"
	"github.com/sawpanic/tradegate/internal/token"

	"github.com/redis/go-redis/v9"
)

const (
	appName = "tradegate"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Human-in-the-loop approval gateway for trade signals",
		Version: version,
		Long: `tradegate sits between the signal engine and order execution: every trade
signal becomes an approval request that a human operator must accept or
reject within its window. Undecided requests expire closed.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tradegate.yaml", "Path to YAML configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the approval gateway service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run the startup recovery pass and exit",
		Long: `Replays the AWAITING_APPROVAL set once: quarantines tampered rows,
expires overdue ones, and re-announces the survivors. The serve command runs
the same pass at boot; this command exists for operational reruns.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runRecover(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd, recoverCmd)

	if err := rootCmd.Execute(); err != nil {
		if hitl.IsCode(err, hitl.CodeMissingConfig) {
			log.Fatal().Err(err).Str("error_code", string(hitl.CodeMissingConfig)).Msg("configuration incomplete")
		}
		log.Fatal().Err(err).Msg("command failed")
	}
}

// app bundles everything the serve and recover commands build.
type app struct {
	cfg     config.Config
	manager *db.Manager
	bus     events.Bus
	guard   *guardian.HTTPPort
	gw      *gateway.Gateway
	tokens  *token.Service
	reg     *metrics.Registry
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	var bus events.Bus
	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{cfg.Redis.Addr},
			DB:    cfg.Redis.DB,
		})
		bus = events.NewRedisBus(client, cfg.Redis.Prefix, logger)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis event bus connected")
	} else {
		bus = events.NewLocalBus(logger)
		log.Info().Msg("using in-process event bus")
	}

	guardCfg := guardian.DefaultHTTPConfig()
	guardCfg.BaseURL = cfg.Upstreams.GuardianURL
	guard := guardian.NewHTTPPort(guardCfg, logger)

	feedCfg := marketdata.DefaultHTTPConfig()
	feedCfg.BaseURL = cfg.Upstreams.MarketDataURL
	feed := marketdata.NewHTTPFeed(feedCfg, logger)

	var notifier notify.ChatNotifier = notify.NopNotifier{}
	if cfg.Upstreams.ChatWebhook != "" {
		webhookCfg := notify.DefaultWebhookConfig()
		webhookCfg.URL = cfg.Upstreams.ChatWebhook
		webhookCfg.DeepLinkURL = cfg.Upstreams.DeepLinkURL
		notifier = notify.NewWebhookNotifier(webhookCfg, logger)
	}

	reg := metrics.NewRegistry()
	repo := manager.Repository()
	tokens := token.NewService(repo.Tokens, logger)

	gw := gateway.New(gateway.Config{
		Enabled:     cfg.HITL.Enabled,
		Timeout:     cfg.Timeout(),
		SlippageMax: cfg.SlippageMax(),
		Operators:   cfg.OperatorSet(),
	}, repo, guard, feed, tokens, notifier, bus, reg, logger)

	return &app{
		cfg:     cfg,
		manager: manager,
		bus:     bus,
		guard:   guard,
		gw:      gw,
		tokens:  tokens,
		reg:     reg,
	}, nil
}

func (a *app) close() {
	a.guard.Close()
	a.bus.Close()
	a.manager.Close()
}

func runServe(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recovery runs before any operation is accepted.
	if err := a.gw.RecoverOnStartup(ctx); err != nil {
		return err
	}

	go a.guard.Run(ctx)

	cascade := gateway.NewCascadeHandler(a.gw, log.Logger)
	go cascade.Run(ctx)

	expiry := gateway.NewExpiryWorker(a.gw, a.cfg.ExpiryInterval(), log.Logger)
	go expiry.Run(ctx)
	defer expiry.Close()

	hub := httpiface.NewHub(a.bus, log.Logger)
	serverCfg := httpiface.ServerConfig{
		Host:         a.cfg.Server.Host,
		Port:         a.cfg.Server.Port,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		JWTSecret:    a.cfg.Server.JWTSecret,
	}
	server := httpiface.NewServer(serverCfg, a.gw, a.tokens, a.reg, hub, log.Logger).
		WithHealth(a.manager)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	log.Info().Str("version", version).Bool("hitl_enabled", a.cfg.HITL.Enabled).
		Msg("approval gateway running")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runRecover(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return a.gw.RecoverOnStartup(ctx)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kkeelor/tradeclarity/gateway/config"
	"github.com/kkeelor/tradeclarity/gateway/gateway"
	"github.com/kkeelor/tradeclarity/gateway/keypool"
	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/llm/anthropic"
	"github.com/kkeelor/tradeclarity/gateway/llm/gemini"
	"github.com/kkeelor/tradeclarity/gateway/llm/ollama"
	"github.com/kkeelor/tradeclarity/gateway/llm/openai"
	gwlogger "github.com/kkeelor/tradeclarity/gateway/logger"
	"github.com/kkeelor/tradeclarity/gateway/mcp"
	"github.com/kkeelor/tradeclarity/gateway/migrations"
	"github.com/kkeelor/tradeclarity/gateway/telemetry"
	"github.com/kkeelor/tradeclarity/gateway/toolcache"
	"github.com/kkeelor/tradeclarity/gateway/toolrpc"
)

type cliOptions struct {
	configPath string
	logFile    string
	logLevel   string
	pretty     bool
	jsonOutput bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "gatewayd",
		Short:         "Market-data and LLM gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.logFile != "" && opts.pretty {
				return errors.New("--logfile and --pretty are mutually exclusive")
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if opts.logFile != "" {
				cfg.Log.File = opts.logFile
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			logger, err := gwlogger.New(gwlogger.Options{
				File:   cfg.Log.File,
				Pretty: opts.pretty || cfg.Log.Pretty,
				Level:  cfg.Log.Level,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", config.GetConfigPath(), "config file path")
	root.PersistentFlags().StringVar(&opts.logFile, "logfile", "", "path to log file; logs go to stderr when unset")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "pretty console logs (only valid without --logfile)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		newToolCmd(&opts),
		newToolsCmd(&opts),
		newChatCmd(&opts),
		newKeysCmd(&opts),
		newServeCmd(&opts),
	)
	return root
}

// app is the wired runtime shared by the subcommands.
type app struct {
	gw        *gateway.Gateway
	pool      *keypool.Pool
	db        *sql.DB
	sqlSink   *telemetry.SQLSink
	metrics   *prometheus.Registry
	transport *mcp.HTTPTransport
	bolt      *toolcache.BoltStore
	logger    zerolog.Logger
}

func openApp(ctx context.Context, opts *cliOptions) (*app, error) {
	cfg := opts.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{logger: opts.logger, metrics: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	// ---------------------------
	// 1. SQLite: key counters and telemetry
	// ---------------------------
	poolOpts := []keypool.Option{
		keypool.WithDailyLimit(cfg.MarketData.DailyLimit),
		keypool.WithLogger(a.logger),
	}
	sinks := telemetry.MultiSink{telemetry.NewPrometheusSink(a.metrics)}
	if cfg.Storage.Database != "" {
		a.logger.Info().Str("path", cfg.Storage.Database).Msg("Opening database")
		db, err := sql.Open("sqlite3", cfg.Storage.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.db = db
		if err := migrations.Run(db, a.logger); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		poolOpts = append(poolOpts, keypool.WithStore(keypool.NewSQLStore(db)))
		a.sqlSink = telemetry.NewSQLSink(db)
		sinks = append(sinks, a.sqlSink)
	}

	// ---------------------------
	// 2. Key pool, cache and telemetry
	// ---------------------------
	pool, err := keypool.NewPool(cfg.MarketData.APIKeys, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create key pool: %w", err)
	}
	if err := pool.Restore(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to restore key counters, starting fresh")
	}
	a.pool = pool

	cacheOpts := []toolcache.Option{toolcache.WithLogger(a.logger)}
	if cfg.Storage.Cache != "" {
		store, err := toolcache.OpenBoltStore(cfg.Storage.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to open tool cache: %w", err)
		}
		a.bolt = store
		cacheOpts = append(cacheOpts, toolcache.WithStore(store))
	}

	state := gateway.State{
		Keys:      pool,
		Cache:     toolcache.New(cacheOpts...),
		Telemetry: telemetry.NewRecorder(sinks, a.logger),
	}

	// ---------------------------
	// 3. Transport and providers
	// ---------------------------
	callTimeout := time.Duration(cfg.MarketData.CallTimeout) * time.Second
	transport, err := mcp.NewHTTPTransport(a.logger, cfg.MarketData.Endpoint, mcp.WithTimeout(callTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	a.transport = transport

	factories := map[llm.Vendor]llm.Factory{
		llm.VendorAnthropic: anthropic.Factory(a.logger),
		llm.VendorOpenAI:    openai.Factory(a.logger),
		llm.VendorDeepSeek:  openai.DeepSeekFactory(a.logger),
		llm.VendorGemini:    gemini.Factory(a.logger),
		llm.VendorOllama:    ollama.Factory(a.logger),
	}
	gw, err := gateway.New(state,
		gateway.WithTransport(transport),
		gateway.WithProviders(cfg.ProviderConfig(), factories),
		gateway.WithContextBudget(cfg.LLM.ContextBudget),
		gateway.WithToolOptions(
			toolrpc.WithCallTimeout(callTimeout),
			toolrpc.WithStaleMaxAge(time.Duration(cfg.MarketData.StaleMaxAge)*time.Minute),
		),
		gateway.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	a.gw = gw
	a.logger.Info().
		Int("keys", pool.Size()).
		Interface("vendors", gw.Registry().ConfiguredVendors()).
		Msg("Gateway ready")
	ok = true
	return a, nil
}

func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if a.gw != nil {
		if err := a.gw.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.bolt != nil {
		_ = a.bolt.Close()
	}
	if a.db != nil {
		_ = a.db.Close() //nolint:errcheck // No remedy for db close errors
	}
}

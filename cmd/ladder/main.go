package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/refermint/ladder/api/config"
	"github.com/refermint/ladder/api/handlers"
	"github.com/refermint/ladder/api/server"
	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/challenge"
	"github.com/refermint/ladder/engine/pkg/commission"
	"github.com/refermint/ladder/engine/pkg/metrics"
	"github.com/refermint/ladder/engine/pkg/sweep"
	"github.com/refermint/ladder/engine/pkg/withdrawal"
	"github.com/refermint/ladder/utils/pkg/logger"
)

// Build-time version information, set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional, real deployments use the environment directly.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LADDER_LISTEN_ADDR env var)")
	sweepIntervalFlag := flag.Duration("sweep-interval", time.Minute, "interval between challenge expiry sweeps")
	sweepBatchFlag := flag.Int("sweep-batch-limit", 500, "maximum expired profiles resolved per sweep pass")
	migrateFlag := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("LADDER_LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	pgCfg, err := config.PgConfigFromEnv()
	if err != nil {
		return err
	}

	if *migrateFlag {
		return config.MigrateUp(log, pgCfg.ConnStr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := config.LoadPostgres(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := agent.NewPGStore(agent.PGStoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	engine, err := challenge.New(challenge.Config{
		Logger: log,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	calculator, err := commission.NewCalculator(commission.CalculatorConfig{
		Logger: log,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("failed to create commission calculator: %w", err)
	}

	gatekeeper, err := withdrawal.New(withdrawal.Config{
		Logger: log,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("failed to create withdrawal gatekeeper: %w", err)
	}

	sweeper, err := sweep.New(sweep.Config{
		Logger:       log,
		Store:        store,
		Engine:       engine,
		Interval:     *sweepIntervalFlag,
		BatchLimit:   *sweepBatchFlag,
		ReportErrors: os.Getenv("SENTRY_DSN") != "",
	})
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	sweeper.Start(ctx)

	h := &handlers.Handlers{
		Logger:     log,
		Engine:     engine,
		Store:      store,
		Calculator: calculator,
		Gatekeeper: gatekeeper,
	}
	router, err := h.Router()
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		Handler: router,
		Ready: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}

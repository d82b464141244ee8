package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/api"
	"github.com/nghyane/codex-mux/internal/cli/env"
	"github.com/nghyane/codex-mux/internal/config"
	"github.com/nghyane/codex-mux/internal/ledger"
	"github.com/nghyane/codex-mux/internal/logging"
	log "github.com/nghyane/codex-mux/internal/logging"
	"github.com/nghyane/codex-mux/internal/proxy"
	"github.com/nghyane/codex-mux/internal/sticky"
	"github.com/nghyane/codex-mux/internal/telemetry"
	"github.com/nghyane/codex-mux/internal/upstream"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE: func(c *cobra.Command, args []string) error {
		logging.SetupBaseLogger()
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env file")
	}

	configPath := cfgFile
	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyEnvOverrides(cfg)
	if servePort != 0 {
		cfg.Port = servePort
	}

	logging.SetDebug(cfg.Debug)
	if cfg.LogFile != "" {
		logging.EnableFileOutput(cfg.LogFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.WithError(err).Warn("telemetry shutdown")
		}
	}()

	seeds, err := config.LoadRoster(cfg.AccountsFile)
	if err != nil {
		return fmt.Errorf("loading account roster: %w", err)
	}

	ldg := ledger.New(cfg.QuotaWindow(), ledger.Pricing{
		PromptPerM:     cfg.Quota.PromptPricePerM,
		CompletionPerM: cfg.Quota.CompletionPricePerM,
	})

	repo, err := ledger.NewRepository(ctx, cfg.Usage)
	if err != nil {
		return fmt.Errorf("initializing usage persistence: %w", err)
	}
	if repo != nil {
		recorder := ledger.NewRecorder(repo, cfg.Usage)
		recorder.Start()
		ldg.SetRecorder(recorder)
		// Stop drains pending records and closes the repository.
		defer recorder.Stop()
		log.Infof("usage persistence enabled: %s", cfg.Usage.DSN)
	}

	accounts := account.FromSeeds(seeds, ldg)
	pool := account.NewPool(accounts, ldg)
	log.Infof("account pool loaded: %d accounts", pool.Size())

	store, err := stickyStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing sticky store: %w", err)
	}
	router := sticky.NewRouter(store, pool, ldg)

	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("initializing upstream client: %w", err)
	}

	core := proxy.New(router, pool, ldg, client, cfg.Routing)

	current := atomic.Pointer[config.Config]{}
	current.Store(cfg)
	stopWatch, err := config.Watch(configPath, func(next *config.Config) {
		applyEnvOverrides(next)
		logging.SetDebug(next.Debug)
		current.Store(next)
	})
	if err != nil {
		log.WithError(err).Warn("config watcher disabled")
	} else {
		defer stopWatch()
	}

	server := api.NewServer(api.Deps{
		Config: current.Load,
		Proxy:  core,
		Ledger: ldg,
		Pool:   pool,
		Repo:   repo,
	})
	return server.Run(ctx)
}

func stickyStore(ctx context.Context, cfg *config.Config) (sticky.Store, error) {
	if cfg.Sticky.RedisURL != "" {
		store, err := sticky.NewRedisStore(ctx, cfg.Sticky.RedisURL, cfg.Sticky.TTL)
		if err != nil {
			return nil, err
		}
		log.Infof("sticky bindings backed by redis")
		return store, nil
	}
	return sticky.NewMemoryStore(cfg.Sticky.TTL), nil
}

// applyEnvOverrides applies environment variable overrides for cloud
// deployment, where editing the config file is awkward.
func applyEnvOverrides(cfg *config.Config) {
	if port, ok := env.LookupEnvInt("CODEX_MUX_PORT"); ok {
		cfg.Port = port
	}
	if debug, ok := env.LookupEnvBool("CODEX_MUX_DEBUG"); ok {
		cfg.Debug = debug
	}
	if keys, ok := env.LookupEnv("CODEX_MUX_API_KEYS"); ok {
		cfg.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if trimmed := strings.TrimSpace(k); trimmed != "" {
				cfg.APIKeys = append(cfg.APIKeys, trimmed)
			}
		}
	}
	if url, ok := env.LookupEnv("CODEX_MUX_UPSTREAM_URL"); ok {
		cfg.Upstream.BaseURL = url
	}
	if dsn, ok := env.LookupEnv("CODEX_MUX_USAGE_DSN"); ok {
		cfg.Usage.DSN = dsn
	}
	if url, ok := env.LookupEnv("CODEX_MUX_REDIS_URL"); ok {
		cfg.Sticky.RedisURL = url
	}
	if roster, ok := env.LookupEnv("CODEX_MUX_ACCOUNTS_FILE"); ok {
		cfg.AccountsFile = roster
	}
}

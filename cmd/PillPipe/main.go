package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PillPipe/internal/api"
	"github.com/BTreeMap/PillPipe/internal/flow"
	"github.com/BTreeMap/PillPipe/internal/gateway"
	"github.com/BTreeMap/PillPipe/internal/lockfile"
	"github.com/BTreeMap/PillPipe/internal/store"
	"github.com/BTreeMap/PillPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PillPipe state data
	DefaultStateDir = "/var/lib/pillpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pillpipe.db"
	// DefaultRunRetention is how long finished runs are kept. Zero keeps them forever.
	DefaultRunRetention = 30 * 24 * time.Hour
	// DefaultPruneInterval is how often expired runs are deleted
	DefaultPruneInterval = time.Hour
)

func main() {
	loadDotEnv()

	// Initialize structured logger
	initializeLogger(util.ParseBoolEnv("PILLPIPE_DEBUG", false))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PillPipe")
	slog.Debug("Final configuration", "backend_url", flags.backendURL, "dsn_set", flags.dbDSN != "",
		"api_addr", flags.apiAddr, "session_ttl", flags.sessionTTL, "run_retention", flags.runRetention)
	if err := run(ctx, flags); err != nil {
		slog.Error("PillPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PillPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	BackendURL       string
	DatabaseURL      string
	StateDir         string
	APIAddr          string
	SearchTimeout    time.Duration
	ClarifyTimeout   time.Duration
	RecommendTimeout time.Duration
	SessionTTL       time.Duration
	RunRetention     time.Duration
}

// Flags holds resolved command line values
type Flags struct {
	backendURL   string
	dbDSN        string
	apiAddr      string
	timeouts     flow.Timeouts
	sessionTTL   time.Duration
	runRetention time.Duration
	memoryStore  bool
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// initializeLogger sets up structured logging; debug enables transition-level logs
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables
func loadEnvironmentConfig() Config {
	defaults := flow.DefaultTimeouts()
	config := Config{
		BackendURL:       os.Getenv("PILLPIPE_BACKEND_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         util.GetEnvWithDefault("PILLPIPE_STATE_DIR", DefaultStateDir),
		APIAddr:          util.GetEnvWithDefault("API_ADDR", api.DefaultAddr),
		SearchTimeout:    util.ParseDurationEnv("SEARCH_TIMEOUT", defaults.Search),
		ClarifyTimeout:   util.ParseDurationEnv("CLARIFY_TIMEOUT", defaults.Clarify),
		RecommendTimeout: util.ParseDurationEnv("RECOMMEND_TIMEOUT", defaults.Recommend),
		SessionTTL:       util.ParseDurationEnv("SESSION_TTL", api.DefaultSessionTTL),
		RunRetention:     util.ParseDurationEnv("RUN_RETENTION", DefaultRunRetention),
	}

	slog.Debug("environment variables loaded",
		"PILLPIPE_BACKEND_URL", config.BackendURL,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PILLPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SEARCH_TIMEOUT", config.SearchTimeout,
		"CLARIFY_TIMEOUT", config.ClarifyTimeout,
		"RECOMMEND_TIMEOUT", config.RecommendTimeout,
		"SESSION_TTL", config.SessionTTL,
		"RUN_RETENTION", config.RunRetention)

	return config
}

// parseCommandLineFlags parses args with environment defaults.
// Without a database URL, run history goes to SQLite in the state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("pillpipe", flag.ContinueOnError)
	backendURL := fs.String("backend-url", config.BackendURL, "analysis backend base URL (overrides $PILLPIPE_BACKEND_URL)")
	stateDir := fs.String("state-dir", config.StateDir, "state directory for PillPipe data (overrides $PILLPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "run history database DSN (overrides $DATABASE_URL)")
	memoryStore := fs.Bool("memory-store", false, "keep run history in memory only")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	searchTimeout := fs.Duration("search-timeout", config.SearchTimeout, "candidate search deadline, 0 disables (overrides $SEARCH_TIMEOUT)")
	clarifyTimeout := fs.Duration("clarify-timeout", config.ClarifyTimeout, "clarification deadline, 0 disables (overrides $CLARIFY_TIMEOUT)")
	recommendTimeout := fs.Duration("recommend-timeout", config.RecommendTimeout, "recommendation deadline, 0 disables (overrides $RECOMMEND_TIMEOUT)")
	sessionTTL := fs.Duration("session-ttl", config.SessionTTL, "idle session lifetime, 0 keeps sessions (overrides $SESSION_TTL)")
	runRetention := fs.Duration("run-retention", config.RunRetention, "finished run retention, 0 keeps runs (overrides $RUN_RETENTION)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags := Flags{
		backendURL: *backendURL,
		dbDSN:      *dbDSN,
		apiAddr:    *apiAddr,
		timeouts: flow.Timeouts{
			Search:    *searchTimeout,
			Clarify:   *clarifyTimeout,
			Recommend: *recommendTimeout,
		},
		sessionTTL:   *sessionTTL,
		runRetention: *runRetention,
		memoryStore:  *memoryStore,
	}
	if flags.dbDSN == "" && !flags.memoryStore {
		flags.dbDSN = filepath.Join(*stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.dbDSN)
	}
	for name, d := range map[string]time.Duration{
		"search-timeout":    flags.timeouts.Search,
		"clarify-timeout":   flags.timeouts.Clarify,
		"recommend-timeout": flags.timeouts.Recommend,
		"session-ttl":       flags.sessionTTL,
		"run-retention":     flags.runRetention,
	} {
		if d < 0 {
			return Flags{}, fmt.Errorf("-%s must not be negative", name)
		}
	}

	slog.Debug("flags parsed",
		"backendURL", flags.backendURL,
		"dbDSN_set", flags.dbDSN != "",
		"memoryStore", flags.memoryStore,
		"apiAddr", flags.apiAddr)

	return flags, nil
}

// openStore selects the run history backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	if flags.memoryStore || flags.dbDSN == "" {
		slog.Debug("Using in-memory run history")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(flags.dbDSN))
}

// usesSQLite reports whether run history lives in a local SQLite file.
func usesSQLite(flags Flags) bool {
	return !flags.memoryStore && flags.dbDSN != "" && store.DetectDSNType(flags.dbDSN) != "postgres"
}

// buildGatewayOptions constructs analysis backend client options
func buildGatewayOptions(flags Flags) []gateway.Option {
	var opts []gateway.Option
	if flags.backendURL != "" {
		opts = append(opts, gateway.WithBaseURL(flags.backendURL))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, st store.Store, health api.HealthChecker) []api.Option {
	return []api.Option{
		api.WithAddr(flags.apiAddr),
		api.WithStore(st),
		api.WithHealthChecker(health),
		api.WithSessionTTL(flags.sessionTTL),
		api.WithTimeouts(flags.timeouts),
	}
}

// run wires the modules and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) (err error) {
	client, err := gateway.NewClient(buildGatewayOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	if usesSQLite(flags) {
		lock, err := lockfile.Acquire(filepath.Dir(flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(flags)
	if err != nil {
		return fmt.Errorf("failed to open run history store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
			err = errors.Join(err, closeErr)
		}
	}()

	if flags.runRetention > 0 {
		pruneCtx, stopPruner := context.WithCancel(ctx)
		pruneDone := make(chan struct{})
		go func() {
			defer close(pruneDone)
			store.NewPruner(st, flags.runRetention, DefaultPruneInterval).Run(pruneCtx)
		}()
		defer func() {
			stopPruner()
			<-pruneDone
		}()
	}

	server, err := api.NewServer(client, buildAPIOptions(flags, st, client)...)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	return server.Run(ctx)
}

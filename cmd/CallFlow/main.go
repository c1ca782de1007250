// Package main is the entry point for the CallFlow voice session service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CallFlow/internal/api"
	"github.com/BTreeMap/CallFlow/internal/flow"
	"github.com/BTreeMap/CallFlow/internal/genai"
	"github.com/BTreeMap/CallFlow/internal/lockfile"
	"github.com/BTreeMap/CallFlow/internal/lookup"
	"github.com/BTreeMap/CallFlow/internal/session"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/BTreeMap/CallFlow/internal/util"
)

// Default values for configuration
const (
	DefaultStateDir   = "/var/lib/callflow"
	DefaultDBFileName = "callflow.db"
)

// Config holds all application configuration loaded from environment variables
type Config struct {
	DatabaseDSN string
	StateDir    string
	OpenAIKey   string
	OpenAIModel string
	APIAddr     string
	RoomBaseURL string
}

// Flags holds all command-line flag values
type Flags struct {
	DatabaseDSN *string
	StateDir    *string
	APIAddr     *string
	RoomBaseURL *string
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("main: failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(config, flags); err != nil {
		slog.Error("main: service exited with error", "error", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging to stderr. CALLFLOW_DEBUG=true
// lowers the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CALLFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("main.initializeLogger: structured logger initialized")
}

// loadEnvironmentConfig loads configuration from .env file and environment variables
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("main.loadEnvironmentConfig: no .env file found or failed to load", "error", err)
	} else {
		slog.Debug("main.loadEnvironmentConfig: .env file loaded successfully")
	}

	config := Config{
		DatabaseDSN: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CALLFLOW_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("CALLFLOW_API_ADDR"),
		RoomBaseURL: os.Getenv("CALLFLOW_ROOM_BASE_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("main.loadEnvironmentConfig: using default SQLite path", "path", config.DatabaseDSN)
	}

	slog.Debug("main.loadEnvironmentConfig: environment configuration loaded",
		"stateDir", config.StateDir, "apiAddr", config.APIAddr)
	return config
}

// parseCommandLineFlags defines and parses command-line flags with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		DatabaseDSN: flag.String("db-dsn", config.DatabaseDSN, "Database DSN (PostgreSQL URL or SQLite file path)"),
		StateDir:    flag.String("state-dir", config.StateDir, "Directory for service state"),
		APIAddr:     flag.String("addr", config.APIAddr, "API server address"),
		RoomBaseURL: flag.String("room-base-url", config.RoomBaseURL, "Base URL for session room links"),
	}
	flag.Parse()

	slog.Debug("main.parseCommandLineFlags: flags parsed", "dbDSN", *flags.DatabaseDSN, "addr", *flags.APIAddr)
	return flags
}

// ensureDirectoriesExist creates the state directory when a SQLite DSN is in use
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.DatabaseDSN) == "postgres" {
		slog.Debug("main.ensureDirectoriesExist: PostgreSQL DSN detected, skipping directory creation")
		return nil
	}

	dir := filepath.Dir(*flags.DatabaseDSN)
	if err := os.MkdirAll(dir, store.DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	slog.Debug("main.ensureDirectoriesExist: state directory ready", "dir", dir)
	return nil
}

// buildStoreOptions creates store options based on the DSN type
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.DatabaseDSN
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("main.buildStore: using PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	default:
		slog.Debug("main.buildStore: using SQLite store", "path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	}
}

// buildGenAIOptions assembles language model client options from configuration
func buildGenAIOptions(config Config) []genai.Option {
	var opts []genai.Option
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(config.OpenAIModel))
	}
	return opts
}

// buildAPIOptions assembles API server options from parsed flags
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.APIAddr != "" {
		opts = append(opts, api.WithAddr(*flags.APIAddr))
	}
	return opts
}

// buildManagerOptions assembles session manager options from parsed flags
func buildManagerOptions(flags Flags) []session.ManagerOption {
	var opts []session.ManagerOption
	if *flags.RoomBaseURL != "" {
		opts = append(opts, session.WithRoomBaseURL(*flags.RoomBaseURL))
	}
	return opts
}

// run wires the storage, model client, session manager, and API server
// together and blocks until the process receives a termination signal.
func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A shared SQLite state directory must not be served by two processes.
	if store.DetectDSNType(*flags.DatabaseDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(*flags.StateDir)
		if err != nil {
			return fmt.Errorf("failed to lock state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := buildStore(flags)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to initialize language model client: %w", err)
	}

	manager := session.NewManager(st, client, buildManagerOptions(flags)...)

	if err := manager.RegisterBuilder("order", func() (*flow.Definition, error) {
		def, _, err := flow.NewOrderDefinition()
		return def, err
	}); err != nil {
		return fmt.Errorf("failed to register order flow: %w", err)
	}

	weather := lookup.NewWeatherClient()
	if err := manager.RegisterBuilder("intake", func() (*flow.Definition, error) {
		def, _, err := flow.NewIntakeDefinition(weather)
		return def, err
	}); err != nil {
		return fmt.Errorf("failed to register intake flow: %w", err)
	}

	server, err := api.NewServer(manager, buildAPIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	slog.Info("main.run: CallFlow service starting", "addr", *flags.APIAddr)
	return server.Run(ctx)
}

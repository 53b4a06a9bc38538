package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/rekeyd/internal/api"
	"github.com/org/rekeyd/internal/keyring"
	"github.com/org/rekeyd/internal/notify"
	"github.com/org/rekeyd/internal/rotation"
	"github.com/org/rekeyd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr        string                    `yaml:"listen_addr"`
	TLSCertFile       string                    `yaml:"tls_cert"`
	TLSKeyFile        string                    `yaml:"tls_key"`
	DBUrl             string                    `yaml:"db_url"`
	MigrationsDir     string                    `yaml:"migrations_dir"`
	LogLevel          string                    `yaml:"log_level"`
	MasterKey         string                    `yaml:"master_key"` // base64; prefer REKEYD_MASTER_KEY
	BatchSize         int                       `yaml:"batch_size"`
	SchedulerInterval string                    `yaml:"scheduler_interval"` // e.g. "1h"
	EncryptedColumns  []storage.EncryptedColumn `yaml:"encrypted_columns"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("REKEYD_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:        ":8300",
		MigrationsDir:     "migrations",
		LogLevel:          "info",
		BatchSize:         rotation.DefaultBatchSize,
		SchedulerInterval: "1h",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("REKEYD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("REKEYD_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.MasterKey == "" {
		log.Fatal().Msg("master_key must be configured (or REKEYD_MASTER_KEY env var)")
	}
	masterKey, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("master_key must be base64")
	}
	if len(cfg.EncryptedColumns) == 0 {
		log.Warn().Msg("no encrypted_columns configured; rotations will register keys but migrate nothing")
	}
	schedInterval, err := time.ParseDuration(cfg.SchedulerInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler_interval must be a duration like \"1h\"")
	}

	ctx := context.Background()

	// Connect to database
	store, err := storage.NewPostgresStore(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	// Run migrations
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	// Wire the engine
	keys, err := keyring.New(store, masterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}
	defer keys.Zero()

	notifier := notify.NewLogNotifier()
	manager := rotation.NewManager(store, keys, notifier, cfg.EncryptedColumns, cfg.BatchSize)

	// An interrupted rotation leaves encrypted data split across key
	// versions. Refusing to start is safer than serving in that state.
	if err := manager.ResumeIncompleteRotations(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to resume interrupted rotation")
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	scheduler := rotation.NewScheduler(store, manager, notifier, schedInterval)
	go scheduler.Run(schedCtx)

	// Create server
	srv := api.NewServer(store, keys, manager, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	stopScheduler()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	// An in-flight drain is not awaited: rotations survive a hard stop
	// and resume on the next boot.
	log.Info().Msg("server stopped")
}

// Panel Core - broker session host for the ESP32 sensor/LED panel.
//
// This is the main entry point. It loads configuration, opens the settings
// database, builds the broker session and serves the HTTP/WebSocket surface
// a user interface drives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/esp32panel/panel-core/internal/api"
	"github.com/esp32panel/panel-core/internal/infrastructure/config"
	"github.com/esp32panel/panel-core/internal/infrastructure/database"
	"github.com/esp32panel/panel-core/internal/infrastructure/logging"
	"github.com/esp32panel/panel-core/internal/infrastructure/metrics"
	"github.com/esp32panel/panel-core/internal/session"
	"github.com/esp32panel/panel-core/internal/settings"
	"github.com/esp32panel/panel-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// Default .env file, loaded before the configuration
	defaultEnvPath = ".env"

	// startupHealthTimeout bounds the health check run after startup.
	startupHealthTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting panel core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadDotEnv(getEnvPath()); err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	m := metrics.New()
	prefs := settings.NewSQLiteRepository(db.DB)

	sess, err := session.New(session.Deps{
		MQTT:        cfg.MQTT,
		HistorySize: cfg.Telemetry.HistorySize,
		QueueSize:   cfg.Telemetry.QueueSize,
		Logger:      log.Component("session"),
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		log.Info("shutting down session")
		sess.Shutdown()
	}()

	// A broker that is down at startup is not fatal; the UI can retry
	// through POST /api/v1/connect.
	if err := sess.ConnectAndSubscribe(ctx); err != nil {
		log.Warn("initial broker connection failed",
			"broker", cfg.MQTT.BrokerAddress(),
			"error", err,
		)
	} else {
		log.Info("MQTT connected",
			"broker", cfg.MQTT.BrokerAddress(),
			"client_id", sess.ClientID(),
		)
	}

	if cfg.API.Enabled {
		srv, srvErr := startAPI(ctx, cfg, log, sess, prefs, db, m)
		if srvErr != nil {
			return srvErr
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	healthCtx, healthCancel := context.WithTimeout(ctx, startupHealthTimeout)
	if err := healthCheck(healthCtx, db, sess); err != nil {
		log.Warn("startup health check", "error", err)
	}
	healthCancel()

	log.Info("panel core started successfully")

	<-ctx.Done()
	log.Info("shutdown signal received")

	return nil
}

func startAPI(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	sess *session.Session,
	prefs settings.Repository,
	db *database.DB,
	m *metrics.Metrics,
) (*api.Server, error) {
	srv, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Session:  sess,
		Settings: prefs,
		DB:       db.DB,
		Metrics:  m,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	return srv, nil
}

// getConfigPath returns the configuration file path.
// Uses PANEL_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PANEL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// getEnvPath returns the .env file path.
// Uses PANEL_ENV_FILE environment variable if set, otherwise default.
func getEnvPath() string {
	if path := os.Getenv("PANEL_ENV_FILE"); path != "" {
		return path
	}
	return defaultEnvPath
}

// healthCheck verifies the database and broker session.
// It returns the first failure, or nil if all healthy.
func healthCheck(ctx context.Context, db *database.DB, sess *session.Session) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := sess.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/api"
	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/dispatch"
	"github.com/Sigma-Snaken/bio-patrol/internal/engine"
	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/metrics"
	"github.com/Sigma-Snaken/bio-patrol/internal/notify"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/scheduler"
	"github.com/Sigma-Snaken/bio-patrol/internal/sim"
	"github.com/Sigma-Snaken/bio-patrol/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
	configDir string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bio-patrol-server",
		Short: "Bio Patrol server, the ward patrol-robot task runtime",
		Long: `Bio Patrol server drives autonomous patrol robots through hospital wards.
It exposes a REST API and a WebSocket event stream for the ward frontend,
executes patrol task plans against the robot fleet, persists bio scan
history, and fires scheduled patrols and staff notifications.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BIOPATROL_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BIOPATROL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BIOPATROL_DB_DSN", "./biopatrol.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("BIOPATROL_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BIOPATROL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.configDir, "config-dir", envOrDefault("BIOPATROL_CONFIG_DIR", "./config"), "Directory holding robots.json, schedules.json, patrol.json, and beds.json")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bio-patrol-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits. Opening the database
// runs them, so this is a plain open-and-close.
func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{
				Driver: cfg.dbDriver,
				DSN:    cfg.dbDSN,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			if sqlDB, err := database.DB(); err == nil {
				sqlDB.Close() //nolint:errcheck
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required: set --secret-key or BIOPATROL_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return fmt.Errorf("failed to init encryption: %w", err)
	}

	logger.Info("starting bio patrol server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("config_dir", cfg.configDir),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	settings := repositories.NewSettingsRepository(database)
	metricsReg := metrics.New()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	// Every scan row, whichever component appends it, bumps the counter and
	// reaches websocket subscribers.
	scans := repositories.WithAppendHook(repositories.NewScanRepository(database), func(rec *db.ScanRecord) {
		metricsReg.ScanRecorded(rec.IsValid)
		payload := map[string]any{
			"task_id":     rec.TaskID,
			"location_id": rec.LocationID,
			"status":      rec.Status,
			"is_valid":    rec.IsValid,
		}
		topic := websocket.TaskTopic(rec.TaskID)
		hub.Publish(topic, websocket.Message{
			Type: websocket.MsgScanRecorded, Topic: topic, Payload: payload,
		})
		hub.Publish(websocket.TopicTasks, websocket.Message{
			Type: websocket.MsgScanRecorded, Topic: websocket.TopicTasks, Payload: payload,
		})
	})

	notifier := notify.NewService(notify.Config{SettingsRepo: settings, Logger: logger})

	dispatcher := dispatch.New(dispatch.Config{Logger: logger})

	robots, err := loadRobots(cfg.configDir)
	if err != nil {
		return err
	}

	gateways := make(map[string]*fleet.Gateway, len(robots))
	for _, rc := range robots {
		conn := sim.New(sim.Config{
			RobotID:   rc.RobotID,
			Shelves:   rc.Shelves,
			Locations: rc.Locations,
		})
		gw := fleet.New(fleet.Config{
			RobotID:  rc.RobotID,
			Conn:     conn,
			Logger:   logger,
			Observer: metricsReg,
		})
		resolver := fleet.NewResolver()
		if err := resolver.Refresh(ctx, gw); err != nil {
			logger.Warn("initial map refresh failed", zap.String("robot_id", rc.RobotID), zap.Error(err))
		}
		eng := engine.New(engine.Config{
			Gateway:  gw,
			Resolver: resolver,
			Sensor:   sim.NewSensorFeed(sim.FeedConfig{Scans: scans, Logger: logger}),
			Scans:    scans,
			Notifier: notifier,
			Hub:      hub,
			Observer: metricsReg,
			Logger:   logger,
		})
		if err := dispatcher.RegisterRobot(rc.RobotID, eng, gw); err != nil {
			return fmt.Errorf("failed to register robot %s: %w", rc.RobotID, err)
		}
		gateways[rc.RobotID] = gw
		logger.Info("robot registered",
			zap.String("robot_id", rc.RobotID),
			zap.Int("shelves", len(rc.Shelves)),
			zap.Int("locations", len(rc.Locations)),
		)
	}

	// Workers outlive the signal context so in-flight tasks can settle after
	// the HTTP server has drained.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcher.Start(dispatchCtx)

	sched, err := scheduler.New(scheduler.Config{
		ConfigDir: cfg.configDir,
		Submitter: dispatcher,
		Settings:  settings,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Hub:        hub,
		Metrics:    metricsReg,
		Logger:     logger,
		Gateways:   gateways,
		Scans:      scans,
		Settings:   settings,
	})

	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down bio patrol server")

	// Shutdown order: stop accepting HTTP, stop firing schedules, let workers
	// settle their current task, then close the database.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not finish cleanly", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	stopDispatch()
	dispatcher.Wait()
	<-hub.Done()

	if sqlDB, err := database.DB(); err == nil {
		sqlDB.Close() //nolint:errcheck
	}

	logger.Info("shutdown complete")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

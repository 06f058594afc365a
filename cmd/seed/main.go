// Package main implements a one-shot seed command that writes Telegram
// notification settings and optional demo scan history directly into the
// Bio Patrol database. It lives inside the module so it can access
// internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --telegram-token 123456:ABC-DEF \
//	  --telegram-chat -1001234567890 \
//	  --demo-scans 50
//
// Environment variables:
//
//	BIOPATROL_DB_DRIVER   Database driver, sqlite or postgres (default: sqlite)
//	BIOPATROL_DB_DSN      SQLite file path or Postgres DSN (default: ./biopatrol.db)
//	BIOPATROL_SECRET_KEY  Master encryption key, must match the value used by the
//	                      server or the stored bot token will be unreadable
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/notify"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/sensor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	telegramToken := flag.String("telegram-token", "", "Telegram bot token to store (encrypted at rest)")
	telegramChat := flag.String("telegram-chat", "", "Telegram chat id notifications go to")
	telegramEnabled := flag.Bool("telegram-enabled", true, "Enable Telegram notifications when seeding them")
	demoScans := flag.Int("demo-scans", 0, "Number of fake scan history rows to generate")
	flag.Parse()

	seedTelegram := *telegramToken != "" || *telegramChat != ""
	if seedTelegram {
		if *telegramToken == "" {
			return fmt.Errorf("--telegram-token is required when seeding Telegram settings")
		}
		if *telegramChat == "" {
			return fmt.Errorf("--telegram-chat is required when seeding Telegram settings")
		}
	}
	if !seedTelegram && *demoScans <= 0 {
		return fmt.Errorf("nothing to seed: pass --telegram-token/--telegram-chat or --demo-scans")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	driver := envOrDefault("BIOPATROL_DB_DRIVER", "sqlite")
	dsn := envOrDefault("BIOPATROL_DB_DSN", "./biopatrol.db")

	secretKey := os.Getenv("BIOPATROL_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"BIOPATROL_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted bot token will be unreadable at send time.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()

	// ─── Telegram settings ────────────────────────────────────────────────────

	if seedTelegram {
		settings := repositories.NewSettingsRepository(database)

		if err := settings.Set(ctx, notify.KeyTelegramBotToken, db.EncryptedString(*telegramToken)); err != nil {
			return fmt.Errorf("store bot token: %w", err)
		}
		if err := settings.Set(ctx, notify.KeyTelegramChatID, db.EncryptedString(*telegramChat)); err != nil {
			return fmt.Errorf("store chat id: %w", err)
		}
		enabled := "false"
		if *telegramEnabled {
			enabled = "true"
		}
		if err := settings.Set(ctx, notify.KeyTelegramEnabled, db.EncryptedString(enabled)); err != nil {
			return fmt.Errorf("store enabled flag: %w", err)
		}

		fmt.Printf("✓ Telegram settings stored\n")
		fmt.Printf("  Chat:    %s\n", *telegramChat)
		fmt.Printf("  Enabled: %s\n", enabled)
	}

	// ─── Demo scan history ────────────────────────────────────────────────────

	if *demoScans > 0 {
		if err := seedDemoScans(ctx, database, *demoScans); err != nil {
			return err
		}
		fmt.Printf("✓ Seeded %d demo scan rows\n", *demoScans)
	}

	return nil
}

// seedDemoScans writes n fake scan rows spread over the last week, shaped
// exactly like the rows the sensor feed writes during a patrol: mostly valid
// readings, some invalid attempts, the occasional silent bed.
func seedDemoScans(ctx context.Context, database *gorm.DB, n int) error {
	scans := repositories.NewScanRepository(database)

	beds := []struct{ id, name string }{
		{"B_101-1", "101-1"},
		{"B_101-2", "101-2"},
		{"B_102-1", "102-1"},
		{"B_102-2", "102-2"},
	}

	now := time.Now()
	for i := 0; i < n; i++ {
		bed := beds[rand.IntN(len(beds))]
		scannedAt := now.Add(-time.Duration(rand.IntN(7*24)) * time.Hour)

		rec := &db.ScanRecord{
			TaskID:     "demo_patrol_" + scannedAt.Format("2006-01-02"),
			LocationID: bed.id,
			BedName:    bed.name,
			ScannedAt:  scannedAt,
		}

		switch roll := rand.IntN(10); {
		case roll < 7:
			reading := sensor.ScanData{
				BedID:  bed.id,
				Status: sensor.ValidStatus,
				BPM:    60 + rand.IntN(31),
				RPM:    12 + rand.IntN(9),
			}
			raw, err := json.Marshal(&reading)
			if err != nil {
				raw = []byte("{}")
			}
			rec.Status = db.ScanStatusValid
			rec.BPM = reading.BPM
			rec.RPM = reading.RPM
			rec.DataJSON = string(raw)
			rec.IsValid = true
			rec.Details = "measurement normal"
		case roll < 9:
			// The sensor answered but never reached a stable measurement.
			reading := sensor.ScanData{BedID: bed.id, Status: 2}
			raw, err := json.Marshal(&reading)
			if err != nil {
				raw = []byte("{}")
			}
			rec.Status = db.ScanStatusInvalid
			rec.RetryCount = 1 + rand.IntN(3)
			rec.DataJSON = string(raw)
			rec.Details = "no valid measurement values"
		default:
			rec.Status = db.ScanStatusUnavailable
			rec.RetryCount = sensor.DefaultRetryCount
			rec.Details = "no sensor data received"
		}

		if err := scans.Append(ctx, rec); err != nil {
			return fmt.Errorf("append demo scan: %w", err)
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

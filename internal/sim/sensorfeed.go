package sim

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/sensor"
)

// ReadFunc produces the sensor reading observed on one poll attempt.
// Returning nil means the sensor stayed silent for that attempt.
type ReadFunc func(targetBed string, attempt int) *sensor.ScanData

// FeedConfig configures a SensorFeed. Zero wait fields take the sensor
// package defaults; a nil Read yields a plausible valid reading on the
// first attempt, which keeps demo patrols moving.
type FeedConfig struct {
	Scans  repositories.ScanRepository
	Logger *zap.Logger

	InitialWait time.Duration
	WaitTime    time.Duration
	RetryCount  int

	Read ReadFunc
}

// SensorFeed implements sensor.Reader over scripted or generated readings.
// It owns the scan-history side effect: one row is appended per attempt that
// produced a reading, plus a trailing no-data row when the sensor stayed
// silent for the whole budget, mirroring the field sensor bridge.
type SensorFeed struct {
	scans       repositories.ScanRepository
	logger      *zap.Logger
	initialWait time.Duration
	waitTime    time.Duration
	retryCount  int
	read        ReadFunc
}

// NewSensorFeed creates a SensorFeed from cfg.
func NewSensorFeed(cfg FeedConfig) *SensorFeed {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.InitialWait == 0 {
		cfg.InitialWait = sensor.DefaultInitialWait
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = sensor.DefaultWaitTime
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = sensor.DefaultRetryCount
	}
	if cfg.Read == nil {
		cfg.Read = healthyReading
	}
	return &SensorFeed{
		scans:       cfg.Scans,
		logger:      cfg.Logger.Named("sim.sensor"),
		initialWait: cfg.InitialWait,
		waitTime:    cfg.WaitTime,
		retryCount:  cfg.RetryCount,
		read:        cfg.Read,
	}
}

// GetValidScanData blocks through the wait budget polling the feed. The
// first valid reading is returned immediately; (nil, nil) means the budget
// ran out, which the engine treats as a failed-but-continue step.
func (f *SensorFeed) GetValidScanData(ctx context.Context, targetBed, taskID, bedName string) (*sensor.ScanData, error) {
	if err := sleepCtx(ctx, f.initialWait); err != nil {
		return nil, err
	}

	hasAnyData := false
	for attempt := 0; attempt < f.retryCount; attempt++ {
		reading := f.read(targetBed, attempt)
		if reading != nil {
			hasAnyData = true
			if reading.BedID == "" {
				reading.BedID = targetBed
			}
			valid := reading.Valid()
			f.record(ctx, taskID, targetBed, bedName, reading, attempt, valid)
			if valid {
				return reading, nil
			}
		}

		// The last attempt does not pay for an extra interval.
		if attempt+1 < f.retryCount {
			if err := sleepCtx(ctx, f.waitTime); err != nil {
				return nil, err
			}
		}
	}

	// Nothing arrived at all: leave one row documenting the silence so the
	// report shows N/A instead of a gap.
	if !hasAnyData {
		f.append(ctx, &db.ScanRecord{
			TaskID:     taskID,
			LocationID: targetBed,
			BedName:    bedName,
			ScannedAt:  time.Now(),
			RetryCount: f.retryCount,
			Status:     db.ScanStatusUnavailable,
			Details:    "no sensor data received",
		})
	}

	return nil, nil
}

// record appends one scan-history row for a reading.
func (f *SensorFeed) record(ctx context.Context, taskID, targetBed, bedName string, reading *sensor.ScanData, attempt int, valid bool) {
	status := db.ScanStatusInvalid
	details := "no valid measurement values"
	if valid {
		status = db.ScanStatusValid
		details = "measurement normal"
	}

	raw, err := json.Marshal(reading)
	if err != nil {
		raw = []byte("{}")
	}

	f.append(ctx, &db.ScanRecord{
		TaskID:     taskID,
		LocationID: targetBed,
		BedName:    bedName,
		ScannedAt:  time.Now(),
		RetryCount: attempt,
		Status:     status,
		BPM:        reading.BPM,
		RPM:        reading.RPM,
		DataJSON:   string(raw),
		IsValid:    valid,
		Details:    details,
	})
}

// append writes one row, logging instead of failing: a lost history row must
// never abort a running patrol.
func (f *SensorFeed) append(ctx context.Context, rec *db.ScanRecord) {
	if f.scans == nil {
		return
	}
	if err := f.scans.Append(ctx, rec); err != nil {
		f.logger.Warn("failed to append scan record",
			zap.String("task_id", rec.TaskID),
			zap.String("location_id", rec.LocationID),
			zap.Error(err))
	}
}

// healthyReading is the default ReadFunc: a valid reading with plausible
// resting vitals on the first attempt.
func healthyReading(targetBed string, attempt int) *sensor.ScanData {
	return &sensor.ScanData{
		BedID:  targetBed,
		Status: sensor.ValidStatus,
		BPM:    60 + rand.IntN(31), // 60–90
		RPM:    12 + rand.IntN(9),  // 12–20
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

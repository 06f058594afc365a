// Package scheduler fires recurring patrols from wall-clock schedules. It
// wraps gocron and is driven entirely by the JSON config files the ward
// staff edit through the UI: schedules.json decides when patrols fire,
// patrol.json and beds.json decide which beds a fired patrol visits.
//
// Each schedule entry maps to one gocron job tagged "patrol" and
// "patrol_<id>". Jobs run in singleton mode: if the previous tick's patrol
// is somehow still being submitted when the next tick fires, the new run is
// rescheduled rather than overlapped. Reload removes every patrol job and
// re-creates jobs for the enabled entries, so config edits apply without a
// restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

// tagPatrol marks every job owned by this scheduler, so a reload can sweep
// them without touching jobs other components might add.
const tagPatrol = "patrol"

// defaultShelfID is the sensor shelf used when settings carry no override.
const defaultShelfID = "S_04"

// ErrNoEnabledBeds means patrol.json has no bed enabled, so there is no
// patrol to run.
var ErrNoEnabledBeds = errors.New("scheduler: no enabled beds in patrol config")

// Submitter queues a built patrol task for execution. Implemented by
// dispatch.Dispatcher.
type Submitter interface {
	Submit(t *task.Task) error
}

// Config configures a Scheduler.
type Config struct {
	// ConfigDir holds schedules.json, patrol.json, and beds.json.
	ConfigDir string

	Submitter Submitter
	Settings  repositories.SettingsRepository
	Logger    *zap.Logger

	// RobotID pins scheduled patrols to one robot. Empty submits them to
	// the first free robot.
	RobotID string
}

// Scheduler wraps gocron and owns the schedule-to-task translation.
// The zero value is not usable, create instances with New.
type Scheduler struct {
	cron      gocron.Scheduler
	files     *configFiles
	submitter Submitter
	settings  repositories.SettingsRepository
	robotID   string
	logger    *zap.Logger

	// mu serializes reloads; gocron itself is safe for concurrent use.
	mu sync.Mutex
}

// New creates a Scheduler. Call Start to load schedules and begin ticking.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:      s,
		files:     newConfigFiles(cfg.ConfigDir),
		submitter: cfg.Submitter,
		settings:  cfg.Settings,
		robotID:   cfg.RobotID,
		logger:    cfg.Logger.Named("scheduler"),
	}, nil
}

// Start loads schedules.json and starts the underlying gocron scheduler.
// A missing or empty schedule file is not an error; patrols can still be
// started manually.
func (s *Scheduler) Start(ctx context.Context) error {
	active, err := s.Reload(ctx)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("active_schedules", active))
	return nil
}

// Stop shuts down gocron, waiting for a running tick to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Reload re-reads schedules.json and syncs the gocron jobs: every patrol job
// is removed, then one job is added per enabled, well-formed entry. Returns
// the number of active schedules.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.files.loadSchedules()
	if err != nil {
		return 0, err
	}

	s.cron.RemoveByTags(tagPatrol)

	active := 0
	for _, e := range entries {
		if !e.Enabled || e.ID == "" || e.Time == "" {
			continue
		}
		expr, err := cronSpec(e.Time, e.Type)
		if err != nil {
			s.logger.Warn("skipping malformed schedule",
				zap.String("schedule_id", e.ID),
				zap.String("time", e.Time),
				zap.Error(err))
			continue
		}
		if err := s.addJob(e.ID, expr); err != nil {
			s.logger.Error("failed to schedule patrol",
				zap.String("schedule_id", e.ID),
				zap.String("cron", expr),
				zap.Error(err))
			continue
		}
		active++
		s.logger.Info("patrol scheduled",
			zap.String("schedule_id", e.ID),
			zap.String("time", e.Time),
			zap.String("type", e.Type))
	}

	s.logger.Info("schedule reload complete",
		zap.Int("active", active), zap.Int("total", len(entries)))
	return active, nil
}

// Entry describes one configured schedule together with its next firing
// time, for the schedules API.
type Entry struct {
	ID      string     `json:"id"`
	Enabled bool       `json:"enabled"`
	Time    string     `json:"time"`
	Type    string     `json:"type"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// Entries returns the configured schedules annotated with the next run time
// of each active job.
func (s *Scheduler) Entries() ([]Entry, error) {
	raw, err := s.files.loadSchedules()
	if err != nil {
		return nil, err
	}

	nextRuns := map[string]time.Time{}
	for _, job := range s.cron.Jobs() {
		for _, tag := range job.Tags() {
			if tag == tagPatrol {
				continue
			}
			if next, err := job.NextRun(); err == nil {
				nextRuns[tag] = next
			}
		}
	}

	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entry := Entry{ID: e.ID, Enabled: e.Enabled, Time: e.Time, Type: e.Type}
		if next, ok := nextRuns[jobTag(e.ID)]; ok {
			entry.NextRun = &next
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Scheduler) addJob(scheduleID, expr string) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(s.runPatrol, scheduleID),
		gocron.WithTags(tagPatrol, jobTag(scheduleID)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: gocron.NewJob for %s (cron %q): %w", scheduleID, expr, err)
	}
	return nil
}

func jobTag(scheduleID string) string { return "patrol_" + scheduleID }

// runPatrol is the gocron tick: build the patrol task from the current
// config and hand it to the dispatcher.
func (s *Scheduler) runPatrol(scheduleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := s.logger.With(zap.String("schedule_id", scheduleID))
	t, beds, err := s.BuildPatrolTask(ctx)
	if errors.Is(err, ErrNoEnabledBeds) {
		log.Warn("scheduled patrol skipped: no enabled beds")
		return
	}
	if err != nil {
		log.Error("scheduled patrol could not be built", zap.Error(err))
		return
	}
	if err := s.submitter.Submit(t); err != nil {
		log.Error("scheduled patrol submission failed",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	log.Info("scheduled patrol submitted",
		zap.String("task_id", t.ID), zap.Int("beds", beds))
}

// BuildPatrolTask assembles the patrol plan from patrol.json, beds.json, and
// the configured shelf: for every enabled bed a move_shelf step gating a
// bio_scan, then return_shelf and return_home. Returns the task and the
// number of beds it visits.
func (s *Scheduler) BuildPatrolTask(ctx context.Context) (*task.Task, int, error) {
	patrol, err := s.files.loadPatrol()
	if err != nil {
		return nil, 0, err
	}
	beds, err := s.files.loadBeds()
	if err != nil {
		return nil, 0, err
	}
	shelfID := s.shelfID(ctx)

	var enabled []bedOrderEntry
	for _, b := range patrol.BedsOrder {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	if len(enabled) == 0 {
		return nil, 0, ErrNoEnabledBeds
	}

	steps := make([]*task.Step, 0, 2*len(enabled)+2)
	for i, bed := range enabled {
		locationID := beds.Beds[bed.BedKey].LocationID
		if locationID == "" {
			// Unmapped beds fall back to the key itself; the robot rejects
			// a genuinely unknown location with a domain code.
			locationID = bed.BedKey
		}
		moveID := fmt.Sprintf("move_%d", i)
		scanID := fmt.Sprintf("scan_%d", i)
		steps = append(steps,
			&task.Step{
				ID:            moveID,
				Action:        task.ActionMoveShelf,
				Params:        task.Params{"shelf_id": shelfID, "location_id": locationID},
				SkipOnFailure: []string{scanID},
			},
			&task.Step{
				ID:     scanID,
				Action: task.ActionBioScan,
				Params: task.Params{"bed_key": bed.BedKey},
			},
		)
	}
	steps = append(steps,
		&task.Step{
			ID:     "return",
			Action: task.ActionReturnShelf,
			Params: task.Params{"shelf_id": shelfID},
		},
		&task.Step{
			ID:     "home",
			Action: task.ActionReturnHome,
		},
	)

	return task.New(s.robotID, steps), len(enabled), nil
}

// shelfID reads the patrol shelf from settings, defaulting when unset.
func (s *Scheduler) shelfID(ctx context.Context) string {
	if s.settings == nil {
		return defaultShelfID
	}
	setting, err := s.settings.Get(ctx, "patrol.shelf_id")
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn("shelf id lookup failed, using default", zap.Error(err))
		}
		return defaultShelfID
	}
	if setting.Value == "" {
		return defaultShelfID
	}
	return string(setting.Value)
}

// cronSpec converts a wall-clock "HH:MM" and a schedule type into a cron
// expression. Unknown types run daily, matching how operators expect an
// unrecognized value to degrade.
func cronSpec(timeStr, scheduleType string) (string, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
		return "", fmt.Errorf("scheduler: time %q is not HH:MM: %w", timeStr, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", fmt.Errorf("scheduler: time %q out of range", timeStr)
	}

	expr := fmt.Sprintf("%d %d * * *", minute, hour)
	if scheduleType == "weekday" {
		expr = fmt.Sprintf("%d %d * * 1-5", minute, hour)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("scheduler: cron %q: %w", expr, err)
	}
	return expr, nil
}

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

// fakeSettings serves Get from a plain map and treats everything else as
// unsupported. The scheduler only ever reads.
type fakeSettings struct {
	values map[string]string
}

func (f *fakeSettings) Get(_ context.Context, key string) (*db.Setting, error) {
	v, ok := f.values[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &db.Setting{Key: key, Value: db.EncryptedString(v)}, nil
}

func (f *fakeSettings) Set(context.Context, string, db.EncryptedString) error {
	panic("scheduler must not write settings")
}

func (f *fakeSettings) GetMany(context.Context, string) ([]db.Setting, error) {
	panic("not used")
}

func (f *fakeSettings) Delete(context.Context, string) error {
	panic("scheduler must not write settings")
}

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []*task.Task
	err   error
}

func (f *fakeSubmitter) Submit(t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeSubmitter) submitted() []*task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*task.Task(nil), f.tasks...)
}

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestScheduler(t *testing.T, dir string, settings repositories.SettingsRepository) (*Scheduler, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	s, err := New(Config{
		ConfigDir: dir,
		Submitter: sub,
		Settings:  settings,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return s, sub
}

func TestBuildPatrolTaskVisitsEnabledBedsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{
		"beds_order": [
			{"bed_key": "101-1", "enabled": true},
			{"bed_key": "101-2", "enabled": false},
			{"bed_key": "102-1", "enabled": true}
		]
	}`)
	writeConfig(t, dir, bedsFile, `{
		"beds": {
			"101-1": {"location_id": "B_101-1"},
			"101-2": {"location_id": "B_101-2"},
			"102-1": {"location_id": "B_102-1"}
		}
	}`)

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{
		"patrol.shelf_id": "S_07",
	}})

	tk, beds, err := s.BuildPatrolTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, beds)

	// Two steps per enabled bed, then return_shelf and return_home.
	require.Len(t, tk.Steps, 6)

	move0 := tk.Steps[0]
	assert.Equal(t, "move_0", move0.ID)
	assert.Equal(t, task.ActionMoveShelf, move0.Action)
	assert.Equal(t, "S_07", move0.Params["shelf_id"])
	assert.Equal(t, "B_101-1", move0.Params["location_id"])
	assert.Equal(t, []string{"scan_0"}, move0.SkipOnFailure)

	scan0 := tk.Steps[1]
	assert.Equal(t, "scan_0", scan0.ID)
	assert.Equal(t, task.ActionBioScan, scan0.Action)
	assert.Equal(t, "101-1", scan0.Params["bed_key"])

	// The disabled bed 101-2 is absent; the second pair targets 102-1.
	assert.Equal(t, "B_102-1", tk.Steps[2].Params["location_id"])
	assert.Equal(t, "102-1", tk.Steps[3].Params["bed_key"])

	ret := tk.Steps[4]
	assert.Equal(t, task.ActionReturnShelf, ret.Action)
	assert.Equal(t, "S_07", ret.Params["shelf_id"])
	assert.Equal(t, task.ActionReturnHome, tk.Steps[5].Action)

	assert.Equal(t, task.StatusQueued, tk.CurrentStatus())
}

func TestBuildPatrolTaskFallsBackToBedKeyWhenUnmapped(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{
		"beds_order": [{"bed_key": "B_303-1", "enabled": true}]
	}`)
	// No beds.json at all.

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	tk, beds, err := s.BuildPatrolTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, beds)
	assert.Equal(t, "B_303-1", tk.Steps[0].Params["location_id"])
}

func TestBuildPatrolTaskDefaultsShelfWhenSettingMissing(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{
		"beds_order": [{"bed_key": "101-1", "enabled": true}]
	}`)

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	tk, _, err := s.BuildPatrolTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "S_04", tk.Steps[0].Params["shelf_id"])
}

func TestBuildPatrolTaskNoEnabledBeds(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{
		"beds_order": [{"bed_key": "101-1", "enabled": false}]
	}`)

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	_, _, err := s.BuildPatrolTask(context.Background())
	require.ErrorIs(t, err, ErrNoEnabledBeds)
}

func TestBuildPatrolTaskPinsConfiguredRobot(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{
		"beds_order": [{"bed_key": "101-1", "enabled": true}]
	}`)

	sub := &fakeSubmitter{}
	s, err := New(Config{
		ConfigDir: dir,
		Submitter: sub,
		Settings:  &fakeSettings{values: map[string]string{}},
		Logger:    zap.NewNop(),
		RobotID:   "kachaka-1",
	})
	require.NoError(t, err)

	tk, _, err := s.BuildPatrolTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kachaka-1", tk.RobotID)
}

func TestCronSpec(t *testing.T) {
	tests := []struct {
		name     string
		time     string
		schedule string
		want     string
		wantErr  bool
	}{
		{name: "daily morning", time: "08:00", schedule: "daily", want: "0 8 * * *"},
		{name: "weekday evening", time: "21:30", schedule: "weekday", want: "30 21 * * 1-5"},
		{name: "unknown type runs daily", time: "12:15", schedule: "fortnightly", want: "15 12 * * *"},
		{name: "single digit fields", time: "8:5", schedule: "daily", want: "5 8 * * *"},
		{name: "hour out of range", time: "25:00", schedule: "daily", wantErr: true},
		{name: "minute out of range", time: "10:75", schedule: "daily", wantErr: true},
		{name: "not a clock time", time: "noon", schedule: "daily", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cronSpec(tt.time, tt.schedule)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReloadSchedulesEnabledEntriesOnly(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, schedulesFile, `{
		"schedules": [
			{"id": "morning", "enabled": true, "time": "08:00", "type": "daily"},
			{"id": "evening", "enabled": false, "time": "20:00", "type": "daily"},
			{"id": "broken", "enabled": true, "time": "later", "type": "daily"}
		]
	}`)

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	active, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestReloadWithoutScheduleFile(t *testing.T) {
	s, _ := newTestScheduler(t, t.TempDir(), &fakeSettings{values: map[string]string{}})

	active, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestReloadReplacesPreviousJobs(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, schedulesFile, `{
		"schedules": [
			{"id": "morning", "enabled": true, "time": "08:00", "type": "daily"},
			{"id": "noon", "enabled": true, "time": "12:00", "type": "daily"}
		]
	}`)

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	active, err := s.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, active)

	// Narrow the config and reload: the removed schedule must not linger.
	writeConfig(t, dir, schedulesFile, `{
		"schedules": [
			{"id": "noon", "enabled": true, "time": "12:30", "type": "weekday"}
		]
	}`)
	active, err = s.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, active)
	assert.Len(t, s.cron.Jobs(), 1)
}

func TestEntriesReportNextRun(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, schedulesFile, `{
		"schedules": [
			{"id": "morning", "enabled": true, "time": "08:00", "type": "daily"},
			{"id": "evening", "enabled": false, "time": "20:00", "type": "daily"}
		]
	}`)

	s, _ := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop()) }()

	require.Eventually(t, func() bool {
		entries, err := s.Entries()
		if err != nil || len(entries) != 2 {
			return false
		}
		var morning, evening Entry
		for _, e := range entries {
			switch e.ID {
			case "morning":
				morning = e
			case "evening":
				evening = e
			}
		}
		return morning.NextRun != nil && evening.NextRun == nil
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := s.Entries()
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == "morning" {
			assert.True(t, e.Enabled)
			assert.Equal(t, "08:00", e.Time)
			assert.Equal(t, "daily", e.Type)
			require.NotNil(t, e.NextRun)
			assert.True(t, e.NextRun.After(time.Now()))
		}
	}
}

func TestRunPatrolSubmitsBuiltTask(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{
		"beds_order": [{"bed_key": "101-1", "enabled": true}]
	}`)

	s, sub := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	s.runPatrol("morning")

	submitted := sub.submitted()
	require.Len(t, submitted, 1)
	assert.Len(t, submitted[0].Steps, 4)
}

func TestRunPatrolSkipsWhenNothingEnabled(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, patrolFile, `{"beds_order": []}`)

	s, sub := newTestScheduler(t, dir, &fakeSettings{values: map[string]string{}})

	s.runPatrol("morning")

	assert.Empty(t, sub.submitted())
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/dispatch"
	"github.com/Sigma-Snaken/bio-patrol/internal/fleet"
	"github.com/Sigma-Snaken/bio-patrol/internal/metrics"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
	"github.com/Sigma-Snaken/bio-patrol/internal/scheduler"
	"github.com/Sigma-Snaken/bio-patrol/internal/sim"
	"github.com/Sigma-Snaken/bio-patrol/internal/task"
	"github.com/Sigma-Snaken/bio-patrol/internal/websocket"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

// stubRunner satisfies the dispatcher's Runner contract. The dispatcher is
// never started in these tests, so it only exists to register robots.
type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, t *task.Task) {
	if t.MarkStarted() {
		t.SetStatus(task.StatusDone)
	}
}

// fakeScanRepo records the filter it was queried with and returns canned rows.
type fakeScanRepo struct {
	records   []db.ScanRecord
	total     int64
	gotFilter repositories.ScanFilter
}

func (f *fakeScanRepo) Append(ctx context.Context, record *db.ScanRecord) error {
	panic("api must not append scans")
}

func (f *fakeScanRepo) ListByTask(ctx context.Context, taskID string) ([]db.ScanRecord, error) {
	panic("not used")
}

func (f *fakeScanRepo) List(ctx context.Context, filter repositories.ScanFilter) ([]db.ScanRecord, int64, error) {
	f.gotFilter = filter
	return f.records, f.total, nil
}

// fakeSettingsRepo is an in-memory SettingsRepository.
type fakeSettingsRepo struct {
	mu     sync.Mutex
	values map[string]db.EncryptedString
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{values: map[string]db.EncryptedString{}}
}

func (f *fakeSettingsRepo) Get(ctx context.Context, key string) (*db.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &db.Setting{Key: key, Value: v}, nil
}

func (f *fakeSettingsRepo) Set(ctx context.Context, key string, value db.EncryptedString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeSettingsRepo) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Setting
	for k, v := range f.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, db.Setting{Key: k, Value: v})
		}
	}
	return out, nil
}

func (f *fakeSettingsRepo) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

// testEnv wires a router over a simulated single-robot deployment. The
// dispatcher is registered but not started, so submitted tasks stay queued
// and tests see deterministic states.
type testEnv struct {
	router     http.Handler
	dispatcher *dispatch.Dispatcher
	hub        *websocket.Hub
	scans      *fakeScanRepo
	settings   *fakeSettingsRepo
	robot      *sim.Robot
	configDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	configDir := t.TempDir()
	robot := sim.New(sim.Config{
		RobotID: "kachaka-1",
		Shelves: []fleet.Shelf{{ID: "S_04", Name: "sensor shelf"}},
		Locations: []fleet.Location{
			{ID: "B_101-1", Name: "101-1"},
			{ID: "B_102-1", Name: "102-1"},
		},
	})
	gw := fleet.New(fleet.Config{RobotID: "kachaka-1", Conn: robot, Logger: zap.NewNop()})

	d := dispatch.New(dispatch.Config{Logger: zap.NewNop()})
	require.NoError(t, d.RegisterRobot("kachaka-1", stubRunner{}, gw))

	scans := &fakeScanRepo{}
	settings := newFakeSettingsRepo()

	sched, err := scheduler.New(scheduler.Config{
		ConfigDir: configDir,
		Submitter: d,
		Settings:  settings,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := NewRouter(RouterConfig{
		Dispatcher: d,
		Scheduler:  sched,
		Hub:        hub,
		Metrics:    metrics.New(),
		Logger:     zap.NewNop(),
		Gateways:   map[string]*fleet.Gateway{"kachaka-1": gw},
		Scans:      scans,
		Settings:   settings,
	})

	return &testEnv{
		router:     router,
		dispatcher: d,
		hub:        hub,
		scans:      scans,
		settings:   settings,
		robot:      robot,
		configDir:  configDir,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

// decodeData unwraps the {"data": ...} envelope into out.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Data, "response has no data envelope: %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, out))
}

// errorCode extracts the machine-readable code from an error envelope.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func (env *testEnv) writeConfig(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, name), []byte(content), 0o644))
}

// -----------------------------------------------------------------------------
// Infrastructure endpoints
// -----------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

func TestCreateTaskAndFetch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"robot_id": "kachaka-1",
		"steps": []map[string]any{
			{"step_id": "move_0", "action": "move_to_location",
				"params": map[string]any{"location_id": "B_101-1"}},
			{"step_id": "scan_0", "action": "bio_scan",
				"params": map[string]any{"bed_key": "101-1"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created createTaskResponse
	decodeData(t, rec, &created)
	require.NotEmpty(t, created.TaskID)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got task.Task
	decodeData(t, rec, &got)
	assert.Equal(t, created.TaskID, got.ID)
	assert.Equal(t, "kachaka-1", got.RobotID)
	assert.Equal(t, task.StatusQueued, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, task.StepPending, got.Steps[0].Status)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list listTasksResponse
	decodeData(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, created.TaskID, list.Items[0].ID)
}

func TestCreateTaskRejectsBadPlans(t *testing.T) {
	env := newTestEnv(t)

	// skip_on_failure referencing a step that does not exist.
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"steps": []map[string]any{
			{"step_id": "move_0", "action": "move_to_location",
				"params":          map[string]any{"location_id": "B_101-1"},
				"skip_on_failure": []string{"ghost"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown body fields are rejected, catching client typos early.
	rec = env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"steps": []map[string]any{}, "priority": 3,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed JSON.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"steps": [`))
	raw := httptest.NewRecorder()
	env.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/task_20260825_000000_deadbeef", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"steps": []map[string]any{
			{"step_id": "home", "action": "return_home"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTaskResponse
	decodeData(t, rec, &created)

	// The dispatcher is not running, so the task is still queued.
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got task.Task
	decodeData(t, rec, &got)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// Cancelling again is idempotent.
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelFinishedTaskFails(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"steps": []map[string]any{{"step_id": "home", "action": "return_home"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTaskResponse
	decodeData(t, rec, &created)

	live, err := env.dispatcher.Get(created.TaskID)
	require.NoError(t, err)
	live.SetStatus(task.StatusDone)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"steps": []map[string]any{{"step_id": "home", "action": "return_home"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTaskResponse
	decodeData(t, rec, &created)

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+created.TaskID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// -----------------------------------------------------------------------------
// Robots
// -----------------------------------------------------------------------------

func TestRobotList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/robots", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var items []robotResponse
	decodeData(t, rec, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "kachaka-1", items[0].RobotID)
	assert.False(t, items[0].Busy)
}

func TestRobotStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/robots/kachaka-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status robotStatusResponse
	decodeData(t, rec, &status)
	assert.True(t, status.Online)
	assert.False(t, status.Busy)
	require.NotNil(t, status.Pose)
	require.NotNil(t, status.BatteryPercent)
	assert.InDelta(t, 100, *status.BatteryPercent, 0.01)
	assert.Empty(t, status.MovingShelfID)

	rec = env.do(t, http.MethodGet, "/api/v1/robots/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRobotShelvesAndLocations(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/robots/kachaka-1/shelves", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var shelves []fleet.Shelf
	decodeData(t, rec, &shelves)
	require.Len(t, shelves, 1)
	assert.Equal(t, "S_04", shelves[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/robots/kachaka-1/locations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var locations []fleet.Location
	decodeData(t, rec, &locations)
	assert.Len(t, locations, 2)
}

// -----------------------------------------------------------------------------
// Scans
// -----------------------------------------------------------------------------

func TestListScansPassesFilter(t *testing.T) {
	env := newTestEnv(t)

	var rec db.ScanRecord
	rec.ID = uuid.New()
	rec.TaskID = "task_x"
	rec.LocationID = "B_101-1"
	rec.BedName = "101-1"
	rec.ScannedAt = time.Date(2026, 8, 25, 7, 30, 0, 0, time.UTC)
	rec.Status = db.ScanStatusValid
	rec.BPM = 72
	rec.RPM = 16
	rec.DataJSON = `{"bpm":72,"rpm":16}`
	rec.IsValid = true
	env.scans.records = []db.ScanRecord{rec}
	env.scans.total = 7

	resp := env.do(t, http.MethodGet,
		"/api/v1/scans?task_id=task_x&location_id=B_101-1&status=valid"+
			"&from=2026-08-25T00:00:00Z&to=2026-08-26T00:00:00Z&limit=5&offset=10", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	assert.Equal(t, "task_x", env.scans.gotFilter.TaskID)
	assert.Equal(t, "B_101-1", env.scans.gotFilter.LocationID)
	assert.Equal(t, db.ScanStatusValid, env.scans.gotFilter.Status)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), env.scans.gotFilter.From)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), env.scans.gotFilter.To)
	assert.Equal(t, 5, env.scans.gotFilter.Limit)
	assert.Equal(t, 10, env.scans.gotFilter.Offset)

	var list listScansResponse
	decodeData(t, resp, &list)
	require.Len(t, list.Items, 1)
	assert.EqualValues(t, 7, list.Total)
	assert.Equal(t, "task_x", list.Items[0].TaskID)
	assert.Equal(t, 72, list.Items[0].BPM)
	assert.JSONEq(t, `{"bpm":72,"rpm":16}`, string(list.Items[0].Data))
}

func TestListScansRejectsBadParams(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/scans?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/scans?status=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

func TestTelegramSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/settings/telegram", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got telegramSettingsResponse
	decodeData(t, rec, &got)
	assert.False(t, got.Enabled)
	assert.False(t, got.BotTokenSet)

	rec = env.do(t, http.MethodPut, "/api/v1/settings/telegram", map[string]any{
		"bot_token": "123456:secret-token",
		"chat_id":   "-100200300",
		"enabled":   true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &got)
	assert.True(t, got.Enabled)
	assert.Equal(t, "-100200300", got.ChatID)
	assert.True(t, got.BotTokenSet)
	assert.NotContains(t, rec.Body.String(), "secret-token", "the token is write-only")

	// Toggling without re-entering the token keeps the stored one.
	rec = env.do(t, http.MethodPut, "/api/v1/settings/telegram", map[string]any{
		"chat_id": "-100200300",
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &got)
	assert.False(t, got.Enabled)
	assert.True(t, got.BotTokenSet)
}

func TestTelegramSettingsValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/settings/telegram", map[string]any{
		"bot_token": "123456:secret-token",
		"enabled":   true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "chat_id required when enabled")

	rec = env.do(t, http.MethodPut, "/api/v1/settings/telegram", map[string]any{
		"chat_id": "-100200300",
		"enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no token stored yet")
}

// -----------------------------------------------------------------------------
// Schedules and patrol
// -----------------------------------------------------------------------------

func TestSchedulesListAndReload(t *testing.T) {
	env := newTestEnv(t)
	env.writeConfig(t, "schedules.json", `{
		"schedules": [
			{"id": "morning", "enabled": true, "time": "08:00", "type": "daily"},
			{"id": "evening", "enabled": false, "time": "20:00", "type": "daily"}
		]
	}`)

	rec := env.do(t, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listSchedulesResponse
	decodeData(t, rec, &list)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "morning", list.Items[0].ID)

	rec = env.do(t, http.MethodPost, "/api/v1/schedules/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reloaded reloadResponse
	decodeData(t, rec, &reloaded)
	assert.Equal(t, 1, reloaded.Active, "only the enabled schedule is armed")
}

func TestStartPatrol(t *testing.T) {
	env := newTestEnv(t)
	env.writeConfig(t, "patrol.json", `{
		"beds_order": [
			{"bed_key": "101-1", "enabled": true},
			{"bed_key": "102-1", "enabled": true}
		]
	}`)
	env.writeConfig(t, "beds.json", `{
		"beds": {
			"101-1": {"location_id": "B_101-1"},
			"102-1": {"location_id": "B_102-1"}
		}
	}`)

	rec := env.do(t, http.MethodPost, "/api/v1/patrol/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var started startPatrolResponse
	decodeData(t, rec, &started)
	assert.Equal(t, 2, started.BedsCount)

	live, err := env.dispatcher.Get(started.TaskID)
	require.NoError(t, err)
	assert.Len(t, live.Steps, 6, "move+scan per bed, then return shelf and home")
}

func TestStartPatrolWithoutEnabledBeds(t *testing.T) {
	env := newTestEnv(t)
	env.writeConfig(t, "patrol.json", `{"beds_order": [{"bed_key": "101-1", "enabled": false}]}`)

	rec := env.do(t, http.MethodPost, "/api/v1/patrol/start", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no enabled beds")
}

func TestRecoverShelf(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/patrol/recover-shelf", map[string]any{
		"shelf_id":    "S_04",
		"location_id": "B_101-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var recovered recoverShelfResponse
	decodeData(t, rec, &recovered)
	assert.Equal(t, "S_04", recovered.ShelfID)
	assert.Equal(t, "B_101-1", recovered.LocationID)

	rec = env.do(t, http.MethodPost, "/api/v1/patrol/recover-shelf", map[string]any{
		"location_id": "B_101-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "shelf_id is required")

	rec = env.do(t, http.MethodPost, "/api/v1/patrol/recover-shelf", map[string]any{
		"robot_id":    "ghost",
		"shelf_id":    "S_04",
		"location_id": "B_101-1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown shelf: the robot rejects the command with a domain code, which
	// surfaces as 502.
	rec = env.do(t, http.MethodPost, "/api/v1/patrol/recover-shelf", map[string]any{
		"shelf_id":    "S_99",
		"location_id": "B_101-1",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "robot_error", errorCode(t, rec))
}

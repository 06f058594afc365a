package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patrolSteps() []*Step {
	return []*Step{
		{ID: "s1", Action: ActionMoveShelf,
			Params:        Params{"shelf_id": "S_04", "location_id": "B_101-1"},
			SkipOnFailure: []string{"s2"}},
		{ID: "s2", Action: ActionBioScan, Params: Params{"bed_key": "101-1"}},
		{ID: "s3", Action: ActionReturnShelf, Params: Params{"shelf_id": "S_04"}},
	}
}

func TestValidateAcceptsWellFormedTask(t *testing.T) {
	tk := New("kachaka", patrolSteps())
	require.NoError(t, tk.Validate())
	assert.Equal(t, StatusQueued, tk.CurrentStatus())
	for _, s := range tk.Steps {
		assert.Equal(t, StepPending, s.Status)
	}
}

func TestValidateRejectsUnknownSkipTarget(t *testing.T) {
	tk := New("", []*Step{
		{ID: "s1", Action: ActionMoveShelf, SkipOnFailure: []string{"ghost"}},
	})
	err := tk.Validate()
	require.ErrorIs(t, err, ErrInvalidTask)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateRejectsSelfSkip(t *testing.T) {
	tk := New("", []*Step{
		{ID: "s1", Action: ActionMoveShelf, SkipOnFailure: []string{"s1"}},
	})
	require.ErrorIs(t, tk.Validate(), ErrInvalidTask)
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	tk := New("", []*Step{
		{ID: "s1", Action: ActionSpeak},
		{ID: "s1", Action: ActionWait},
	})
	require.ErrorIs(t, tk.Validate(), ErrInvalidTask)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	tk := New("kachaka", nil)
	require.True(t, tk.MarkStarted())
	require.True(t, tk.SetStatus(StatusCancelled))

	// Once cancelled, neither completion nor restart may overwrite it.
	assert.False(t, tk.SetStatus(StatusDone))
	assert.False(t, tk.MarkStarted())
	assert.Equal(t, StatusCancelled, tk.CurrentStatus())
	require.NotNil(t, tk.FinishedAt)
}

func TestCancelBeforeStartPreventsExecution(t *testing.T) {
	tk := New("kachaka", patrolSteps())
	require.True(t, tk.SetStatus(StatusCancelled))
	assert.False(t, tk.MarkStarted())
}

func TestSnapshotIsIndependentOfLiveTask(t *testing.T) {
	tk := New("kachaka", patrolSteps())
	tk.SetMeta("note", "before")

	snap := tk.Snapshot()

	tk.Steps[0].Status = StepSuccess
	tk.SetMeta("note", "after")

	assert.Equal(t, StepPending, snap.Steps[0].Status)
	assert.Equal(t, "before", snap.Metadata["note"])
}

func TestWireShapeRoundTrip(t *testing.T) {
	wire := []byte(`{
		"task_id": "task_20260824_120000_ab12cd34",
		"robot_id": "kachaka",
		"status": "queued",
		"steps": [
			{"step_id":"s1","action":"move_shelf",
			 "params":{"shelf_id":"S_04","location_id":"B_101-1"},
			 "skip_on_failure":["s2"],"status":"pending"},
			{"step_id":"s2","action":"bio_scan","params":{"bed_key":"101-1"},"status":"pending"},
			{"step_id":"s3","action":"return_shelf","params":{"shelf_id":"S_04"},"status":"pending"}
		]
	}`)

	var decoded Task
	require.NoError(t, json.Unmarshal(wire, &decoded))
	decoded.Normalize()

	out, err := json.Marshal(decoded.Snapshot())
	require.NoError(t, err)

	var again Task
	require.NoError(t, json.Unmarshal(out, &again))

	assert.Equal(t, decoded.ID, again.ID)
	assert.Equal(t, decoded.RobotID, again.RobotID)
	require.Len(t, again.Steps, 3)
	assert.Equal(t, ActionMoveShelf, again.Steps[0].Action)
	assert.Equal(t, []string{"s2"}, again.Steps[0].SkipOnFailure)
	assert.Equal(t, "101-1", again.Steps[1].Params["bed_key"])
}

func TestMoveShelfParamsRequireShelfAndLocation(t *testing.T) {
	_, err := Params{"location_id": "B_101-1"}.MoveShelf()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shelf_id")

	_, err = Params{"shelf_id": "S_04"}.MoveShelf()
	require.Error(t, err)

	got, err := Params{"shelf_id": "S_04", "location_id": "B_101-1"}.MoveShelf()
	require.NoError(t, err)
	assert.Equal(t, "S_04", got.ShelfID)
	assert.Equal(t, "B_101-1", got.LocationID)
}

func TestWaitParamsRejectNegativeSeconds(t *testing.T) {
	_, err := Params{"seconds": -1.0}.Wait()
	require.Error(t, err)

	got, err := Params{"seconds": 2.5}.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2.5, got.Seconds)

	// Missing seconds defaults to zero rather than failing.
	got, err = Params{}.Wait()
	require.NoError(t, err)
	assert.Zero(t, got.Seconds)
}

func TestNewIDHasTimestampPrefixAndUniqueSuffix(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Regexp(t, `^task_\d{8}_\d{6}_[0-9a-f-]{8}$`, a)
	assert.NotEqual(t, a, b)
}

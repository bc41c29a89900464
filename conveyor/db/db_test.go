package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"conveyor.sh/core/engine"
	"conveyor.sh/core/graph"
	"conveyor.sh/core/notifier"
)

func testDB(t *testing.T) (*DB, *notifier.Notifier) {
	t.Helper()
	d, err := Make(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()
	return d, &n
}

func TestRunLifecycleRoundTrip(t *testing.T) {
	d, n := testDB(t)

	require.NoError(t, d.CreateRun("run-1", "release", n))

	run, err := d.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, "release", run.Name)
	assert.Equal(t, graph.StatusPending, run.Status)
	assert.False(t, run.StartedAt.IsZero())
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, d.MarkRunRunning("run-1", n))
	run, err = d.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusRunning, run.Status)

	require.NoError(t, d.MarkRunFinished("run-1", graph.StatusFailed, "stage build: boom", n))
	run, err = d.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusFailed, run.Status)
	assert.Equal(t, "stage build: boom", run.Error)
	require.NotNil(t, run.FinishedAt)
}

func TestGetRuns_CursorPagination(t *testing.T) {
	d, n := testDB(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.CreateRun(id, "pipeline", n))
	}

	runs, err := d.GetRuns("")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.False(t, runs[0].StartedAt.IsZero())

	runs, err = d.GetRuns("a")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
}

func TestSaveStageOutcome_UpsertsTransitions(t *testing.T) {
	d, n := testDB(t)
	require.NoError(t, d.CreateRun("run-1", "release", n))

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, d.SaveStageOutcome("run-1", engine.Outcome{
		StageID:   "build",
		Status:    graph.StatusRunning,
		Attempt:   1,
		StartedAt: started,
	}, n))
	require.NoError(t, d.SaveStageOutcome("run-1", engine.Outcome{
		StageID:     "build",
		Status:      graph.StatusFailed,
		Attempt:     3,
		ErrorDetail: "timeout",
		StartedAt:   started,
		FinishedAt:  started.Add(time.Minute),
	}, n))

	outcomes, err := d.GetStageOutcomes("run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, graph.StatusFailed, o.Status)
	assert.Equal(t, 3, o.Attempt)
	assert.Equal(t, "timeout", o.ErrorDetail)
	assert.True(t, o.StartedAt.Equal(started))
	assert.True(t, o.FinishedAt.Equal(started.Add(time.Minute)))
}

func TestEvents_CursorAdvances(t *testing.T) {
	d, n := testDB(t)
	require.NoError(t, d.CreateRun("run-1", "release", n))

	require.NoError(t, d.InsertStageEvent("run-1", engine.Outcome{
		StageID: "build",
		Status:  graph.StatusSucceeded,
	}, n))
	require.NoError(t, d.InsertEvent("run-1", map[string]string{"status": "succeeded"}, n))

	evts, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Contains(t, evts[0].Event, "build")

	evts, err = d.GetEvents(evts[0].ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "run-1", evts[0].RunID)
}

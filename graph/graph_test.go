package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stage(id string, needs ...string) StageDef {
	return StageDef{
		ID:      id,
		Needs:   needs,
		Uses:    KindBuild,
		Timeout: time.Minute,
	}
}

func TestBuild_LinearChain(t *testing.T) {
	g, err := Build([]StageDef{
		stage("checkout"),
		stage("build", "checkout"),
		stage("deploy", "build"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"checkout", "build", "deploy"}, g.Order())
}

func TestBuild_Cycle(t *testing.T) {
	_, err := Build([]StageDef{
		stage("a", "c"),
		stage("b", "a"),
		stage("c", "b"),
	})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuild_SelfCycle(t *testing.T) {
	_, err := Build([]StageDef{stage("a", "a")})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuild_DanglingDependency(t *testing.T) {
	_, err := Build([]StageDef{stage("a", "ghost")})
	assert.ErrorIs(t, err, ErrDanglingDependency)
}

func TestBuild_DuplicateStage(t *testing.T) {
	_, err := Build([]StageDef{stage("a"), stage("a")})
	assert.ErrorIs(t, err, ErrDuplicateStage)
}

func TestBuild_UnknownAdapterKind(t *testing.T) {
	_, err := Build([]StageDef{{ID: "a", Uses: Kind("teleport")}})
	assert.ErrorIs(t, err, ErrUnknownAdapter)
}

func TestBuild_NonPositiveTimeout(t *testing.T) {
	d := stage("a")
	d.Timeout = 0
	_, err := Build([]StageDef{d})
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	d.Timeout = -time.Second
	_, err = Build([]StageDef{d})
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestReady_InitiallyRoots(t *testing.T) {
	g, err := Build([]StageDef{
		stage("a"),
		stage("b"),
		stage("c", "a", "b"),
	})
	require.NoError(t, err)

	ready := g.Ready(map[string]Status{})
	var ids []string
	for _, d := range ready {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestReady_SkippedDependencyCounts(t *testing.T) {
	g, err := Build([]StageDef{
		stage("a"),
		stage("b", "a"),
	})
	require.NoError(t, err)

	ready := g.Ready(map[string]Status{"a": StatusSkipped})
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestReady_FailedDependencyBlocks(t *testing.T) {
	g, err := Build([]StageDef{
		stage("a"),
		stage("b", "a"),
	})
	require.NoError(t, err)

	assert.Empty(t, g.Ready(map[string]Status{"a": StatusFailed}))
}

func TestReady_RunningStageNotReadyAgain(t *testing.T) {
	g, err := Build([]StageDef{stage("a")})
	require.NoError(t, err)

	assert.Empty(t, g.Ready(map[string]Status{"a": StatusRunning}))
}

func TestDependents_TransitiveClosure(t *testing.T) {
	g, err := Build([]StageDef{
		stage("a"),
		stage("b", "a"),
		stage("c", "b"),
		stage("d"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.Dependents("a"))
	assert.Empty(t, g.Dependents("d"))
}

func TestDependents_DiamondCountedOnce(t *testing.T) {
	g, err := Build([]StageDef{
		stage("a"),
		stage("b", "a"),
		stage("c", "a"),
		stage("d", "b", "c"),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.Dependents("a"))
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

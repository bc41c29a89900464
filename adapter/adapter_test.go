package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"conveyor.sh/core/graph"
)

func TestParams_Require(t *testing.T) {
	p := Params{"repo": "https://example.com/app.git"}

	v, err := p.Require("repo")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/app.git", v)

	_, err = p.Require("rev")
	assert.Error(t, err)
}

func TestParams_MergeDoesNotMutate(t *testing.T) {
	p := Params{"a": "1"}
	merged := p.Merge(map[string]string{"a": "2", "b": "3"})

	assert.Equal(t, "1", p.Get("a"))
	assert.Equal(t, "2", merged.Get("a"))
	assert.Equal(t, "3", merged.Get("b"))
}

func TestRegistry_UnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(graph.KindDeploy)
	assert.ErrorIs(t, err, graph.ErrUnknownAdapter)
}

func TestRegistry_Covers(t *testing.T) {
	g, err := graph.Build([]graph.StageDef{
		{ID: "build", Uses: graph.KindBuild, Timeout: time.Minute},
		{ID: "push", Needs: []string{"build"}, Uses: graph.KindPush, Timeout: time.Minute},
	})
	require.NoError(t, err)

	r := NewRegistry()
	r.Register(graph.KindBuild, StubOK())
	assert.Error(t, r.Covers(g))

	r.Register(graph.KindPush, StubOK())
	assert.NoError(t, r.Covers(g))
}

func TestStub_ScriptConsumedInOrder(t *testing.T) {
	s := NewStub(
		StubOutcome{Result: Result{OK: false, Detail: "flake"}},
		StubOutcome{Result: Result{OK: true}},
	)

	first, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, first.OK)

	second, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, second.OK)

	// script exhausted, last outcome repeats
	third, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, third.OK)

	assert.Equal(t, 3, s.Calls())
}

func TestStub_EmptyScriptSucceeds(t *testing.T) {
	s := NewStub()

	res, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, s.Calls())
}

func TestStub_DelayHonoursCancellation(t *testing.T) {
	s := NewStub(StubOutcome{Result: Result{OK: true}, Delay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

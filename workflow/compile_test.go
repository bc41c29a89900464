package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"conveyor.sh/core/graph"
)

var pushMain = Trigger{Kind: TriggerKindPush, Branch: "main"}

func TestCompile_MatchingDefinition(t *testing.T) {
	def, err := FromFile("release.yml", []byte(releasePipeline))
	require.NoError(t, err)

	c := Compiler{Trigger: pushMain, DefaultTimeout: 5 * time.Minute}
	compiled := c.Compile([]Definition{def})

	require.Len(t, compiled, 1)
	assert.Equal(t, "release", compiled[0].Definition.Name)
	assert.Equal(t, 6, compiled[0].Graph.Len())
	assert.False(t, c.Diagnostics.IsErr())
}

func TestCompile_TriggerMismatchWarns(t *testing.T) {
	def, err := FromFile("release.yml", []byte(releasePipeline))
	require.NoError(t, err)

	c := Compiler{Trigger: Trigger{Kind: TriggerKindPush, Branch: "dev"}}
	compiled := c.Compile([]Definition{def})

	assert.Empty(t, compiled)
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, PipelineSkipped, c.Diagnostics.Warnings[0].Type)
}

func TestCompile_CycleIsError(t *testing.T) {
	def := Definition{
		Name: "cyclic",
		Stages: []Stage{
			{ID: "a", Uses: "build", Needs: StringList{"b"}},
			{ID: "b", Uses: "build", Needs: StringList{"a"}},
		},
	}

	c := Compiler{Trigger: pushMain}
	compiled := c.Compile([]Definition{def})

	assert.Empty(t, compiled)
	require.True(t, c.Diagnostics.IsErr())
	assert.ErrorIs(t, c.Diagnostics.Errors[0].Error, graph.ErrCycle)
}

func TestCompile_DanglingNeedIsError(t *testing.T) {
	def := Definition{
		Name: "dangling",
		Stages: []Stage{
			{ID: "a", Uses: "build", Needs: StringList{"ghost"}},
		},
	}

	c := Compiler{Trigger: pushMain}
	c.Compile([]Definition{def})

	require.True(t, c.Diagnostics.IsErr())
	assert.ErrorIs(t, c.Diagnostics.Errors[0].Error, graph.ErrDanglingDependency)
}

func TestParse_BadYAMLCollected(t *testing.T) {
	c := Compiler{Trigger: pushMain}
	defs := c.Parse([]RawFile{
		{Name: "bad.yml", Contents: []byte("stages: [")},
		{Name: "good.yml", Contents: []byte("stages:\n  - id: a\n    uses: build\n")},
	})

	assert.Len(t, defs, 1)
	require.Len(t, c.Diagnostics.Errors, 1)
	assert.Equal(t, "bad.yml", c.Diagnostics.Errors[0].Path)
}

func TestCompile_EmptyPipelineWarns(t *testing.T) {
	c := Compiler{Trigger: pushMain}
	compiled := c.Compile([]Definition{{Name: "empty"}})

	require.Len(t, compiled, 1)
	assert.Equal(t, 0, compiled[0].Graph.Len())
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, InvalidConfiguration, c.Diagnostics.Warnings[0].Type)
}

func TestDiagnostics_Combine(t *testing.T) {
	var a, b Diagnostics
	a.AddWarning("x.yml", PipelineSkipped, "no match")
	b.AddError("y.yml", graph.ErrCycle)

	a.Combine(b)
	assert.Len(t, a.Warnings, 1)
	assert.Len(t, a.Errors, 1)
	assert.False(t, a.IsEmpty())
}

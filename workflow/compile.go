package workflow

import (
	"fmt"
	"time"

	"conveyor.sh/core/graph"
)

type RawFile struct {
	Name     string
	Contents []byte
}

// Compiler turns raw pipeline files into validated stage graphs,
// collecting diagnostics along the way. Definitions whose trigger
// constraints do not match are skipped with a warning rather than an
// error.
type Compiler struct {
	Trigger        Trigger
	DefaultTimeout time.Duration
	Diagnostics    Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	PipelineSkipped      WarningKind = "pipeline skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// Compiled pairs a matched definition with its validated graph.
type Compiled struct {
	Definition Definition
	Graph      *graph.Graph
}

func (compiler *Compiler) Parse(files []RawFile) []Definition {
	var defs []Definition

	for _, f := range files {
		def, err := FromFile(f.Name, f.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(f.Name, err)
			continue
		}

		defs = append(defs, def)
	}

	return defs
}

// Compile validates each matched definition into a stage graph.
// Graph construction failures (cycles, dangling or duplicate ids)
// are fatal for that definition and recorded as errors.
func (compiler *Compiler) Compile(defs []Definition) []Compiled {
	var out []Compiled

	for _, def := range defs {
		c := compiler.compileDefinition(def)
		if c == nil {
			continue
		}
		out = append(out, *c)
	}

	return out
}

func (compiler *Compiler) compileDefinition(def Definition) *Compiled {
	if !def.Match(compiler.Trigger) {
		compiler.Diagnostics.AddWarning(
			def.Name,
			PipelineSkipped,
			fmt.Sprintf("did not match trigger %s", compiler.Trigger.Kind),
		)
		return nil
	}

	compiler.analyzeStages(def)

	g, err := graph.Build(def.StageDefs(compiler.DefaultTimeout))
	if err != nil {
		compiler.Diagnostics.AddError(def.Name, err)
		return nil
	}

	return &Compiled{Definition: def, Graph: g}
}

func (compiler *Compiler) analyzeStages(def Definition) {
	if len(def.Stages) == 0 {
		compiler.Diagnostics.AddWarning(
			def.Name,
			InvalidConfiguration,
			"pipeline has no stages",
		)
	}

	for _, s := range def.Stages {
		if s.Retries < 0 {
			compiler.Diagnostics.AddWarning(
				def.Name,
				InvalidConfiguration,
				fmt.Sprintf("stage %q: negative retries treated as 0", s.ID),
			)
		}
	}
}

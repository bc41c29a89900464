// Package graph builds and queries the stage dependency graph of a
// pipeline run. A graph is immutable once built; the engine walks it
// by repeatedly asking for ready stages against the current outcomes.
package graph

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCycle              = errors.New("dependency cycle")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrDuplicateStage     = errors.New("duplicate stage id")
	ErrUnknownAdapter     = errors.New("unknown adapter kind")
	ErrInvalidTimeout     = errors.New("non-positive timeout")
)

// Kind names the external tool a stage delegates to.
type Kind string

const (
	KindCheckout Kind = "checkout"
	KindAnalysis Kind = "analysis"
	KindBuild    Kind = "build"
	KindScan     Kind = "scan"
	KindPush     Kind = "push"
	KindDeploy   Kind = "deploy"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCheckout, KindAnalysis, KindBuild, KindScan, KindPush, KindDeploy:
		return true
	}
	return false
}

// StageDef is one unit of pipeline work. Immutable after Build.
type StageDef struct {
	ID         string
	Needs      []string
	Uses       Kind
	Timeout    time.Duration
	MaxRetries int
	Params     map[string]string
}

// Status of a stage over its lifetime. Succeeded, Failed and Skipped
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Graph is a validated DAG of stage definitions keyed by id. Order
// holds a topological ordering computed at build time.
type Graph struct {
	stages map[string]StageDef
	order  []string
}

// Build validates referential integrity and acyclicity of the given
// stage set. Any node left unvisited after Kahn's algorithm sits on a
// cycle.
func Build(defs []StageDef) (*Graph, error) {
	stages := make(map[string]StageDef, len(defs))
	for _, d := range defs {
		if _, ok := stages[d.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStage, d.ID)
		}
		if !d.Uses.Valid() {
			return nil, fmt.Errorf("%w: stage %q uses %q", ErrUnknownAdapter, d.ID, d.Uses)
		}
		if d.Timeout <= 0 {
			return nil, fmt.Errorf("%w: stage %q", ErrInvalidTimeout, d.ID)
		}
		stages[d.ID] = d
	}

	indegree := make(map[string]int, len(stages))
	for id := range stages {
		indegree[id] = 0
	}
	for _, d := range stages {
		for _, dep := range d.Needs {
			if _, ok := stages[dep]; !ok {
				return nil, fmt.Errorf("%w: stage %q needs %q", ErrDanglingDependency, d.ID, dep)
			}
			indegree[d.ID]++
		}
	}

	var queue []string
	for _, d := range defs {
		if indegree[d.ID] == 0 {
			queue = append(queue, d.ID)
		}
	}

	order := make([]string, 0, len(stages))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, d := range defs {
			for _, dep := range d.Needs {
				if dep != id {
					continue
				}
				indegree[d.ID]--
				if indegree[d.ID] == 0 {
					queue = append(queue, d.ID)
				}
			}
		}
	}

	if len(order) != len(stages) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: involving %v", ErrCycle, stuck)
	}

	return &Graph{stages: stages, order: order}, nil
}

func (g *Graph) Len() int {
	return len(g.stages)
}

// Stage returns the definition for id.
func (g *Graph) Stage(id string) (StageDef, bool) {
	d, ok := g.stages[id]
	return d, ok
}

// Order returns stage ids in a topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Ready returns stages whose dependencies have all reached
// Succeeded or Skipped and which are themselves still Pending.
// Statuses missing from the map count as Pending.
func (g *Graph) Ready(statuses map[string]Status) []StageDef {
	var ready []StageDef
	for _, id := range g.order {
		if st, ok := statuses[id]; ok && st != StatusPending {
			continue
		}

		d := g.stages[id]
		ok := true
		for _, dep := range d.Needs {
			switch statuses[dep] {
			case StatusSucceeded, StatusSkipped:
			default:
				ok = false
			}
		}
		if ok {
			ready = append(ready, d)
		}
	}
	return ready
}

// Dependents returns the transitive closure of stages that depend on
// id, in topological order. Used to cascade-skip the subtree of a
// permanently failed stage.
func (g *Graph) Dependents(id string) []string {
	closure := map[string]bool{id: true}
	var out []string
	for _, cand := range g.order {
		if closure[cand] {
			continue
		}
		for _, dep := range g.stages[cand].Needs {
			if closure[dep] {
				closure[cand] = true
				out = append(out, cand)
				break
			}
		}
	}
	return out
}

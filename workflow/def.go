package workflow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
	"conveyor.sh/core/graph"
)

// - a repository carries one or more pipeline files
//   * .conveyor/pipelines/release.yml
//   * .conveyor/pipelines/preview.yml
// - each file declares a stage list; `needs` edges make it a DAG
// - stages with no edge between them run in parallel, bounded by the
//   engine's worker pool

type (
	// Definition is the structural representation of one pipeline
	// file. It round-trips through YAML losslessly.
	Definition struct {
		Name        string            `yaml:"name,omitempty"`
		When        []Constraint      `yaml:"when,omitempty"`
		Environment map[string]string `yaml:"environment,omitempty"`
		Stages      []Stage           `yaml:"stages"`
	}

	Constraint struct {
		Event  StringList `yaml:"event,omitempty"`
		Branch StringList `yaml:"branch,omitempty"` // optional, applied on "push" events
	}

	Stage struct {
		ID      string            `yaml:"id"`
		Needs   StringList        `yaml:"needs,omitempty"`
		Uses    string            `yaml:"uses"`
		Timeout Duration          `yaml:"timeout,omitempty"`
		Retries int               `yaml:"retries,omitempty"`
		With    map[string]string `yaml:"with,omitempty"`
	}

	StringList []string

	// Duration wraps time.Duration with Go duration syntax in YAML.
	Duration time.Duration
)

// Trigger describes the event that started a pipeline run.
type Trigger struct {
	Kind   string
	Branch string
}

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindManual      string = "manual"
)

func FromFile(name string, contents []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(contents, &def); err != nil {
		return def, err
	}
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}

// Match reports whether any constraint on the definition accepts the
// trigger. A definition with no constraints always runs.
func (d *Definition) Match(trigger Trigger) bool {
	// manual triggers always run the pipeline
	if trigger.Kind == TriggerKindManual {
		return true
	}

	for _, c := range d.When {
		if c.Match(trigger) {
			return true
		}
	}

	return len(d.When) == 0
}

func (c *Constraint) Match(trigger Trigger) bool {
	if !c.MatchEvent(trigger.Kind) {
		return false
	}
	if len(c.Branch) > 0 && !c.MatchBranch(trigger.Branch) {
		return false
	}
	return true
}

func (c *Constraint) MatchBranch(branch string) bool {
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchEvent(event string) bool {
	return slices.Contains(c.Event, event)
}

// StageDefs converts the stage list into graph definitions, applying
// the given default timeout to stages that leave it unset.
func (d *Definition) StageDefs(defaultTimeout time.Duration) []graph.StageDef {
	defs := make([]graph.StageDef, 0, len(d.Stages))
	for _, s := range d.Stages {
		timeout := time.Duration(s.Timeout)
		if timeout == 0 {
			timeout = defaultTimeout
		}
		defs = append(defs, graph.StageDef{
			ID:         s.ID,
			Needs:      s.Needs,
			Uses:       graph.Kind(s.Uses),
			Timeout:    timeout,
			MaxRetries: max(s.Retries, 0),
			Params:     s.With,
		})
	}
	return defs
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

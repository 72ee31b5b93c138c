// Package workflow loads with-items task definitions from YAML.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/pkg/withitems"
)

// TaskSpec is a single with-items task definition
type TaskSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Action      string         `yaml:"action" json:"action"`
	ActionAttrs map[string]any `yaml:"action-attrs,omitempty" json:"action_attrs,omitempty"`
	Input       map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Items       StringList     `yaml:"with-items" json:"with_items"`
	Publish     map[string]any `yaml:"publish,omitempty" json:"publish,omitempty"`
	Concurrency int            `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	SafeRerun   bool           `yaml:"safe-rerun,omitempty" json:"safe_rerun,omitempty"`
	KeepResult  *bool          `yaml:"keep-result,omitempty" json:"keep_result,omitempty"`
}

// Definition is a task file: action defaults plus the tasks themselves
type Definition struct {
	ActionDefaults map[string]map[string]any `yaml:"action-defaults,omitempty" json:"action_defaults,omitempty"`
	Tasks          []TaskSpec                `yaml:"tasks" json:"tasks"`
}

// StringList accepts either a single string or a list of strings
type StringList []string

// UnmarshalYAML decodes a scalar or a sequence
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: with-items must be a string or a list of strings", node.Line)
	}
}

// WithItems builds the with-items part of the task
func (t TaskSpec) WithItems() (withitems.Spec, error) {
	vars, err := withitems.ParseVariables(t.Items)
	if err != nil {
		return withitems.Spec{}, fmt.Errorf("task %s: %w", t.Name, err)
	}
	publish, err := withitems.NewPublish(t.Publish)
	if err != nil {
		return withitems.Spec{}, fmt.Errorf("task %s: %w", t.Name, err)
	}
	return withitems.Spec{
		Variables:   vars,
		Publish:     publish,
		Concurrency: t.Concurrency,
	}, nil
}

// ShouldKeepResult reports whether raw action results are stored on the
// task execution. Results are kept unless keep-result is false.
func (t TaskSpec) ShouldKeepResult() bool {
	return t.KeepResult == nil || *t.KeepResult
}

// Validate checks the definition without evaluating any expression
func (t TaskSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Action == "" {
		return fmt.Errorf("task %s: action is required", t.Name)
	}
	if t.Concurrency < 0 {
		return fmt.Errorf("task %s: concurrency must not be negative", t.Name)
	}
	_, err := t.WithItems()
	return err
}

// Task returns the task named name
func (d *Definition) Task(name string) (TaskSpec, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Defaults returns the action defaults of class
func (d *Definition) Defaults(class string) map[string]any {
	if d == nil {
		return nil
	}
	return d.ActionDefaults[class]
}

// ParseTaskSpecs decodes and validates a task file
func ParseTaskSpecs(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse task definitions: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks defined")
	}

	seen := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return &def, nil
}

// LoadTaskSpecs reads a task file from path
func LoadTaskSpecs(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseTaskSpecs(data)
}

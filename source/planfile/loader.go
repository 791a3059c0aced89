// Package planfile loads plan documents from YAML and watches them for edits.
package planfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/graph"
)

// document is the on-disk shape of a plan file. Params are free-form YAML
// and are carried to executors as JSON.
type document struct {
	ID     string               `yaml:"id"`
	Name   string               `yaml:"name"`
	Policy *workflow.PlanPolicy `yaml:"policy,omitempty"`
	Todos  []todoDocument       `yaml:"todos"`
}

type todoDocument struct {
	workflow.TodoSpec `yaml:",inline"`
	Params            map[string]any `yaml:"params,omitempty"`
}

// Parse decodes a plan document. Unknown fields are rejected.
func Parse(data []byte) (workflow.PlanSpec, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return workflow.PlanSpec{}, fmt.Errorf("empty plan document")
		}
		return workflow.PlanSpec{}, fmt.Errorf("decode plan: %w", err)
	}

	spec := workflow.PlanSpec{
		ID:     doc.ID,
		Name:   doc.Name,
		Policy: doc.Policy,
		Todos:  make([]workflow.TodoSpec, 0, len(doc.Todos)),
	}
	for _, td := range doc.Todos {
		ts := td.TodoSpec
		if len(td.Params) > 0 {
			raw, err := json.Marshal(td.Params)
			if err != nil {
				return workflow.PlanSpec{}, fmt.Errorf("todo %s params: %w", ts.ID, err)
			}
			ts.Params = raw
		}
		spec.Todos = append(spec.Todos, ts)
	}
	return spec, nil
}

// Load reads and decodes a plan file.
func Load(path string) (workflow.PlanSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.PlanSpec{}, fmt.Errorf("read plan file: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return workflow.PlanSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Validate builds the plan and its graph without running anything, so
// construction and cycle errors surface before submission.
func Validate(spec workflow.PlanSpec) error {
	plan, err := workflow.NewPlan(spec, time.Now())
	if err != nil {
		return err
	}
	_, err = graph.New(plan.Todos)
	return err
}

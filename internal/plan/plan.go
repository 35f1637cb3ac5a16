// Package plan reads task plans from YAML or JSON files and turns them into
// task graphs.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/aristath/goalrunner/internal/scheduler"
)

//go:embed plan.schema.json
var schemaJSON string

const schemaURL = "plan.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to load plan schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Task is one entry of a plan.
type Task struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	Description        string   `json:"description,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	Preference         string   `json:"preference,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	VerifyCommands     []string `json:"verify_commands,omitempty"`
}

// Plan is a goal with the tasks that achieve it.
type Plan struct {
	Goal  string `json:"goal,omitempty"`
	Tasks []Task `json:"tasks"`
}

// Format is the encoding of a plan document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension. Anything but .json is YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// LoadFile reads and validates a plan file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a plan document and validates it against the plan schema.
func Parse(data []byte, format Format) (*Plan, error) {
	doc := data
	if format == FormatYAML {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing plan: %w", err)
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("plan is not representable as JSON: %w", err)
		}
		doc = converted
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("plan does not match schema: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}

// Graph builds and validates a task graph from the plan. Tasks without a
// name are named after their ID.
func (p *Plan) Graph(id string) (*scheduler.TaskGraph, error) {
	g := scheduler.NewTaskGraph(id, "")
	for _, t := range p.Tasks {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		err := g.AddTask(&scheduler.Task{
			ID:                 t.ID,
			Name:               name,
			Description:        t.Description,
			DependsOn:          t.DependsOn,
			Preference:         scheduler.Preference(t.Preference),
			Priority:           t.Priority,
			AcceptanceCriteria: t.AcceptanceCriteria,
			VerifyCommands:     t.VerifyCommands,
		})
		if err != nil {
			return nil, err
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

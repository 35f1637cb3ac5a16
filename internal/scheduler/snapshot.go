package scheduler

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// GraphSnapshot is the persisted form of a TaskGraph.
type GraphSnapshot struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Tasks        []Task    `json:"tasks"`
	FirstFailure string    `json:"first_failure,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot returns a deep copy of the graph suitable for persistence.
func (g *TaskGraph) Snapshot() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, *cloneTask(g.tasks[id]))
	}
	return GraphSnapshot{
		ID:           g.ID,
		RunID:        g.RunID,
		Tasks:        tasks,
		FirstFailure: g.firstFailure,
		CreatedAt:    g.CreatedAt,
		UpdatedAt:    g.updatedAt,
	}
}

// RestoreGraph rebuilds a graph from a snapshot and validates it.
func RestoreGraph(s GraphSnapshot) (*TaskGraph, error) {
	g := NewTaskGraph(s.ID, s.RunID)
	if !s.CreatedAt.IsZero() {
		g.CreatedAt = s.CreatedAt
	}
	for i := range s.Tasks {
		if err := g.AddTask(&s.Tasks[i]); err != nil {
			return nil, err
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	if s.FirstFailure != "" {
		if _, ok := g.tasks[s.FirstFailure]; !ok {
			return nil, fmt.Errorf("snapshot references unknown failed task %q", s.FirstFailure)
		}
		g.firstFailure = s.FirstFailure
	}
	if !s.UpdatedAt.IsZero() {
		g.updatedAt = s.UpdatedAt
	}
	return g, nil
}

// fingerprintTask is the structural part of a task; runtime state is excluded.
type fingerprintTask struct {
	ID                 string
	Name               string
	Description        string
	DependsOn          []string
	Preference         Preference
	Priority           int
	AcceptanceCriteria []string
	VerifyCommands     []string
}

// Fingerprint hashes the graph's structure so a stored run can detect that
// its graph was altered before a restart.
func (g *TaskGraph) Fingerprint() (uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]fingerprintTask, 0, len(g.order))
	for _, id := range g.order {
		t := g.tasks[id]
		tasks = append(tasks, fingerprintTask{
			ID:                 t.ID,
			Name:               t.Name,
			Description:        t.Description,
			DependsOn:          t.DependsOn,
			Preference:         t.Preference,
			Priority:           t.Priority,
			AcceptanceCriteria: t.AcceptanceCriteria,
			VerifyCommands:     t.VerifyCommands,
		})
	}

	hash, err := hashstructure.Hash(tasks, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fingerprint graph: %w", err)
	}
	return hash, nil
}

package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/goalrunner/internal/backend"
)

// Edge is a dependency edge: From must complete before To may run.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskGraph is the dependency graph of tasks for one run.
// Mutations are expected from a single scheduling loop; the lock only keeps
// concurrent readers (status, progress, snapshots) consistent.
type TaskGraph struct {
	ID        string
	RunID     string
	CreatedAt time.Time

	mu           sync.RWMutex
	order        []string            // Insertion order, used to break priority ties
	tasks        map[string]*Task    // All tasks indexed by ID
	dependents   map[string][]string // Maps taskID -> list of tasks that depend on it
	firstFailure string
	updatedAt    time.Time
	now          func() time.Time
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph(id, runID string) *TaskGraph {
	now := time.Now()
	return &TaskGraph{
		ID:         id,
		RunID:      runID,
		CreatedAt:  now,
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		updatedAt:  now,
		now:        time.Now,
	}
}

// AddTask adds a task to the graph. Returns error if the ID is empty or already exists.
func (g *TaskGraph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.ID == "" {
		return &GraphValidationError{Reason: "task with empty ID"}
	}
	if _, exists := g.tasks[task.ID]; exists {
		return &GraphValidationError{Reason: fmt.Sprintf("task with ID %q already exists", task.ID)}
	}

	t := cloneTask(task)
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Preference == "" {
		t.Preference = PreferAny
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)

	// Build dependents map for efficient downstream lookup
	for _, depID := range t.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}

	return nil
}

// Validate checks for dangling and self dependencies, then runs a topological
// sort. Returns task IDs in dependency order or a *GraphValidationError.
func (g *TaskGraph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			if depID == id {
				return nil, &GraphValidationError{Reason: "task depends on itself", TaskIDs: []string{id, id}}
			}
			if _, exists := g.tasks[depID]; !exists {
				return nil, &GraphValidationError{
					Reason:  fmt.Sprintf("task %q depends on non-existent task %q", id, depID),
					TaskIDs: []string{id, depID},
				}
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range g.order {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &GraphValidationError{Reason: "dependency cycle", TaskIDs: g.findCycle(), Err: err}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, &GraphValidationError{Reason: fmt.Sprintf("topological sort kept %d of %d tasks", len(order), len(g.tasks))}
	}

	return order, nil
}

// findCycle returns one dependency cycle as a path whose first and last IDs match.
// Callers must hold the read lock.
func (g *TaskGraph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, depID := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[depID]; !ok {
				continue
			}
			switch state[depID] {
			case visiting:
				for i, s := range stack {
					if s == depID {
						cycle = append(append([]string(nil), stack[i:]...), depID)
						return true
					}
				}
			case unvisited:
				if visit(depID) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range g.order {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// ComputeReady promotes every pending task whose dependencies have all
// completed to ready, and returns all ready tasks ordered by priority
// (highest first) and then by graph order.
func (g *TaskGraph) ComputeReady() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*Task
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status == TaskPending && g.dependenciesCompleted(task) {
			task.Status = TaskReady
			g.touch()
		}
		if task.Status == TaskReady {
			ready = append(ready, cloneTask(task))
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

func (g *TaskGraph) dependenciesCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// MarkRunning moves a ready task to running on the given worker.
func (g *TaskGraph) MarkRunning(taskID, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != TaskReady {
		return fmt.Errorf("task %q is %s, not ready", taskID, task.Status)
	}

	task.Status = TaskRunning
	task.WorkerID = workerID
	task.StartedAt = g.now()
	g.touch()
	return nil
}

// ApplyOutcome records the report of a running task. On failure every
// transitive dependent that has not started is cancelled; tasks on unrelated
// branches are left alone. Returns the IDs of cancelled tasks.
func (g *TaskGraph) ApplyOutcome(taskID string, report backend.WorkReport) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != TaskRunning {
		return nil, fmt.Errorf("task %q is %s, not running", taskID, task.Status)
	}

	task.CompletedAt = g.now()
	task.Summary = report.Summary
	g.touch()

	if report.Succeeded() {
		task.Status = TaskCompleted
		task.Error = ""
		return nil, nil
	}

	task.Status = TaskFailed
	task.Error = report.ErrorMessage()
	if task.Error == "" {
		task.Error = fmt.Sprintf("task finished with status %s", report.Status)
	}
	if g.firstFailure == "" {
		g.firstFailure = taskID
	}

	return g.cancelDependents(taskID), nil
}

// FailReady fails a ready task that will never be dispatched and cancels its
// dependents.
func (g *TaskGraph) FailReady(taskID string, report backend.WorkReport) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != TaskReady {
		return nil, fmt.Errorf("task %q is %s, not ready", taskID, task.Status)
	}

	task.Status = TaskFailed
	task.CompletedAt = g.now()
	task.Error = report.ErrorMessage()
	if g.firstFailure == "" {
		g.firstFailure = taskID
	}
	g.touch()
	return g.cancelDependents(taskID), nil
}

// cancelDependents cancels the not-yet-started downstream closure of taskID.
// Callers must hold the write lock.
func (g *TaskGraph) cancelDependents(taskID string) []string {
	var cancelled []string
	queue := []string{taskID}
	seen := map[string]bool{taskID: true}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range g.dependents[id] {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			dep := g.tasks[depID]
			if dep.Status == TaskPending || dep.Status == TaskReady {
				dep.Status = TaskCancelled
				dep.Error = fmt.Sprintf("dependency %q failed", taskID)
				cancelled = append(cancelled, depID)
			}
			queue = append(queue, depID)
		}
	}
	return cancelled
}

// CancelRemaining cancels every task that has not started. Returns their IDs.
func (g *TaskGraph) CancelRemaining(reason string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cancelled []string
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status == TaskPending || task.Status == TaskReady {
			task.Status = TaskCancelled
			task.Error = reason
			cancelled = append(cancelled, id)
		}
	}
	if len(cancelled) > 0 {
		g.touch()
	}
	return cancelled
}

// Done reports whether no task is pending, ready or running.
func (g *TaskGraph) Done() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, task := range g.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Outcome summarizes how the graph finished.
type Outcome struct {
	Status     TaskStatus // TaskCompleted, TaskFailed or TaskCancelled
	FailedTask string     // First task to fail, if any
	Error      string     // Error of FailedTask
}

// Outcome returns completed iff every task completed; otherwise failed with
// the first failure's error, or cancelled when nothing failed.
func (g *TaskGraph) Outcome() Outcome {
	g.mu.RLock()
	defer g.mu.RUnlock()

	allCompleted := true
	for _, task := range g.tasks {
		if task.Status != TaskCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		return Outcome{Status: TaskCompleted}
	}
	if g.firstFailure != "" {
		return Outcome{Status: TaskFailed, FailedTask: g.firstFailure, Error: g.tasks[g.firstFailure].Error}
	}
	return Outcome{Status: TaskCancelled}
}

// Get returns task by ID.
func (g *TaskGraph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in graph order.
func (g *TaskGraph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Edges returns all dependency edges in graph order.
func (g *TaskGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []Edge
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			edges = append(edges, Edge{From: depID, To: id})
		}
	}
	return edges
}

// UpdatedAt returns the time of the last status change.
func (g *TaskGraph) UpdatedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.updatedAt
}

// ResetForRestart returns every task that did not complete to pending so the
// graph can be scheduled again. Completed work is kept. Returns the number of
// reset tasks.
func (g *TaskGraph) ResetForRestart() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	reset := 0
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status == TaskCompleted || task.Status == TaskPending {
			continue
		}
		task.Status = TaskPending
		task.WorkerID = ""
		task.StartedAt = time.Time{}
		task.CompletedAt = time.Time{}
		task.Summary = ""
		task.Error = ""
		reset++
	}
	g.firstFailure = ""
	g.touch()
	return reset
}

func (g *TaskGraph) touch() {
	g.updatedAt = g.now()
}

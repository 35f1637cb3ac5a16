package scheduler

// Progress is a read model of the graph's task counts.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Running    int `json:"running"`
	Ready      int `json:"ready"`
	Pending    int `json:"pending"`
	Cancelled  int `json:"cancelled"`
	Percentage int `json:"percentage"` // Completed tasks as a whole percent of Total
}

// Progress returns current task counts.
func (g *TaskGraph) Progress() Progress {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p := Progress{Total: len(g.tasks)}
	for _, task := range g.tasks {
		switch task.Status {
		case TaskCompleted:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskRunning:
			p.Running++
		case TaskReady:
			p.Ready++
		case TaskPending:
			p.Pending++
		case TaskCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		p.Percentage = p.Completed * 100 / p.Total
	}
	return p
}

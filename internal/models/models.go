package models

import "time"

// Lifecycle is the state of a logical terminal.
type Lifecycle string

const (
	LifecycleSpawning Lifecycle = "spawning"
	LifecycleRunning  Lifecycle = "running"
	LifecycleDetached Lifecycle = "detached"
	LifecycleClosed   Lifecycle = "closed"
)

// Dimensions are the last cols/rows successfully applied to a backing
// session.
type Dimensions struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Terminal is the stable identity a viewer holds, independent of any one
// connection. The backing session name addresses the tmux session that
// persists across detach/reattach.
type Terminal struct {
	ID          string     `json:"id"`
	BackingName string     `json:"backing_name"`
	State       Lifecycle  `json:"state"`
	Dimensions  Dimensions `json:"dimensions"`
	WorkingDir  string     `json:"working_dir,omitempty"`
	Command     string     `json:"command,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// HealthResponse is the /api/health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	TmuxVersion string `json:"tmux_version"`
	Terminals   int    `json:"terminals"`
}

package mux

import (
	"context"
	"os/exec"
)

// Runner executes external commands. The adapter drives tmux exclusively
// through this so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

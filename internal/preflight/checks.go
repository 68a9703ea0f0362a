package preflight

import (
	"fmt"
	"os/exec"
	"strings"
)

// CheckTmux verifies tmux is installed and reports its version string.
// Everything else this server does sits on top of tmux; there is no
// fallback.
func CheckTmux() (version string, ok bool) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		fmt.Println("⚠ tmux is not installed. Please install tmux and try again.")
		return "", false
	}

	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		fmt.Printf("⚠ tmux found at %s but 'tmux -V' failed: %v\n", path, err)
		return "", false
	}

	version = strings.TrimSpace(string(out))
	fmt.Printf("✓ %s found (%s)\n", version, path)
	return version, true
}

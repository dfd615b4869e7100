package orphans_test

import (
	"os/exec"
	"testing"
)

// spawnSleeper starts a real child process so Descendants has something
// genuine to find in procfs, rather than asserting against /proc
// entries the test can't control.
func spawnSleeper(t *testing.T) (pid int, kill func()) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	return cmd.Process.Pid, func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

//go:build windows

package agentloop

import (
	"os"
	"os/exec"
)

func shellCommand() (string, string) {
	if comspec := os.Getenv("ComSpec"); comspec != "" {
		return comspec, "/c"
	}
	return "cmd.exe", "/c"
}

// Windows has no process groups in the POSIX sense.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

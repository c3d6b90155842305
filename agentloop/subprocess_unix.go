//go:build unix

package agentloop

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// shellCommand prefers $SHELL when it is a POSIX-style shell.
func shellCommand() (string, string) {
	if sh := os.Getenv("SHELL"); sh != "" {
		switch filepath.Base(sh) {
		case "bash", "zsh", "sh":
			if _, err := os.Stat(sh); err == nil {
				return sh, "-c"
			}
		}
	}
	for _, candidate := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, "-c"
		}
	}
	return "sh", "-c"
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the command's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// MaxStreamBytes caps each of stdout and stderr for one command.
	MaxStreamBytes = 10 << 20

	DefaultCommandTimeout = 60 * time.Second
	MaxCommandTimeout     = 10 * time.Minute

	// commandWaitDelay bounds how long Wait blocks on pipes still held by
	// orphaned children after the shell exits or is killed.
	commandWaitDelay = 2 * time.Second
)

// ExecRequest describes one shell command.
type ExecRequest struct {
	Command string
	Timeout time.Duration // 0 means DefaultCommandTimeout
	Dir     string
	Env     []string // nil inherits the current process environment
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	StdoutDropped int64         `json:"stdout_dropped,omitempty"`
	StderrDropped int64         `json:"stderr_dropped,omitempty"`
	ExitCode      int           `json:"exit_code"`
	TimedOut      bool          `json:"timed_out"`
	Cancelled     bool          `json:"cancelled"`
	Timeout       time.Duration `json:"timeout"`
	Duration      time.Duration `json:"duration"`
}

// Killed reports whether the command was terminated rather than exiting.
func (r *ExecResult) Killed() bool { return r.TimedOut || r.Cancelled }

// Report renders the result for the model: stdout, then stderr, then any
// hints about dropped output, termination, or a non-zero exit code.
func (r *ExecResult) Report() string {
	var sb strings.Builder
	sb.WriteString(r.Stdout)
	if r.Stderr != "" {
		if sb.Len() > 0 && !strings.HasSuffix(r.Stdout, "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString(r.Stderr)
	}
	if sb.Len() == 0 {
		sb.WriteString("(no output)")
	}

	var hints []string
	if r.StdoutDropped > 0 {
		hints = append(hints, fmt.Sprintf("[stdout truncated: %d bytes dropped]", r.StdoutDropped))
	}
	if r.StderrDropped > 0 {
		hints = append(hints, fmt.Sprintf("[stderr truncated: %d bytes dropped]", r.StderrDropped))
	}
	switch {
	case r.TimedOut:
		hints = append(hints, fmt.Sprintf("Error: command timed out after %s and was killed", formatSeconds(r.Timeout)))
	case r.Cancelled:
		hints = append(hints, "Error: command was cancelled and killed")
	case r.ExitCode != 0:
		hints = append(hints, fmt.Sprintf("Exit code: %d", r.ExitCode))
	}
	if len(hints) > 0 {
		out := strings.TrimRight(sb.String(), "\n")
		return out + "\n\n" + strings.Join(hints, "\n")
	}
	return sb.String()
}

func formatSeconds(d time.Duration) string {
	s := d.Seconds()
	if s == float64(int64(s)) {
		return fmt.Sprintf("%ds", int64(s))
	}
	return fmt.Sprintf("%.1fs", s)
}

// RunCommand runs req.Command in a shell and waits for it. On timeout or
// ctx cancellation the whole process group is killed. A returned error
// means the shell could not be started or waited on; command failures are
// reported in the result.
func RunCommand(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, userInputError("command is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, flag := shellCommand()
	cmd := exec.CommandContext(runCtx, shell, flag, req.Command)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = commandWaitDelay

	stdout := &cappedBuffer{limit: MaxStreamBytes}
	stderr := &cappedBuffer{limit: MaxStreamBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", shell, err)
	}
	waitErr := cmd.Wait()

	res := &ExecResult{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		StdoutDropped: stdout.dropped,
		StderrDropped: stderr.dropped,
		Timeout:       timeout,
		Duration:      time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
		res.ExitCode = -1
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case waitErr == nil:
	default:
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// Exited, but a background child kept the pipes open.
			res.ExitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("wait %s: %w", shell, waitErr)
		}
	}
	return res, nil
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.dropped += int64(len(p))
	case len(p) > room:
		b.buf.Write(p[:room])
		b.dropped += int64(len(p) - room)
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) Len() int { return b.buf.Len() }

func (b *cappedBuffer) String() string { return b.buf.String() }

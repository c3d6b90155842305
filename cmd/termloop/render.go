package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/termloop/agentloop"
	"github.com/martinemde/termloop/unifiedllm"
)

var (
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
)

const maxInputShow = 80

// renderer prints a turn as it streams: assistant text verbatim, one line
// per tool call, and warnings. The reducer keeps the assembled responses
// for the usage summary.
type renderer struct {
	out       io.Writer
	reducer   *agentloop.StreamReducer
	midLine   bool
	toolCalls int
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, reducer: agentloop.NewStreamReducer()}
}

func (r *renderer) Render(ev agentloop.AgentEvent) {
	r.reducer.Apply(ev)

	switch ev.Kind {
	case agentloop.EventStream:
		if ev.Stream == nil || ev.Stream.Type != unifiedllm.ContentBlockDelta || ev.Stream.Delta == nil {
			return
		}
		if text := ev.Stream.Delta.Text; text != "" {
			fmt.Fprint(r.out, text)
			r.midLine = !strings.HasSuffix(text, "\n")
		}
	case agentloop.EventToolExecutionStart:
		r.toolCalls++
		r.line(toolStyle.Render("▸ "+ev.ToolName) + " " + faintStyle.Render(summarizeInput(ev.Input)))
	case agentloop.EventToolExecutionEnd:
		dur := ev.Duration.Round(10 * time.Millisecond).String()
		if ev.IsError {
			r.line("  " + errorStyle.Render("✗ "+firstLine(ev.Result)) + " " + faintStyle.Render(dur))
			return
		}
		r.line("  " + okStyle.Render("✓") + " " + faintStyle.Render(dur))
	case agentloop.EventWarning:
		r.line(warnStyle.Render("warning: ") + ev.Message)
	case agentloop.EventTurnLimit:
		r.line(warnStyle.Render("stopped: ") + ev.Message)
	case agentloop.EventDone:
	}
}

// Finish terminates a partial line of assistant text.
func (r *renderer) Finish() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// Usage sums token usage over every completed response.
func (r *renderer) Usage() unifiedllm.Usage {
	var total unifiedllm.Usage
	for _, a := range r.reducer.Turns() {
		total = total.Add(a.Usage)
	}
	return total
}

func (r *renderer) ToolCalls() int { return r.toolCalls }

func (r *renderer) line(s string) {
	r.Finish()
	fmt.Fprintln(r.out, s)
}

func summarizeInput(input []byte) string {
	s := strings.Join(strings.Fields(string(input)), " ")
	if n := len([]rune(s)); n > maxInputShow {
		s = string([]rune(s)[:maxInputShow-1]) + "…"
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

package agentloop

import (
	"fmt"
	"strings"
)

// diffContextLines is the number of unchanged lines shown around a change.
const diffContextLines = 3

// DiffOp marks a line in a hunk.
type DiffOp byte

const (
	DiffContext DiffOp = ' '
	DiffRemove  DiffOp = '-'
	DiffAdd     DiffOp = '+'
)

// DiffLine is one line of a hunk body. Text keeps its line terminator, so
// a final line without one differs from the same line with one.
type DiffLine struct {
	Op   DiffOp
	Text string
}

// Hunk is a single contiguous change with surrounding context. Start
// fields are 1-indexed; a zero-length range starts at the line before it.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []DiffLine
}

// Header renders the "@@ -a,b +c,d @@" line.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// Empty reports whether the hunk describes no change.
func (h Hunk) Empty() bool {
	for _, l := range h.Lines {
		if l.Op != DiffContext {
			return false
		}
	}
	return true
}

// Apply replays the hunk against old and returns the new lines. It trusts
// the hunk's line ranges and does not verify context.
func (h Hunk) Apply(old []string) []string {
	start := h.OldStart - 1
	if h.OldLines == 0 {
		start = h.OldStart
	}
	out := append([]string(nil), old[:start]...)
	for _, l := range h.Lines {
		switch l.Op {
		case DiffContext, DiffAdd:
			out = append(out, l.Text)
		case DiffRemove:
		}
	}
	return append(out, old[start+h.OldLines:]...)
}

// ComputeHunk finds the single contiguous region where old and new differ
// and wraps it with up to three context lines on each side. It is only
// correct when the change really is contiguous, as it is for a single
// verified replacement.
func ComputeHunk(old, new []string) Hunk {
	first := 0
	for first < len(old) && first < len(new) && old[first] == new[first] {
		first++
	}
	oldEnd, newEnd := len(old), len(new)
	for oldEnd > first && newEnd > first && old[oldEnd-1] == new[newEnd-1] {
		oldEnd--
		newEnd--
	}

	ctxStart := max(first-diffContextLines, 0)
	trailing := min(diffContextLines, len(old)-oldEnd)

	h := Hunk{
		OldLines: oldEnd + trailing - ctxStart,
		NewLines: newEnd + trailing - ctxStart,
	}
	h.OldStart = rangeStart(ctxStart, h.OldLines)
	h.NewStart = rangeStart(ctxStart, h.NewLines)

	for _, l := range old[ctxStart:first] {
		h.Lines = append(h.Lines, DiffLine{Op: DiffContext, Text: l})
	}
	for _, l := range old[first:oldEnd] {
		h.Lines = append(h.Lines, DiffLine{Op: DiffRemove, Text: l})
	}
	for _, l := range new[first:newEnd] {
		h.Lines = append(h.Lines, DiffLine{Op: DiffAdd, Text: l})
	}
	for _, l := range old[oldEnd : oldEnd+trailing] {
		h.Lines = append(h.Lines, DiffLine{Op: DiffContext, Text: l})
	}
	return h
}

func rangeStart(offset, lines int) int {
	if lines == 0 {
		return offset
	}
	return offset + 1
}

// noNewlineMarker follows a hunk line that has no terminating newline.
const noNewlineMarker = "\\ No newline at end of file"

// splitLines splits text after each newline. A trailing newline does not
// start another line, so "a\nb\n" is two lines.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// UnifiedDiff renders the change from oldText to newText as a one-hunk
// unified diff. Identical inputs produce an empty string.
func UnifiedDiff(path, oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	h := ComputeHunk(splitLines(oldText), splitLines(newText))

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n%s\n", path, path, h.Header())
	for _, l := range h.Lines {
		sb.WriteByte(byte(l.Op))
		sb.WriteString(l.Text)
		if !strings.HasSuffix(l.Text, "\n") {
			sb.WriteString("\n" + noNewlineMarker + "\n")
		}
	}
	return sb.String()
}

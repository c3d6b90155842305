package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const defaultToolCharLimit = 30000

// DefaultToolCharLimits are the per-tool character budgets for model-facing
// output.
var DefaultToolCharLimits = map[string]int{
	"read_file":      50000,
	"shell":          30000,
	"grep":           20000,
	"glob":           20000,
	"list_directory": 20000,
	"edit_file":      10000,
	"todo_write":     5000,
	"write_file":     1000,
}

// DefaultTruncationModes are the per-tool truncation modes.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":      TruncateHeadTail,
	"shell":          TruncateHeadTail,
	"grep":           TruncateTail,
	"glob":           TruncateTail,
	"list_directory": TruncateTail,
	"edit_file":      TruncateTail,
	"todo_write":     TruncateTail,
	"write_file":     TruncateTail,
}

// DefaultToolLineLimits apply after character truncation.
var DefaultToolLineLimits = map[string]int{
	"shell":          256,
	"grep":           200,
	"glob":           500,
	"list_directory": 500,
}

// TruncateOutput applies character-based truncation to output. Cuts are
// moved to rune boundaries.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	switch mode {
	case TruncateTail:
		tail := output[runeStart(output, len(output)-maxChars):]
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output is available in the event stream.]\n\n", removed) + tail
	default:
		half := maxChars / 2
		head := output[:runeStart(output, half)]
		tail := output[runeStart(output, len(output)-half):]
		return head +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"The full output is available in the event stream. "+
				"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
			tail
	}
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies character truncation and then line truncation
// for toolName. Entries in charLimits and lineLimits override the defaults.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = defaultToolCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}

package agentloop

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// EditFile replaces the single occurrence of oldText in the file at path
// with newText and returns a unified diff of the change. Every failure is a
// *ToolError and leaves the file untouched.
func EditFile(env ExecutionEnvironment, path, oldText, newText string) (string, error) {
	if oldText == newText {
		return "", userInputError("old_string and new_string are identical; no change to make")
	}
	if oldText == "" {
		return "", userInputError("old_string must not be empty; use write_file to create a file")
	}

	content, err := env.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFoundError("file not found: %s", path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	switch n := strings.Count(content, oldText); n {
	case 0:
		trimmed := strings.TrimSpace(oldText)
		if trimmed != "" && trimmed != oldText && strings.Contains(content, trimmed) {
			return "", notFoundError("old_string not found verbatim in %s, but it matches after trimming leading/trailing whitespace; check the whitespace and indentation", path)
		}
		return "", notFoundError("old_string not found in %s", path)
	case 1:
	default:
		return "", userInputError("old_string is ambiguous: it occurs %d times in %s; include more surrounding context so it matches exactly once", n, path)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := env.WriteFile(path, updated); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return UnifiedDiff(path, content, updated), nil
}

package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

const defaultReadLineLimit = 2000

// CoreToolsConfig tunes the core tool set. Zero values select defaults.
type CoreToolsConfig struct {
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
	ReadLineLimit         int
}

func (c CoreToolsConfig) withDefaults() CoreToolsConfig {
	if c.DefaultCommandTimeout <= 0 {
		c.DefaultCommandTimeout = DefaultCommandTimeout
	}
	if c.MaxCommandTimeout <= 0 {
		c.MaxCommandTimeout = MaxCommandTimeout
	}
	if c.DefaultCommandTimeout > c.MaxCommandTimeout {
		c.DefaultCommandTimeout = c.MaxCommandTimeout
	}
	if c.ReadLineLimit <= 0 {
		c.ReadLineLimit = defaultReadLineLimit
	}
	return c
}

// CoreTools returns the built-in tools in advertisement order.
func CoreTools(cfg CoreToolsConfig) []RegisteredTool {
	cfg = cfg.withDefaults()
	return []RegisteredTool{
		readFileTool(cfg.ReadLineLimit),
		writeFileTool(),
		editFileTool(),
		shellTool(cfg.DefaultCommandTimeout, cfg.MaxCommandTimeout),
		grepTool(),
		globTool(),
		listDirectoryTool(),
		todoWriteTool(),
	}
}

// NewCoreToolRegistry builds a registry holding CoreTools(cfg) followed by
// any extra tools.
func NewCoreToolRegistry(cfg CoreToolsConfig, extra ...RegisteredTool) (*ToolRegistry, error) {
	return NewToolRegistry(append(CoreTools(cfg), extra...)...)
}

type schemaProps = map[string]any

func objectSchema(props schemaProps, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func readFileTool(lineLimit int) RegisteredTool {
	type args struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the filesystem. Returns line-numbered content.",
			Parameters: objectSchema(schemaProps{
				"file_path": prop("string", "Path to the file to read. Relative paths resolve against the working directory."),
				"offset":    map[string]any{"type": "integer", "minimum": 1, "description": "1-based line number to start reading from."},
				"limit":     map[string]any{"type": "integer", "minimum": 1, "description": fmt.Sprintf("Maximum number of lines to read. Default: %d.", lineLimit)},
			}, "file_path"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			content, err := tc.Env.ReadFile(a.FilePath)
			if err != nil {
				return "", fileError(a.FilePath, err)
			}
			if content == "" {
				return "(empty file)", nil
			}
			limit := a.Limit
			if limit <= 0 {
				limit = lineLimit
			}
			return numberLines(content, a.Offset, limit)
		},
	}
}

// numberLines formats lines [offset, offset+limit) as "N | text".
func numberLines(content string, offset, limit int) (string, error) {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", userInputError("offset %d is past the end of the file (%d lines)", offset, len(lines))
	}
	end := min(start+limit, len(lines))

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "[%d more lines; continue with offset=%d]\n", len(lines)-end, end+1)
	}
	return sb.String(), nil
}

func fileError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return notFoundError("file not found: %s", path)
	}
	return fmt.Errorf("%s: %w", path, err)
}

func writeFileTool() RegisteredTool {
	type args struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file and parent directories if needed and overwrites existing content.",
			Parameters: objectSchema(schemaProps{
				"file_path": prop("string", "Path to write to."),
				"content":   prop("string", "The full file content to write."),
			}, "file_path", "content"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			if err := tc.Env.WriteFile(a.FilePath, a.Content); err != nil {
				return "", fmt.Errorf("write %s: %w", a.FilePath, err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(a.Content), a.FilePath), nil
		},
	}
}

func editFileTool() RegisteredTool {
	type args struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name: "edit_file",
			Description: "Replace an exact string in a file. old_string must occur exactly once; include enough " +
				"surrounding lines to make it unique. Returns a unified diff of the change.",
			Parameters: objectSchema(schemaProps{
				"file_path":  prop("string", "Path to the file to edit."),
				"old_string": prop("string", "Exact text to find in the file, including whitespace."),
				"new_string": prop("string", "Replacement text."),
			}, "file_path", "old_string", "new_string"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			return EditFile(tc.Env, a.FilePath, a.OldString, a.NewString)
		},
	}
}

func shellTool(defaultTimeout, maxTimeout time.Duration) RegisteredTool {
	type args struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Description    string `json:"description"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name: "shell",
			Description: fmt.Sprintf("Execute a shell command in the working directory. Returns stdout then stderr. "+
				"Commands are killed after %s unless timeout_seconds is set (max %s).",
				formatSeconds(defaultTimeout), formatSeconds(maxTimeout)),
			Parameters: objectSchema(schemaProps{
				"command":         prop("string", "The command to run."),
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 1, "description": "Override the command timeout in seconds."},
				"description":     prop("string", "Short description of what this command does."),
			}, "command"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			timeout := defaultTimeout
			if a.TimeoutSeconds > 0 {
				timeout = min(time.Duration(a.TimeoutSeconds)*time.Second, maxTimeout)
			}
			res, err := tc.Env.ExecCommand(ctx, ExecRequest{Command: a.Command, Timeout: timeout})
			if err != nil {
				return "", err
			}
			report := res.Report()
			switch {
			case res.TimedOut:
				return report, limitError("command timed out after %s", formatSeconds(res.Timeout))
			case res.Cancelled:
				return report, errors.New("command was cancelled")
			}
			return report, nil
		},
	}
}

func grepTool() RegisteredTool {
	type args struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		Include         string `json:"include"`
		CaseInsensitive bool   `json:"case_insensitive"`
		MaxResults      int    `json:"max_results"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name: "grep",
			Description: "Search file contents with a regular expression (RE2 syntax). Returns matches grouped by file " +
				"with line and column numbers. Skips VCS, dependency, build and hidden directories.",
			Parameters: objectSchema(schemaProps{
				"pattern":          prop("string", "Regular expression to search for. Invalid expressions are searched literally."),
				"path":             prop("string", "Directory or file to search. Default: working directory."),
				"include":          prop("string", `Only search files matching this glob (e.g. "*.go" or "src/**/*.ts").`),
				"case_insensitive": prop("boolean", "Case insensitive search. Default: false."),
				"max_results":      map[string]any{"type": "integer", "minimum": 1, "description": fmt.Sprintf("Maximum number of matches. Default: %d.", DefaultSearchResultCap)},
			}, "pattern"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			report, err := tc.Env.Search(ctx, SearchOptions{
				Pattern:         a.Pattern,
				Root:            a.Path,
				Include:         a.Include,
				CaseInsensitive: a.CaseInsensitive,
				ResultCap:       a.MaxResults,
			})
			if err != nil {
				return "", err
			}
			return report.Format(), nil
		},
	}
}

func globTool() RegisteredTool {
	type args struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		MaxResults int    `json:"max_results"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name: "glob",
			Description: "Find files by name pattern. Returns paths sorted by modification time, newest first. " +
				"A pattern without a slash matches file names at any depth.",
			Parameters: objectSchema(schemaProps{
				"pattern":     prop("string", `Glob pattern (e.g. "*.ts" or "src/**/*_test.go").`),
				"path":        prop("string", "Base directory. Default: working directory."),
				"max_results": map[string]any{"type": "integer", "minimum": 1, "description": fmt.Sprintf("Maximum number of paths. Default: %d.", DefaultGlobResultCap)},
			}, "pattern"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			report, err := tc.Env.Glob(ctx, GlobOptions{Pattern: a.Pattern, Root: a.Path, ResultCap: a.MaxResults})
			if err != nil {
				return "", err
			}
			return report.Format(), nil
		},
	}
}

func listDirectoryTool() RegisteredTool {
	type args struct {
		Path string `json:"path"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        "list_directory",
			Description: "List the entries of a directory. Directories end with a slash; files show their size in bytes.",
			Parameters: objectSchema(schemaProps{
				"path": prop("string", "Directory to list. Default: working directory."),
			}),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			entries, err := tc.Env.ListDirectory(a.Path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return "", notFoundError("directory not found: %s", tc.Env.ResolvePath(a.Path))
				}
				return "", fmt.Errorf("list %s: %w", a.Path, err)
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return strings.TrimSuffix(sb.String(), "\n"), nil
		},
	}
}

func todoWriteTool() RegisteredTool {
	type args struct {
		Todos []TodoItem `json:"todos"`
	}
	return RegisteredTool{
		Definition: ToolDefinition{
			Name: "todo_write",
			Description: "Replace the task list for this session. Use it for multi-step work: keep exactly one item " +
				"in_progress and mark items completed as soon as they are done.",
			Parameters: objectSchema(schemaProps{
				"todos": map[string]any{
					"type":        "array",
					"description": "The complete updated todo list.",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"content":    map[string]any{"type": "string", "minLength": 1},
							"status":     map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
							"activeForm": map[string]any{"type": "string"},
						},
						"required": []string{"content", "status"},
					},
				},
			}, "todos"),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) (string, error) {
			if tc.Todos == nil {
				return "", userInputError("no todo list is attached to this session")
			}
			a, err := decodeArgs[args](raw)
			if err != nil {
				return "", err
			}
			if _, err := tc.Todos.Replace(a.Todos); err != nil {
				return "", err
			}
			return tc.Todos.Format(), nil
		},
	}
}

package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run. Paths may be
// relative to WorkingDirectory or start with "~".
type ExecutionEnvironment interface {
	ResolvePath(path string) string

	// File operations. ReadFile returns the raw content.
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	ListDirectory(path string) ([]DirEntry, error)

	ExecCommand(ctx context.Context, req ExecRequest) (*ExecResult, error)

	Search(ctx context.Context, opts SearchOptions) (*SearchReport, error)
	Glob(ctx context.Context, opts GlobOptions) (*GlobReport, error)

	Initialize() error
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment returns environ without credentials, followed by extra.
func filterEnvironment(environ []string, extra map[string]string) []string {
	filtered := make([]string, 0, len(environ)+len(extra))
	for _, env := range environ {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filtered = append(filtered, k+"="+extra[k])
	}
	return filtered
}

// LocalExecutionEnvironment runs tools on the local machine with the
// caller's permissions.
type LocalExecutionEnvironment struct {
	workingDir string
	homeDir    string
	extraEnv   map[string]string
	search     SearchOptions
	glob       GlobOptions
}

// LocalEnvOption configures a LocalExecutionEnvironment.
type LocalEnvOption func(*LocalExecutionEnvironment)

// WithCommandEnv adds variables to every command's environment.
func WithCommandEnv(vars map[string]string) LocalEnvOption {
	return func(e *LocalExecutionEnvironment) { e.extraEnv = vars }
}

// WithSearchDefaults sets the exclusions and caps used when a search or
// glob call leaves them unset.
func WithSearchDefaults(excludeDirs []string, searchScanCap, searchResultCap, globScanCap, globResultCap int) LocalEnvOption {
	return func(e *LocalExecutionEnvironment) {
		e.search = SearchOptions{ExcludeDirs: excludeDirs, ScanCap: searchScanCap, ResultCap: searchResultCap}
		e.glob = GlobOptions{ExcludeDirs: excludeDirs, ScanCap: globScanCap, ResultCap: globResultCap}
	}
}

// NewLocalExecutionEnvironment creates a local execution environment rooted
// at workingDir, or the process working directory when empty.
func NewLocalExecutionEnvironment(workingDir string, opts ...LocalEnvOption) *LocalExecutionEnvironment {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	e := &LocalExecutionEnvironment{workingDir: cwd, homeDir: home}
	for _, opt := range opts {
		opt(e)
	}
	if workingDir != "" {
		e.workingDir = e.ResolvePath(workingDir)
	}
	return e
}

func (e *LocalExecutionEnvironment) Initialize() error {
	return os.MkdirAll(e.workingDir, 0o755)
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalExecutionEnvironment) Platform() string { return runtime.GOOS }

func (e *LocalExecutionEnvironment) OSVersion() string { return runtime.GOOS + "/" + runtime.GOARCH }

// ResolvePath expands a leading "~" and makes relative paths absolute
// against the working directory.
func (e *LocalExecutionEnvironment) ResolvePath(path string) string {
	switch {
	case path == "~":
		path = e.homeDir
	case strings.HasPrefix(path, "~/"):
		path = filepath.Join(e.homeDir, path[2:])
	}
	if path == "" {
		return e.workingDir
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalExecutionEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.ResolvePath(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content, creating parent directories as needed.
func (e *LocalExecutionEnvironment) WriteFile(path string, content string) error {
	resolved := e.ResolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return writeFileAtomic(resolved, []byte(content))
}

// writeFileAtomic replaces path through a temp file in the same directory
// and a rename, so readers see either the old or the new content. An
// existing file keeps its permissions.
func writeFileAtomic(path string, data []byte) error {
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (e *LocalExecutionEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.ResolvePath(path))
	if err != nil {
		return nil, err
	}
	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	return result, nil
}

// ExecCommand runs req through RunCommand with the working directory and
// filtered environment filled in.
func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	req.Dir = e.ResolvePath(req.Dir)
	if req.Env == nil {
		req.Env = filterEnvironment(os.Environ(), e.extraEnv)
	}
	return RunCommand(ctx, req)
}

func (e *LocalExecutionEnvironment) Search(ctx context.Context, opts SearchOptions) (*SearchReport, error) {
	opts.Root = e.ResolvePath(opts.Root)
	opts.ExcludeDirs = append(append([]string(nil), e.search.ExcludeDirs...), opts.ExcludeDirs...)
	if opts.ScanCap == 0 {
		opts.ScanCap = e.search.ScanCap
	}
	if opts.ResultCap == 0 {
		opts.ResultCap = e.search.ResultCap
	}
	return Search(ctx, opts)
}

func (e *LocalExecutionEnvironment) Glob(ctx context.Context, opts GlobOptions) (*GlobReport, error) {
	opts.Root = e.ResolvePath(opts.Root)
	opts.ExcludeDirs = append(append([]string(nil), e.glob.ExcludeDirs...), opts.ExcludeDirs...)
	if opts.ScanCap == 0 {
		opts.ScanCap = e.glob.ScanCap
	}
	if opts.ResultCap == 0 {
		opts.ResultCap = e.glob.ResultCap
	}
	return Glob(ctx, opts)
}

package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir)

	assert.Equal(t, dir, env.WorkingDirectory())
	assert.Equal(t, dir, env.ResolvePath(""))
	assert.Equal(t, filepath.Join(dir, "a/b.go"), env.ResolvePath("a/b.go"))
	assert.Equal(t, filepath.Join(dir, "b.go"), env.ResolvePath("a/../b.go"))
	assert.Equal(t, home, env.ResolvePath("~"))
	assert.Equal(t, filepath.Join(home, ".config"), env.ResolvePath("~/.config"))
	assert.Equal(t, filepath.Clean("/etc/hosts"), env.ResolvePath("/etc/../etc/hosts"))
}

func TestNewLocalExecutionEnvironmentRelativeDir(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	env := NewLocalExecutionEnvironment("sub")
	assert.Equal(t, filepath.Join(cwd, "sub"), env.WorkingDirectory())
	assert.Equal(t, cwd, NewLocalExecutionEnvironment("").WorkingDirectory())
}

func TestLocalEnvironmentFileOps(t *testing.T) {
	env, dir := newTestEnv(t)

	require.NoError(t, env.WriteFile("deep/nested/f.txt", "hello"))
	content, err := env.ReadFile(filepath.Join(dir, "deep/nested/f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	entries, err := env.ListDirectory("deep/nested")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "f.txt", Size: 5}}, entries)

	_, err = env.ReadFile("missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteFileReplacesWholeFile(t *testing.T) {
	env, dir := newTestEnv(t)
	target := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\necho old\n"), 0o755))

	require.NoError(t, env.WriteFile("run.sh", "#!/bin/sh\necho new\n"))
	content, err := env.ReadFile("run.sh")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho new\n", content)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}

	// A failed replace leaves no temp file behind.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "taken"), 0o755))
	assert.Error(t, env.WriteFile("taken", "x"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"run.sh", "taken"}, names)
}

func TestLocalEnvironmentSearchDefaults(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalExecutionEnvironment(dir, WithSearchDefaults([]string{"generated"}, 0, 1, 0, 1))
	writeTestFile(t, dir, "generated/a.go", "needle\n")
	writeTestFile(t, dir, "src/b.go", "needle\nneedle\n")

	report, err := env.Search(context.Background(), SearchOptions{Pattern: "needle"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ResultCap)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "src/b.go", report.Results[0].File)
	assert.True(t, report.ResultCapHit)

	globs, err := env.Glob(context.Background(), GlobOptions{Pattern: "*.go", ResultCap: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/b.go"}, globPaths(globs))
}

func TestLocalEnvironmentCommandEnv(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs a POSIX shell")
	}
	env := NewLocalExecutionEnvironment(t.TempDir(), WithCommandEnv(map[string]string{"TERMLOOP_MARKER": "set"}))

	res, err := env.ExecCommand(context.Background(), ExecRequest{Command: "echo $TERMLOOP_MARKER"})
	require.NoError(t, err)
	assert.Equal(t, "set\n", res.Stdout)
}

package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxProjectDocBytes = 32 * 1024
	projectDocsCutNote = "[Project instructions truncated at 32KB]"

	gitQueryTimeout = 5 * time.Second
	recentCommits   = 10
)

// repoSnapshot is what the system prompt reports about the git checkout
// containing the working directory. The zero value means "not a repo".
type repoSnapshot struct {
	root    string
	branch  string
	dirty   int
	commits string
}

func snapshotRepo(dir string) repoSnapshot {
	root := gitOutput(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		return repoSnapshot{}
	}
	s := repoSnapshot{
		root:    root,
		branch:  gitOutput(root, "rev-parse", "--abbrev-ref", "HEAD"),
		commits: gitOutput(root, "log", "--oneline", fmt.Sprintf("-%d", recentCommits)),
	}
	if status := gitOutput(root, "status", "--porcelain"); status != "" {
		s.dirty = strings.Count(status, "\n") + 1
	}
	return s
}

// environmentBlock renders the <environment> section of the system prompt.
func environmentBlock(env ExecutionEnvironment, model string, repo repoSnapshot) string {
	lines := []string{
		"Working directory: " + env.WorkingDirectory(),
		fmt.Sprintf("Is git repository: %v", repo.root != ""),
	}
	if repo.branch != "" {
		lines = append(lines, "Git branch: "+repo.branch)
	}
	lines = append(lines,
		"Platform: "+env.Platform(),
		"OS version: "+env.OSVersion(),
		"Today's date: "+time.Now().Format(time.DateOnly),
	)
	if model != "" {
		lines = append(lines, "Model: "+model)
	}
	return "<environment>\n" + strings.Join(lines, "\n") + "\n</environment>"
}

// gitBlock summarizes branch, dirty file count and recent commits. It is
// empty outside a repository.
func gitBlock(repo repoSnapshot) string {
	if repo.root == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if repo.branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", repo.branch)
	}
	if repo.dirty > 0 {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", repo.dirty)
	}
	if repo.commits != "" {
		fmt.Fprintf(&sb, "Recent commits:\n%s\n", repo.commits)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// projectDocNames lists the instruction files read for a provider, in
// order. AGENTS.md applies to every provider.
func projectDocNames(provider string) []string {
	switch provider {
	case "anthropic":
		return []string{"AGENTS.md", "CLAUDE.md"}
	case "openai":
		return []string{"AGENTS.md", ".codex/instructions.md"}
	}
	return []string{"AGENTS.md"}
}

// DiscoverProjectDocs concatenates the instruction files found in each
// directory from the repository root (or workingDir outside a repository)
// down to workingDir. Outer directories come first. The total is capped at
// 32KB.
func DiscoverProjectDocs(workingDir string, provider string) string {
	root := gitOutput(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = workingDir
	}

	var docs []string
	budget := maxProjectDocBytes
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range projectDocNames(provider) {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if budget <= 0 {
				return strings.Join(append(docs, projectDocsCutNote), "\n\n---\n\n")
			}
			text := string(data)
			if len(text) > budget {
				text = text[:runeStart(text, budget)] + "\n" + projectDocsCutNote
			}
			budget -= len(data)
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns root followed by each directory down to
// target. A target outside root yields only root.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, filepath.Clean(target))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return []string{root}
	}
	dirs := []string{root}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dirs = append(dirs, filepath.Join(dirs[len(dirs)-1], part))
	}
	return dirs
}

// gitOutput runs git in dir and returns its trimmed stdout, or "" when git
// is missing or fails.
func gitOutput(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), gitQueryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

package agentloop

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

// DefaultExcludedDirs are directory names never descended into by the
// search and glob engines.
var DefaultExcludedDirs = []string{
	".git", ".hg", ".svn",
	"node_modules", "vendor",
	"dist", "build", "target", "out",
	"__pycache__", ".venv", "venv", ".tox",
	".next", ".nuxt",
	"coverage", ".cache", ".gradle", ".idea",
}

var errStopWalk = errors.New("stop walk")

// walkOptions is the traversal policy shared by Search and Glob. The zero
// value skips hidden entries and honors every .gitignore from the root
// down. Each file's patterns apply relative to its own directory.
type walkOptions struct {
	Root          string
	ExcludeDirs   []string
	IncludeHidden bool
	NoGitignore   bool
	ScanCap       int
}

// walkFunc receives each admitted regular file. rel is slash-separated and
// relative to the walk root. Returning true stops the walk.
type walkFunc func(rel, abs string, d fs.DirEntry) (bool, error)

// walkTree visits regular files under opts.Root in lexical order. It
// returns the number of files visited and whether the scan cap stopped it.
// Unreadable subdirectories are skipped.
func walkTree(ctx context.Context, opts walkOptions, visit walkFunc) (scanned int, capHit bool, err error) {
	excluded := make(map[string]bool, len(DefaultExcludedDirs)+len(opts.ExcludeDirs))
	for _, name := range DefaultExcludedDirs {
		excluded[name] = true
	}
	for _, name := range opts.ExcludeDirs {
		excluded[strings.Trim(name, "/")] = true
	}

	ignores := gitignores{}
	if !opts.NoGitignore {
		ignores.load("", opts.Root)
	}

	err = filepath.WalkDir(opts.Root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == opts.Root {
				return walkErr
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var rel string
		if p == opts.Root {
			if d.IsDir() {
				return nil
			}
			rel = d.Name()
		} else {
			r, err := filepath.Rel(opts.Root, p)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(r)
		}

		name := d.Name()
		if d.IsDir() {
			if excluded[name] || (!opts.IncludeHidden && isHidden(name)) || ignores.ignored(rel, true) {
				return fs.SkipDir
			}
			if !opts.NoGitignore {
				ignores.load(rel, p)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !opts.IncludeHidden && isHidden(name) {
			return nil
		}
		if ignores.ignored(rel, false) {
			return nil
		}

		if opts.ScanCap > 0 && scanned >= opts.ScanCap {
			capHit = true
			return errStopWalk
		}
		scanned++

		stop, err := visit(rel, p, d)
		if err != nil {
			return err
		}
		if stop {
			return errStopWalk
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		err = nil
	}
	return scanned, capHit, err
}

// gitignores holds the compiled .gitignore of each visited directory, keyed
// by slash-separated path relative to the walk root ("" for the root).
type gitignores map[string]*ignore.GitIgnore

func (g gitignores) load(rel, dir string) {
	if compiled, err := ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore")); err == nil {
		g[rel] = compiled
	}
}

// ignored checks rel against the .gitignore of every ancestor directory.
func (g gitignores) ignored(rel string, isDir bool) bool {
	if len(g) == 0 {
		return false
	}
	dir := path.Dir(rel)
	for {
		if dir == "." {
			dir = ""
		}
		if gi, ok := g[dir]; ok {
			sub := rel
			if dir != "" {
				sub = strings.TrimPrefix(rel, dir+"/")
			}
			if isDir {
				sub += "/"
			}
			if gi.MatchesPath(sub) {
				return true
			}
		}
		if dir == "" {
			return false
		}
		dir = path.Dir(dir)
	}
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.' && name != ".."
}

// matchPattern matches a doublestar pattern against a slash-separated
// relative path. A pattern without a slash matches the base name at any
// depth.
func matchPattern(pattern, rel string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	target := rel
	if !strings.Contains(pattern, "/") {
		target = path.Base(rel)
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

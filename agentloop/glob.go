package agentloop

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	DefaultGlobScanCap   = 20000
	DefaultGlobResultCap = 100
)

// GlobOptions configures a file name search.
type GlobOptions struct {
	Pattern       string
	Root          string
	ExcludeDirs   []string
	IncludeHidden bool
	NoGitignore   bool
	ScanCap       int // 0 means DefaultGlobScanCap
	ResultCap     int // 0 means DefaultGlobResultCap
}

// GlobResult is one matching file.
type GlobResult struct {
	Path        string    `json:"path"`
	ModTime     time.Time `json:"mod_time"`
	MtimeMillis int64     `json:"mtime_millis"`
}

// GlobReport is the outcome of Glob. Results are newest first; equal
// modification times are ordered by path.
type GlobReport struct {
	Pattern      string       `json:"pattern"`
	Results      []GlobResult `json:"results"`
	Total        int          `json:"total"`
	FilesScanned int          `json:"files_scanned"`
	ScanCap      int          `json:"scan_cap"`
	ResultCap    int          `json:"result_cap"`
	ScanCapHit   bool         `json:"scan_cap_hit"`
	ResultCapHit bool         `json:"result_cap_hit"`
}

// Hidden is the number of matches dropped by the result cap.
func (r *GlobReport) Hidden() int { return r.Total - len(r.Results) }

// Glob walks opts.Root and returns files whose relative path matches
// opts.Pattern. Directories are traversed but never returned.
func Glob(ctx context.Context, opts GlobOptions) (*GlobReport, error) {
	pattern := strings.TrimPrefix(opts.Pattern, "./")
	if pattern == "" {
		return nil, userInputError("pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, userInputError("invalid glob pattern %q", opts.Pattern)
	}
	if _, err := os.Stat(opts.Root); err != nil {
		return nil, notFoundError("path not found: %s", opts.Root)
	}
	if opts.ScanCap <= 0 {
		opts.ScanCap = DefaultGlobScanCap
	}
	if opts.ResultCap <= 0 {
		opts.ResultCap = DefaultGlobResultCap
	}

	var matches []GlobResult
	walk := walkOptions{
		Root:          opts.Root,
		ExcludeDirs:   opts.ExcludeDirs,
		IncludeHidden: opts.IncludeHidden,
		NoGitignore:   opts.NoGitignore,
		ScanCap:       opts.ScanCap,
	}
	scanned, capHit, err := walkTree(ctx, walk, func(rel, _ string, d fs.DirEntry) (bool, error) {
		if !matchPattern(pattern, rel) {
			return false, nil
		}
		info, err := d.Info()
		if err != nil {
			return false, nil
		}
		matches = append(matches, GlobResult{
			Path:        rel,
			ModTime:     info.ModTime(),
			MtimeMillis: info.ModTime().UnixMilli(),
		})
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", opts.Root, err)
	}

	slices.SortFunc(matches, func(a, b GlobResult) int {
		if c := cmp.Compare(b.MtimeMillis, a.MtimeMillis); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	report := &GlobReport{
		Pattern:      opts.Pattern,
		Total:        len(matches),
		FilesScanned: scanned,
		ScanCap:      opts.ScanCap,
		ResultCap:    opts.ResultCap,
		ScanCapHit:   capHit,
	}
	if len(matches) > opts.ResultCap {
		matches = matches[:opts.ResultCap]
		report.ResultCapHit = true
	}
	report.Results = matches
	return report, nil
}

// Format renders the matching paths, one per line, with limit notes.
func (r *GlobReport) Format() string {
	var sb strings.Builder
	if len(r.Results) == 0 {
		sb.WriteString("No files matched the pattern.")
	}
	for i, res := range r.Results {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(res.Path)
	}
	if r.ResultCapHit {
		fmt.Fprintf(&sb, "\n\n[result cap hit: showing %d of %d matches; %d more hidden. Narrow the pattern to see them]", len(r.Results), r.Total, r.Hidden())
	}
	if r.ScanCapHit {
		fmt.Fprintf(&sb, "\n\n[scan cap hit: stopped after %d files; some files were not checked]", r.ScanCap)
	}
	return sb.String()
}

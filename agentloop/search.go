package agentloop

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	DefaultSearchScanCap   = 5000
	DefaultSearchResultCap = 100

	maxSearchFileBytes = 5 << 20
	maxSnippetRunes    = 200
)

// binaryExtensions are skipped by Search without being opened.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true, ".webp": true,
	".pdf": true, ".zip": true, ".gz": true, ".tgz": true, ".tar": true, ".bz2": true, ".xz": true,
	".7z": true, ".rar": true, ".jar": true, ".war": true, ".class": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".o": true, ".a": true, ".bin": true, ".wasm": true,
	".pyc": true, ".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".wav": true, ".flac": true,
	".sqlite": true, ".db": true,
}

// SearchOptions configures a content search.
type SearchOptions struct {
	Pattern         string
	Root            string
	Include         string // doublestar glob applied to the relative path
	CaseInsensitive bool
	ExcludeDirs     []string
	IncludeHidden   bool
	NoGitignore     bool
	ScanCap         int // 0 means DefaultSearchScanCap
	ResultCap       int // 0 means DefaultSearchResultCap
}

// SearchResult is one matching line. Line and Column are 1-indexed; Column
// counts runes.
type SearchResult struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Snippet string `json:"snippet"`
}

// SearchReport is the outcome of Search. Results are ordered by first-seen
// file, then by line.
type SearchReport struct {
	Pattern      string         `json:"pattern"`
	Literal      bool           `json:"literal"`
	Results      []SearchResult `json:"results"`
	FilesScanned int            `json:"files_scanned"`
	ScanCap      int            `json:"scan_cap"`
	ResultCap    int            `json:"result_cap"`
	ScanCapHit   bool           `json:"scan_cap_hit"`
	ResultCapHit bool           `json:"result_cap_hit"`
}

// Search walks opts.Root and reports lines matching opts.Pattern. A pattern
// that does not compile as a regular expression is searched literally.
func Search(ctx context.Context, opts SearchOptions) (*SearchReport, error) {
	if opts.Pattern == "" {
		return nil, userInputError("pattern is required")
	}
	if opts.Include != "" && !doublestar.ValidatePattern(opts.Include) {
		return nil, userInputError("invalid include pattern %q", opts.Include)
	}
	if _, err := os.Stat(opts.Root); err != nil {
		return nil, notFoundError("path not found: %s", opts.Root)
	}
	if opts.ScanCap <= 0 {
		opts.ScanCap = DefaultSearchScanCap
	}
	if opts.ResultCap <= 0 {
		opts.ResultCap = DefaultSearchResultCap
	}

	re, literal := compileSearchPattern(opts.Pattern, opts.CaseInsensitive)
	report := &SearchReport{
		Pattern:   opts.Pattern,
		Literal:   literal,
		ScanCap:   opts.ScanCap,
		ResultCap: opts.ResultCap,
	}

	walk := walkOptions{
		Root:          opts.Root,
		ExcludeDirs:   opts.ExcludeDirs,
		IncludeHidden: opts.IncludeHidden,
		NoGitignore:   opts.NoGitignore,
		ScanCap:       opts.ScanCap,
	}
	scanned, capHit, err := walkTree(ctx, walk, func(rel, abs string, d fs.DirEntry) (bool, error) {
		if opts.Include != "" && !matchPattern(opts.Include, rel) {
			return false, nil
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(rel))] {
			return false, nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchFileBytes {
			return false, nil
		}
		return searchFile(abs, rel, re, report), nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", opts.Root, err)
	}
	report.FilesScanned = scanned
	report.ScanCapHit = capHit
	return report, nil
}

func compileSearchPattern(pattern string, caseInsensitive bool) (*regexp.Regexp, bool) {
	prefix := ""
	if caseInsensitive {
		prefix = "(?i)"
	}
	if re, err := regexp.Compile(prefix + pattern); err == nil {
		return re, false
	}
	return regexp.MustCompile(prefix + regexp.QuoteMeta(pattern)), true
}

// searchFile appends matches from one file and reports whether the result
// cap has been exceeded.
func searchFile(abs, rel string, re *regexp.Regexp, report *SearchReport) bool {
	data, err := os.ReadFile(abs)
	if err != nil {
		return false
	}
	if bytes.IndexByte(data[:min(len(data), 512)], 0) >= 0 {
		return false
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		loc := re.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if len(report.Results) >= report.ResultCap {
			report.ResultCapHit = true
			return true
		}
		report.Results = append(report.Results, SearchResult{
			File:    rel,
			Line:    lineNo,
			Column:  utf8.RuneCountInString(line[:loc[0]]) + 1,
			Snippet: snippet(line),
		})
	}
	return false
}

func snippet(line string) string {
	s := strings.TrimSpace(line)
	if utf8.RuneCountInString(s) <= maxSnippetRunes {
		return s
	}
	return string([]rune(s)[:maxSnippetRunes]) + "…"
}

// Format renders the report grouped by file for the model.
func (r *SearchReport) Format() string {
	var sb strings.Builder
	if len(r.Results) == 0 {
		sb.WriteString("No matches found.")
	}
	current := ""
	for _, res := range r.Results {
		if res.File != current {
			if current != "" {
				sb.WriteByte('\n')
			}
			current = res.File
			sb.WriteString(res.File)
			sb.WriteString(":\n")
		}
		fmt.Fprintf(&sb, "  %d:%d: %s\n", res.Line, res.Column, res.Snippet)
	}

	var notes []string
	if r.Literal {
		notes = append(notes, fmt.Sprintf("[pattern %q is not a valid regular expression; searched for it literally]", r.Pattern))
	}
	if r.ResultCapHit {
		notes = append(notes, fmt.Sprintf("[result cap hit: showing the first %d matches; narrow the pattern or path]", r.ResultCap))
	}
	if r.ScanCapHit {
		notes = append(notes, fmt.Sprintf("[scan cap hit: stopped after %d files; some files were not searched]", r.ScanCap))
	}
	if len(notes) == 0 {
		return strings.TrimRight(sb.String(), "\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n\n" + strings.Join(notes, "\n")
}

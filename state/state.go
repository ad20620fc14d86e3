// Package state reads the filesystem state of a project under
// construction: a deterministic directory snapshot and on-demand file
// content loading, both used to seed LLM context for planning and worker
// dispatch.
package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// MaxEntries is the cap on paths returned by Snapshot before truncation.
	MaxEntries = 500

	// TruncationSentinel is appended to a truncated path list.
	TruncationSentinel = "... (truncated, additional entries omitted)"

	// DefaultMaxChars is the default per-file content cap for ReadContents.
	DefaultMaxChars = 30000

	truncationMarker = "\n... (truncated)"
)

// skipDirGlobs match directory names that are never walked into, regardless
// of depth, expressed as doublestar globs. The set is fixed in code; no
// config field extends it.
var skipDirGlobs = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/.venv/**",
	"**/venv/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/.next/**",
	"**/.svelte-kit/**",
	"**/vendor/**",
	"**/.idea/**",
	"**/.vscode/**",
	"**/coverage/**",
	"**/.terraform/**",
	"**/.codesynth/**",
}

// binaryExtGlobs match file extensions whose content is never inlined by
// ReadContents.
var binaryExtGlobs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.ico", "*.bmp", "*.webp",
	"*.zip", "*.tar", "*.gz", "*.tgz", "*.rar", "*.7z",
	"*.exe", "*.dll", "*.so", "*.dylib", "*.o", "*.a", "*.class", "*.wasm",
	"*.mp3", "*.mp4", "*.mov", "*.avi", "*.wav", "*.ogg",
	"*.pdf", "*.doc", "*.docx", "*.xls", "*.xlsx", "*.ppt", "*.pptx",
	"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot",
}

// ProjectState is a point-in-time directory snapshot.
type ProjectState struct {
	Paths     []string
	Truncated bool
	Contents  map[string]string
}

// Reader snapshots a project directory and loads file content on demand.
type Reader struct {
	root   string
	logger *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// NewReader constructs a Reader rooted at dir.
func NewReader(dir string, opts ...Option) *Reader {
	r := &Reader{root: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot recursively walks the reader's root directory and returns a
// deterministically sorted ProjectState. A missing root is created and
// treated as empty; unreadable entries are logged and skipped.
func (r *Reader) Snapshot() (ProjectState, error) {
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(r.root, 0o755); mkErr != nil {
			return ProjectState{}, mkErr
		}
		return ProjectState{Paths: []string{}}, nil
	}

	var paths []string
	err := filepath.WalkDir(r.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("state: skipping unreadable entry", "path", p, "error", err)
			return nil
		}
		rel, relErr := filepath.Rel(r.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if isDotfile(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if matchesAny(skipDirGlobs, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAny(skipDirGlobs, rel) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return ProjectState{}, err
	}

	sort.Strings(paths)

	truncated := false
	if len(paths) > MaxEntries {
		paths = append(paths[:MaxEntries], TruncationSentinel)
		truncated = true
	}

	return ProjectState{Paths: paths, Truncated: truncated}, nil
}

// ReadContents loads the content of each named path relative to the
// reader's root, capped at maxChars per file. A maxChars of 0 uses
// DefaultMaxChars. Binary files are represented by a size placeholder
// rather than inlined. Missing or unreadable files are logged and omitted
// from the result rather than treated as fatal.
func (r *Reader) ReadContents(paths []string, maxChars int) map[string]string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		if !safeRelative(p) {
			r.logger.Warn("state: refusing unsafe path", "path", p)
			continue
		}
		full := filepath.Join(r.root, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if err != nil {
			r.logger.Warn("state: unreadable file", "path", p, "error", err)
			continue
		}
		if matchesAny(binaryExtGlobs, p) {
			out[p] = placeholderFor(info.Size())
			continue
		}
		raw, err := os.ReadFile(full)
		if err != nil {
			r.logger.Warn("state: unreadable file", "path", p, "error", err)
			continue
		}
		content := sanitizeUTF8(raw)
		if len(content) > maxChars {
			content = content[:maxChars] + truncationMarker
		}
		out[p] = content
	}
	return out
}

func placeholderFor(size int64) string {
	return "(binary file, " + strconv.FormatInt(size, 10) + " bytes)"
}

func sanitizeUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "�")
}

func isDotfile(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

func matchesAny(globs []string, p string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

func safeRelative(p string) bool {
	if p == "" || filepath.IsAbs(p) {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

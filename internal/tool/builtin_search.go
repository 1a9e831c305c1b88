package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	grepMaxMatches = 100
	globMaxResults = 100
)

var skippedDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "vendor": {}, ".cache": {},
}

type grepArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search, defaults to the project root"`
	Include string `json:"include,omitempty" jsonschema:"description=Glob filter for file names, e.g. *.go"`
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	dir string
}

func NewGrepTool(dir string) *GrepTool { return &GrepTool{dir: dir} }

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Searches file contents for a regular expression."
}

func (t *GrepTool) Schema() json.RawMessage { return reflectSchema(&grepArgs{}) }

func (t *GrepTool) Execute(ctx context.Context, call Call) (*Result, error) {
	pattern := call.String("pattern")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errorResult("grep", fmt.Errorf("invalid pattern: %w", err)), nil
	}
	root := t.dir
	if p := call.String("path"); p != "" {
		root = resolvePath(t.dir, p)
	}
	include := call.String("include")

	var matches []string
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := path.Match(include, d.Name()); !ok {
				return nil
			}
		}
		file, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				rel, _ := filepath.Rel(root, p)
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, scanner.Text()))
				if len(matches) >= grepMaxMatches {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr == ctx.Err() {
		return nil, walkErr
	}

	output := strings.Join(matches, "\n")
	if len(matches) == 0 {
		output = "No matches found."
	}
	return &Result{
		Title:    pattern,
		Output:   output,
		Metadata: map[string]any{"matches": len(matches)},
	}, nil
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern matched against relative paths, e.g. **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search, defaults to the project root"`
}

// GlobTool finds files by name pattern, newest first.
type GlobTool struct {
	dir string
}

func NewGlobTool(dir string) *GlobTool { return &GlobTool{dir: dir} }

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Finds files whose paths match a glob pattern."
}

func (t *GlobTool) Schema() json.RawMessage { return reflectSchema(&globArgs{}) }

func (t *GlobTool) Execute(ctx context.Context, call Call) (*Result, error) {
	pattern := call.String("pattern")
	if pattern == "" {
		return errorResult("glob", fmt.Errorf("pattern is required")), nil
	}
	root := t.dir
	if p := call.String("path"); p != "" {
		root = resolvePath(t.dir, p)
	}

	type hit struct {
		rel string
		mod int64
	}
	var hits []hit
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if !globMatch(pattern, filepath.ToSlash(rel)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		hits = append(hits, hit{rel: rel, mod: info.ModTime().UnixNano()})
		return nil
	})

	sort.Slice(hits, func(i, j int) bool { return hits[i].mod > hits[j].mod })
	if len(hits) > globMaxResults {
		hits = hits[:globMaxResults]
	}
	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.rel
	}
	output := strings.Join(names, "\n")
	if len(names) == 0 {
		output = "No files found."
	}
	return &Result{
		Title:    pattern,
		Output:   output,
		Metadata: map[string]any{"count": len(names)},
	}, nil
}

// globMatch supports ** spanning path separators on top of path.Match.
func globMatch(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := path.Match(pattern, name)
		return ok
	}
	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")
	if prefix != "" {
		if name != prefix && !strings.HasPrefix(name, prefix+"/") {
			return false
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, prefix), "/")
	}
	if suffix == "" {
		return true
	}
	segments := strings.Split(name, "/")
	for i := range segments {
		if globMatch(suffix, strings.Join(segments[i:], "/")) {
			return true
		}
	}
	return false
}

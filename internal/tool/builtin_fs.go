package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	readDefaultLimit = 2000
	readMaxLineLen   = 2000
)

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

type readArgs struct {
	FilePath string `json:"filePath" jsonschema:"description=Path to the file to read"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Line number to start reading from"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Number of lines to read"`
}

// ReadTool returns file contents with line numbers.
type ReadTool struct {
	dir string
}

func NewReadTool(dir string) *ReadTool { return &ReadTool{dir: dir} }

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Reads a file and returns its contents with line numbers."
}

func (t *ReadTool) Schema() json.RawMessage { return reflectSchema(&readArgs{}) }

func (t *ReadTool) Execute(ctx context.Context, call Call) (*Result, error) {
	path := resolvePath(t.dir, call.String("filePath"))
	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult("read", err), nil
	}

	offset := intArg(call, "offset")
	limit := intArg(call, "limit")
	if limit <= 0 {
		limit = readDefaultLimit
	}

	lines := strings.Split(string(data), "\n")
	if offset > len(lines) {
		offset = len(lines)
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset; i < end; i++ {
		line := lines[i]
		if len(line) > readMaxLineLen {
			line = line[:readMaxLineLen]
		}
		fmt.Fprintf(&b, "%05d| %s\n", i+1, line)
	}
	return &Result{
		Title:    filepath.Base(path),
		Output:   b.String(),
		Metadata: map[string]any{"lines": end - offset},
	}, nil
}

type writeArgs struct {
	FilePath string `json:"filePath" jsonschema:"description=Path to write"`
	Content  string `json:"content" jsonschema:"description=Full file content"`
}

// WriteTool creates or overwrites a file. Gated per target path.
type WriteTool struct {
	dir string
}

func NewWriteTool(dir string) *WriteTool { return &WriteTool{dir: dir} }

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Writes content to a file, creating parent directories as needed."
}

func (t *WriteTool) Schema() json.RawMessage { return reflectSchema(&writeArgs{}) }

func (t *WriteTool) Permission(call Call) *PermissionSpec {
	path := call.String("filePath")
	return &PermissionSpec{
		Type:    "write",
		Pattern: path,
		Title:   "Write " + path,
	}
}

func (t *WriteTool) Execute(ctx context.Context, call Call) (*Result, error) {
	path := resolvePath(t.dir, call.String("filePath"))
	content := call.String("content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errorResult("write", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errorResult("write", err), nil
	}
	return &Result{
		Title:    filepath.Base(path),
		Output:   fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{"bytes": len(content)},
	}, nil
}

type editArgs struct {
	FilePath   string `json:"filePath" jsonschema:"description=Path to the file to edit"`
	OldString  string `json:"oldString" jsonschema:"description=Exact text to replace"`
	NewString  string `json:"newString" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replaceAll,omitempty" jsonschema:"description=Replace every occurrence"`
}

// EditTool performs exact string replacement in a file. Gated per target
// path.
type EditTool struct {
	dir string
}

func NewEditTool(dir string) *EditTool { return &EditTool{dir: dir} }

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Replaces an exact string in a file."
}

func (t *EditTool) Schema() json.RawMessage { return reflectSchema(&editArgs{}) }

func (t *EditTool) Permission(call Call) *PermissionSpec {
	path := call.String("filePath")
	return &PermissionSpec{
		Type:    "edit",
		Pattern: path,
		Title:   "Edit " + path,
	}
}

func (t *EditTool) Execute(ctx context.Context, call Call) (*Result, error) {
	path := resolvePath(t.dir, call.String("filePath"))
	oldStr := call.String("oldString")
	newStr := call.String("newString")
	if oldStr == "" {
		return errorResult("edit", fmt.Errorf("oldString is required")), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult("edit", err), nil
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return errorResult("edit", fmt.Errorf("oldString not found in %s", path)), nil
	}
	replaceAll, _ := call.Args["replaceAll"].(bool)
	if count > 1 && !replaceAll {
		return errorResult("edit", fmt.Errorf("oldString occurs %d times in %s; provide more context or set replaceAll", count, path)), nil
	}

	replaced := strings.Replace(content, oldStr, newStr, 1)
	if replaceAll {
		replaced = strings.ReplaceAll(content, oldStr, newStr)
	}
	if err := os.WriteFile(path, []byte(replaced), 0o644); err != nil {
		return errorResult("edit", err), nil
	}
	n := 1
	if replaceAll {
		n = count
	}
	return &Result{
		Title:    filepath.Base(path),
		Output:   fmt.Sprintf("Replaced %d occurrence(s) in %s", n, path),
		Metadata: map[string]any{"replacements": n},
	}, nil
}

type lsArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list, defaults to the project root"`
}

// LsTool lists a directory.
type LsTool struct {
	dir string
}

func NewLsTool(dir string) *LsTool { return &LsTool{dir: dir} }

func (t *LsTool) Name() string { return "ls" }

func (t *LsTool) Description() string {
	return "Lists files and directories at a path."
}

func (t *LsTool) Schema() json.RawMessage { return reflectSchema(&lsArgs{}) }

func (t *LsTool) Execute(ctx context.Context, call Call) (*Result, error) {
	path := t.dir
	if p := call.String("path"); p != "" {
		path = resolvePath(t.dir, p)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errorResult("ls", err), nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{
		Title:    path,
		Output:   strings.Join(names, "\n"),
		Metadata: map[string]any{"count": len(names)},
	}, nil
}

func intArg(call Call, key string) int {
	if f, ok := call.Args[key].(float64); ok {
		return int(f)
	}
	return 0
}

func errorResult(toolName string, err error) *Result {
	return &Result{
		Title:    toolName,
		Output:   err.Error(),
		Metadata: map[string]any{"error": true},
	}
}

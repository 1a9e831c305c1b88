package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	bashDefaultTimeout = 2 * time.Minute
	bashMaxTimeout     = 10 * time.Minute
	bashMaxOutput      = 30_000
)

type bashArgs struct {
	Command string `json:"command" jsonschema:"description=The shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
}

// BashTool runs shell commands in the project directory. Every call is
// gated on the full command line.
type BashTool struct {
	dir string
}

// NewBashTool runs commands with dir as the working directory.
func NewBashTool(dir string) *BashTool { return &BashTool{dir: dir} }

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Executes a shell command and returns its combined output."
}

func (t *BashTool) Schema() json.RawMessage { return reflectSchema(&bashArgs{}) }

func (t *BashTool) Permission(call Call) *PermissionSpec {
	command := call.String("command")
	return &PermissionSpec{
		Type:    "bash",
		Pattern: command,
		Title:   "Run: " + command,
	}
}

func (t *BashTool) Execute(ctx context.Context, call Call) (*Result, error) {
	command := call.String("command")
	if command == "" {
		return &Result{
			Title:    "bash",
			Output:   "command is required",
			Metadata: map[string]any{"error": true},
		}, nil
	}

	timeout := bashDefaultTimeout
	if secs, ok := call.Args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > bashMaxTimeout {
			timeout = bashMaxTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.dir
	out, err := cmd.CombinedOutput()

	output := string(out)
	if len(output) > bashMaxOutput {
		output = output[:bashMaxOutput] + "\n... output truncated ..."
	}

	metadata := map[string]any{"exit": 0}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			metadata["exit"] = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			return nil, fmt.Errorf("bash: %w", err)
		}
		metadata["error"] = true
		if output == "" {
			output = err.Error()
		}
	}
	return &Result{
		Title:    firstLine(command),
		Output:   output,
		Metadata: metadata,
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

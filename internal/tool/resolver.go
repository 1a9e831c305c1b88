package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Via labels which resolution strategy produced a match.
type Via string

const (
	ViaDirect     Via = "direct"
	ViaAlias      Via = "alias"
	ViaFunctional Via = "functional"
	ViaComposite  Via = "composite"
	ViaFallback   Via = "fallback"
)

// Resolution is the outcome of resolving a requested tool name.
type Resolution struct {
	Name string
	Via  Via
}

// defaultAliases maps names models commonly emit to registered tools.
var defaultAliases = map[string]string{
	"str_replace_editor":     "edit",
	"str_replace_based_edit": "edit",
	"create_file":            "write",
	"view":                   "read",
	"execute_command":        "bash",
	"run_command":            "bash",
	"shell":                  "bash",
	"list_directory":         "ls",
	"fetch":                  "webfetch",
	"web_fetch":              "webfetch",
	"todo_write":             "todowrite",
	"todo_read":              "todoread",
}

// functionalAliases maps capability words to the tool providing them.
var functionalAliases = map[string]string{
	"search":     "grep",
	"find":       "glob",
	"write_file": "write",
	"read_file":  "read",
	"edit_file":  "edit",
	"run":        "bash",
	"list":       "ls",
}

// Resolver turns requested tool names into registered ones, absorbing the
// name drift models produce. Resolutions are memoized per session.
type Resolver struct {
	registry *Registry

	mu    sync.Mutex
	cache map[string]Resolution // sessionID + "\x00" + requested
}

// NewResolver builds a resolver over the registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{
		registry: registry,
		cache:    make(map[string]Resolution),
	}
}

// Resolve maps the requested name to a registered tool. When nothing
// matches it returns a fallback resolution whose tool produces a structured
// "unknown tool" result, so the turn continues and the model can correct
// itself.
func (r *Resolver) Resolve(sessionID, requested string) (Tool, Resolution) {
	key := sessionID + "\x00" + requested
	r.mu.Lock()
	cached, hit := r.cache[key]
	r.mu.Unlock()
	if hit {
		if cached.Via == ViaFallback {
			return r.fallback(requested), cached
		}
		if t, ok := r.registry.Get(cached.Name); ok {
			return t, cached
		}
		// The tool disappeared since memoization; resolve fresh.
	}

	res := r.resolve(requested)
	r.mu.Lock()
	r.cache[key] = res
	r.mu.Unlock()

	if res.Via == ViaFallback {
		return r.fallback(requested), res
	}
	t, _ := r.registry.Get(res.Name)
	return t, res
}

// ForgetSession drops the session's memoized resolutions.
func (r *Resolver) ForgetSession(sessionID string) {
	prefix := sessionID + "\x00"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

func (r *Resolver) resolve(requested string) Resolution {
	if _, ok := r.registry.Get(requested); ok {
		return Resolution{Name: requested, Via: ViaDirect}
	}
	if target, ok := defaultAliases[requested]; ok {
		if _, ok := r.registry.Get(target); ok {
			return Resolution{Name: target, Via: ViaAlias}
		}
	}
	if target, ok := functionalAliases[requested]; ok {
		if _, ok := r.registry.Get(target); ok {
			return Resolution{Name: target, Via: ViaFunctional}
		}
	}
	if name, ok := r.composite(requested); ok {
		return Resolution{Name: name, Via: ViaComposite}
	}
	return Resolution{Name: requested, Via: ViaFallback}
}

// composite matches names whose underscore fragments are a permutation of a
// registered tool's fragments, e.g. read_file against file_read.
func (r *Resolver) composite(requested string) (string, bool) {
	want := fragmentSet(requested)
	if len(want) < 2 {
		return "", false
	}
	for _, name := range r.registry.Names() {
		have := fragmentSet(name)
		if len(have) != len(want) {
			continue
		}
		match := true
		for frag := range want {
			if _, ok := have[frag]; !ok {
				match = false
				break
			}
		}
		if match {
			return name, true
		}
	}
	return "", false
}

func fragmentSet(name string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, frag := range strings.Split(strings.ToLower(name), "_") {
		if frag != "" {
			out[frag] = struct{}{}
		}
	}
	return out
}

// Suggestions returns registered names within edit distance 3 of the
// requested one, ranked by distance then lexicographically.
func (r *Resolver) Suggestions(requested string) []string {
	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	for _, name := range r.registry.Names() {
		if d := levenshtein(requested, name); d <= 3 {
			candidates = append(candidates, scored{name: name, dist: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

func (r *Resolver) fallback(requested string) Tool {
	return &missingTool{requested: requested, resolver: r}
}

// missingTool is the synthetic executor returned for unresolvable names.
// It always succeeds with an error-shaped output the model can read.
type missingTool struct {
	requested string
	resolver  *Resolver
}

func (t *missingTool) Name() string            { return t.requested }
func (t *missingTool) Description() string     { return "unknown tool" }
func (t *missingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *missingTool) Execute(ctx context.Context, call Call) (*Result, error) {
	msg := fmt.Sprintf("Tool %q is not available.", t.requested)
	suggestions := t.resolver.Suggestions(t.requested)
	if len(suggestions) > 0 {
		msg += " Did you mean: " + strings.Join(suggestions, ", ") + "?"
	}
	return &Result{
		Title:  "Unknown tool: " + t.requested,
		Output: msg,
		Metadata: map[string]any{
			"error":       true,
			"suggestions": suggestions,
		},
	}, nil
}

// SanitizeName normalizes an MCP server or tool name: lowercase, anything
// outside [a-z0-9_] becomes _, runs collapse, edges trim.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// MCPToolName produces the registry name for a server's tool.
func MCPToolName(server, tool string) string {
	return SanitizeName(server) + "_" + SanitizeName(tool)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

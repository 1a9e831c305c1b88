package permission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EnvVar carries a JSON permission override that outranks the config file.
// The name is an external contract inherited from the opencode lineage.
const EnvVar = "OPENCODE_PERMISSION"

// Decision is a configured outcome for a matching request.
type Decision string

const (
	DecisionAsk   Decision = "ask"
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Rule associates a glob pattern with a decision. Order preserves the
// position used to break specificity ties.
type Rule struct {
	Pattern  string
	Decision Decision
	Order    int
}

type toolRules struct {
	// def applies when the tool has a scalar decision or no pattern rule
	// matches.
	def      *Decision
	patterns []Rule
}

// Ruleset is the normalized form of one permission configuration source.
// The richer object shape is canonical; a bare list of globs is folded into
// globs rules that match the request pattern (or tool name when the request
// carries no pattern).
type Ruleset struct {
	tools map[string]toolRules
	// wildcard rules match the tool name (the `tools` map in config).
	wildcard []Rule
	// globs come from the list form and match pattern ?? type.
	globs []Rule
	// agents are per-agent overrides evaluated before the base rules.
	agents map[string]*Ruleset
}

// Empty reports whether the ruleset holds no rules at all.
func (rs *Ruleset) Empty() bool {
	return rs == nil || (len(rs.tools) == 0 && len(rs.wildcard) == 0 && len(rs.globs) == 0 && len(rs.agents) == 0)
}

// Evaluate returns the configured decision for a request, or ok=false when
// this ruleset holds no opinion. Agent overrides win over base rules; a
// tool's own rules win over the wildcard map; among matching patterns the
// most specific wins.
func (rs *Ruleset) Evaluate(agentName, toolType, pattern string) (Decision, bool) {
	d, _, ok := rs.Resolve(agentName, toolType, pattern)
	return d, ok
}

// Resolve is Evaluate plus the glob of the winning rule, when that rule
// matched the same subject always-approvals are keyed on (the request
// pattern, or the tool name when the request carries none). Tool-level
// scalar decisions and wildcard tool-name rules return an empty glob.
func (rs *Ruleset) Resolve(agentName, toolType, pattern string) (Decision, string, bool) {
	if rs == nil {
		return "", "", false
	}
	if agentName != "" {
		if sub, ok := rs.agents[agentName]; ok {
			if d, g, ok := sub.Resolve("", toolType, pattern); ok {
				return d, g, true
			}
		}
	}

	if tr, ok := rs.tools[toolType]; ok {
		if len(tr.patterns) > 0 && pattern != "" {
			if best, ok := mostSpecific(tr.patterns, pattern); ok {
				return best.Decision, best.Pattern, true
			}
		}
		if tr.def != nil {
			return *tr.def, "", true
		}
	}

	if best, ok := mostSpecific(rs.wildcard, toolType); ok {
		return best.Decision, "", true
	}

	subject := pattern
	if subject == "" {
		subject = toolType
	}
	if best, ok := mostSpecific(rs.globs, subject); ok {
		return best.Decision, best.Pattern, true
	}
	return "", "", false
}

// mostSpecific returns the matching rule with the fewest wildcards, then
// the longest non-wildcard prefix, then the earliest declaration.
func mostSpecific(rules []Rule, subject string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range rules {
		if !MatchGlob(r.Pattern, subject) {
			continue
		}
		if !found || moreSpecific(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}

func moreSpecific(a, b Rule) bool {
	aw, bw := strings.Count(a.Pattern, "*"), strings.Count(b.Pattern, "*")
	if aw != bw {
		return aw < bw
	}
	ap, bp := literalPrefixLen(a.Pattern), literalPrefixLen(b.Pattern)
	if ap != bp {
		return ap > bp
	}
	return a.Order < b.Order
}

func literalPrefixLen(pattern string) int {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return i
	}
	return len(pattern)
}

// MatchGlob reports whether subject matches pattern, where `*` spans any
// run of characters (including none) and every other byte matches itself.
func MatchGlob(pattern, subject string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == subject
	}
	if !strings.HasPrefix(subject, parts[0]) {
		return false
	}
	subject = subject[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(subject, parts[i])
		if idx < 0 {
			return false
		}
		subject = subject[idx+len(parts[i]):]
	}
	return strings.HasSuffix(subject, parts[len(parts)-1])
}

// ParseRules normalizes a raw permission configuration value (as decoded
// from the config file) into a Ruleset. Accepted shapes:
//
//	["git *", "rm *"]                               list form: match means ask
//	{bash: "ask", edit: "deny",
//	 bash: {"git *": "allow"},
//	 tools: {"mcp_*": "ask"},
//	 agents: {reviewer: {...}}}                     object form
func ParseRules(raw any) (*Ruleset, error) {
	rs := &Ruleset{
		tools:  map[string]toolRules{},
		agents: map[string]*Ruleset{},
	}
	if raw == nil {
		return rs, nil
	}

	switch v := raw.(type) {
	case []any:
		for i, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("permission: list entries must be strings, got %T", entry)
			}
			rs.globs = append(rs.globs, Rule{Pattern: s, Decision: DecisionAsk, Order: i})
		}
		return rs, nil
	case map[string]any:
		return parseObject(v)
	default:
		return nil, fmt.Errorf("permission: config must be a list or object, got %T", raw)
	}
}

func parseObject(obj map[string]any) (*Ruleset, error) {
	rs := &Ruleset{
		tools:  map[string]toolRules{},
		agents: map[string]*Ruleset{},
	}

	// Go maps drop declaration order, so ties between equally specific
	// patterns fall back to sorted key order for determinism.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	order := 0
	for _, key := range keys {
		val := obj[key]
		switch key {
		case "tools":
			m, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("permission: tools must be an object")
			}
			rules, err := decisionRules(m, &order)
			if err != nil {
				return nil, err
			}
			rs.wildcard = append(rs.wildcard, rules...)
		case "agents":
			m, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("permission: agents must be an object")
			}
			for name, sub := range m {
				subObj, ok := sub.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("permission: agents.%s must be an object", name)
				}
				parsed, err := parseObject(subObj)
				if err != nil {
					return nil, fmt.Errorf("permission: agents.%s: %w", name, err)
				}
				rs.agents[name] = parsed
			}
		default:
			switch tv := val.(type) {
			case string:
				d, err := parseDecision(tv)
				if err != nil {
					return nil, fmt.Errorf("permission: %s: %w", key, err)
				}
				tr := rs.tools[key]
				tr.def = &d
				rs.tools[key] = tr
			case map[string]any:
				rules, err := decisionRules(tv, &order)
				if err != nil {
					return nil, fmt.Errorf("permission: %s: %w", key, err)
				}
				tr := rs.tools[key]
				tr.patterns = append(tr.patterns, rules...)
				rs.tools[key] = tr
			default:
				return nil, fmt.Errorf("permission: %s must be a decision or pattern map, got %T", key, val)
			}
		}
	}
	return rs, nil
}

func decisionRules(m map[string]any, order *int) ([]Rule, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rules := make([]Rule, 0, len(keys))
	for _, pattern := range keys {
		s, ok := m[pattern].(string)
		if !ok {
			return nil, fmt.Errorf("%s: decision must be a string", pattern)
		}
		d, err := parseDecision(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pattern, err)
		}
		rules = append(rules, Rule{Pattern: pattern, Decision: d, Order: *order})
		*order++
	}
	return rules, nil
}

func parseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionAsk, DecisionAllow, DecisionDeny:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("decision must be ask, allow, or deny, got %q", s)
	}
}

// envSchema validates the OPENCODE_PERMISSION blob before it is trusted.
const envSchema = `{
	"oneOf": [
		{"type": "array", "items": {"type": "string"}},
		{
			"type": "object",
			"additionalProperties": {
				"oneOf": [
					{"enum": ["ask", "allow", "deny"]},
					{"type": "object", "additionalProperties": {"enum": ["ask", "allow", "deny"]}}
				]
			},
			"properties": {
				"agents": {"type": "object"}
			}
		}
	]
}`

var compiledEnvSchema = jsonschema.MustCompileString("permission-env.json", envSchema)

// FromEnv parses the OPENCODE_PERMISSION environment override. Malformed or
// schema-invalid blobs are ignored with a warning so a bad override can
// never lock the engine out.
func FromEnv(logger *slog.Logger) *Ruleset {
	return fromEnvValue(os.Getenv(EnvVar), logger)
}

func fromEnvValue(blob string, logger *slog.Logger) *Ruleset {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(blob) == "" {
		return nil
	}
	var raw any
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		logger.Warn("ignoring invalid permission env override", "env", EnvVar, "error", err)
		return nil
	}
	if err := compiledEnvSchema.Validate(raw); err != nil {
		logger.Warn("ignoring permission env override that fails schema validation", "env", EnvVar, "error", err)
		return nil
	}
	rs, err := ParseRules(raw)
	if err != nil {
		logger.Warn("ignoring unparseable permission env override", "env", EnvVar, "error", err)
		return nil
	}
	return rs
}

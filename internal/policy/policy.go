// Package policy implements C4's layered tool-policy merge and
// per-run budget accounting, adapted from the teacher's
// internal/tools/policy.go PolicyEngine: the same group-expansion and
// allow/deny layering idioms, generalized to the exact layer order
// spec.md §4.3 step 8 names (default ← config.default ← config.groups
// ← config.users ← request.toolDeny (union) ← request.toolAllow
// (intersect-if-layer-has-allow-else-set)).
package policy

import (
	"sort"
	"strings"
	"sync"

	"github.com/dotclaw/dotclaw/internal/config"
)

// toolGroups mirrors the teacher's toolGroups namespace table
// (internal/tools/policy.go), trimmed to the groups this host's
// builtin surface actually exercises.
var toolGroups = map[string][]string{
	"memory":  {"memory_search", "memory_upsert", "memory_recall"},
	"fs":      {"read_file", "write_file", "list_dir"},
	"runtime": {"run_shell", "run_background_job"},
	"sessions": {"session_list", "session_switch"},
	"scheduling": {"task_create", "task_pause", "task_resume", "task_delete"},
}

// Request carries the per-request overrides request.toolAllow/
// request.toolDeny name in spec.md §4.3 step 8.
type Request struct {
	ToolAllow []string
	ToolDeny  []string
}

// Policy is the resolved outcome of the layered merge: an allow set
// (nil means "all tools allowed") and a deny set that always wins.
type Policy struct {
	Allow map[string]struct{} // nil = unrestricted
	Deny  map[string]struct{}
}

// Allowed reports whether a tool name passes this policy: present in
// Allow (or Allow is unrestricted) and absent from Deny.
func (p Policy) Allowed(tool string) bool {
	if _, denied := p.Deny[tool]; denied {
		return false
	}
	if p.Allow == nil {
		return true
	}
	_, ok := p.Allow[tool]
	return ok
}

// Names returns the sorted allow-set contents, or nil if unrestricted,
// for display/debugging.
func (p Policy) Names() []string {
	if p.Allow == nil {
		return nil
	}
	out := make([]string, 0, len(p.Allow))
	for t := range p.Allow {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolve implements spec.md §4.3 step 8's exact layer sequence:
//
//	layer 0: DEFAULT (unrestricted allow, empty deny)
//	layer 1: config.default
//	layer 2: config.groups[group]      (if present)
//	layer 3: config.users[user]        (if present)
//	layer 4: request.toolDeny          (union into deny)
//	layer 5: request.toolAllow         (intersect with current allow,
//	                                     or set it, if layer 0-3 left
//	                                     the allow set unrestricted)
func Resolve(cfg config.ToolsPolicyConfig, group, user string, req Request) Policy {
	p := Policy{Allow: nil, Deny: map[string]struct{}{}}

	applyLayer(&p, cfg.Default)
	if g, ok := cfg.Groups[group]; ok {
		applyLayer(&p, g)
	}
	if u, ok := cfg.Users[user]; ok {
		applyLayer(&p, u)
	}

	for _, d := range expandSpec(req.ToolDeny) {
		p.Deny[d] = struct{}{}
	}

	if len(req.ToolAllow) > 0 {
		reqAllow := expandSpec(req.ToolAllow)
		if p.Allow == nil {
			p.Allow = toSet(reqAllow)
		} else {
			p.Allow = intersect(p.Allow, toSet(reqAllow))
		}
	}

	return p
}

// applyLayer narrows Allow (intersect, or set if unrestricted) and
// unions Deny, matching the teacher's applyProfile/subtractSet shape.
func applyLayer(p *Policy, spec config.ToolPolicySpec) {
	if len(spec.Allow) > 0 {
		allow := toSet(expandSpec(spec.Allow))
		if p.Allow == nil {
			p.Allow = allow
		} else {
			p.Allow = intersect(p.Allow, allow)
		}
	}
	for _, d := range expandSpec(spec.Deny) {
		p.Deny[d] = struct{}{}
	}
}

// expandSpec resolves "group:x" entries against toolGroups, matching
// the teacher's expandSpec helper.
func expandSpec(names []string) []string {
	var out []string
	for _, n := range names {
		if rest, ok := strings.CutPrefix(n, "group:"); ok {
			out = append(out, toolGroups[rest]...)
			continue
		}
		out = append(out, n)
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for n := range a {
		if _, ok := b[n]; ok {
			out[n] = struct{}{}
		}
	}
	return out
}

// RunBudget tracks per-run tool-call counters against
// config.Tools.Budgets, a supplemental addition beyond the teacher's
// policy engine: spec.md §4.3 step 8 calls for "per-run budgets from
// disk config" but the teacher has no equivalent counter (its
// delegate concurrency caps are the closest analogue, counted via
// sync.Map in internal/tools/delegate_state.go).
type RunBudget struct {
	mu      sync.Mutex
	limits  map[string]int
	used    map[string]int
}

// NewRunBudget builds a budget tracker from the configured per-tool
// call limits (tool name -> max calls per run).
func NewRunBudget(limits map[string]int) *RunBudget {
	return &RunBudget{limits: limits, used: map[string]int{}}
}

// Consume reports whether one more call to tool is within budget and,
// if so, records it. A tool with no configured limit is unbounded.
func (b *RunBudget) Consume(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, capped := b.limits[tool]
	if !capped {
		b.used[tool]++
		return true
	}
	if b.used[tool] >= limit {
		return false
	}
	b.used[tool]++
	return true
}

// Used returns the current call count for a tool, for telemetry.
func (b *RunBudget) Used(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[tool]
}

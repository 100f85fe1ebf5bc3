// Package failover implements C8: error classification (reusing
// errclass's category table), a per-model cooldown registry with
// atomic disk persistence, model-chain selection, and effort/step-
// budget downgrade on retry. New component grounded on the teacher's
// provider abstraction shape (a Provider is addressed by a model
// string and errors bubble up as plain Go errors, classified by
// message content — see internal/agent/loop.go) and on
// internal/sessions/manager.go's Save method, whose atomic
// temp-file-in-target-dir + Sync + Rename pattern (with a real-clock
// sentinel gate) is reused verbatim here for cooldown-file durability.
package failover

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/errclass"
)

// maxPersistedEntries caps the cooldown file at the 128 most-recent
// entries sorted by expiry desc, per spec.md §4.7.
const maxPersistedEntries = 128

// realClockFloorMs gates persistence so fake clocks used in tests
// never corrupt the on-disk file: persist writes nothing unless at
// least one cooldown's expiry is at or above this floor (deep into
// 2001+), and once one is, every entry (up to maxPersistedEntries) is
// written, per spec.md §4.7's "sentinel real-clock floor (1e12 ms)" rule.
const realClockFloorMs = 1_000_000_000_000

// Category re-exports errclass.Category so callers of this package
// don't need a second import for the common case.
type Category = errclass.Category

// Classify delegates to errclass.Classify; kept as a named entry point
// here since spec.md §4.7 describes classification as part of C8's
// own contract, even though the pattern table itself is shared with
// C13 (errclass).
func Classify(err error) Category { return errclass.Classify(err) }

// Retryable reports whether a category is worth retrying with a
// different model, per spec.md §4.7's retryable set.
func Retryable(c Category) bool { return errclass.IsTransient(c) }

// CooldownDuration implements spec.md §4.7's per-category cooldown
// table.
func CooldownDuration(c Category, rateLimitMs, transientMs, invalidResponseMs int64) time.Duration {
	switch c {
	case errclass.CategoryRateLimit:
		return time.Duration(rateLimitMs) * time.Millisecond
	case errclass.CategoryInvalidResponse:
		return time.Duration(invalidResponseMs) * time.Millisecond
	case errclass.CategoryTimeout:
		d := 3 * transientMs
		if d < 15*60_000 {
			d = 15 * 60_000
		}
		if d > 6*3_600_000 {
			d = 6 * 3_600_000
		}
		return time.Duration(d) * time.Millisecond
	case errclass.CategoryOverloaded, errclass.CategoryTransport:
		return time.Duration(transientMs) * time.Millisecond
	default:
		return 0
	}
}

// Registry is the in-memory cooldown map { model -> expires_at_ms },
// lazily hydrated from a JSON file on first use and persisted on
// every write.
type Registry struct {
	mu       sync.Mutex
	path     string
	loaded   bool
	cooldown map[string]int64
	disabled bool // skip disk I/O entirely, for tests
}

// NewRegistry constructs a Registry backed by path. If disablePersist
// is set (DOTCLAW_DISABLE_FAILOVER_COOLDOWN_PERSISTENCE=1), reads and
// writes to disk are skipped and the registry stays purely in-memory.
func NewRegistry(path string, disablePersist bool) *Registry {
	return &Registry{path: path, cooldown: map[string]int64{}, disabled: disablePersist}
}

func (r *Registry) ensureLoaded() {
	if r.loaded || r.disabled {
		r.loaded = true
		return
	}
	r.loaded = true
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var entries map[string]int64
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	r.cooldown = entries
}

// Set registers model as cooling down until nowMs+dur.
func (r *Registry) Set(model string, nowMs int64, dur time.Duration) {
	if dur <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()
	r.cooldown[model] = nowMs + dur.Milliseconds()
	r.persist()
}

// InCooldown reports whether model is currently cooling down,
// garbage-collecting the entry if it has expired.
func (r *Registry) InCooldown(model string, nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()
	exp, ok := r.cooldown[model]
	if !ok {
		return false
	}
	if exp <= nowMs {
		delete(r.cooldown, model)
		return false
	}
	return true
}

// persist writes the cooldown map via temp-file + fsync + rename,
// capped at the most-recent maxPersistedEntries sorted by expiry
// desc. Must be called with r.mu held. Skipped entirely below the
// real-clock floor or when disabled, so unit tests using fake small
// clocks never touch disk.
func (r *Registry) persist() {
	if r.disabled || r.path == "" {
		return
	}
	hasRealEntry := false
	for _, exp := range r.cooldown {
		if exp >= realClockFloorMs {
			hasRealEntry = true
			break
		}
	}
	if !hasRealEntry {
		return
	}

	type entry struct {
		model string
		exp   int64
	}
	entries := make([]entry, 0, len(r.cooldown))
	for m, exp := range r.cooldown {
		entries = append(entries, entry{m, exp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].exp > entries[j].exp })
	if len(entries) > maxPersistedEntries {
		entries = entries[:maxPersistedEntries]
	}
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		out[e.model] = e.exp
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, "cooldowns-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return
	}
	cleanup = false
}

// Chain is the result of NextChain selection.
type Chain struct {
	Model     string
	Fallbacks []string
}

// NextChain implements spec.md §4.7's selection rule: dedup the chain
// preserving order, drop models in cooldown, skip already-attempted
// primaries, and return the first remaining model plus the rest as
// fallbacks. Returns nil when the chain is exhausted.
func (r *Registry) NextChain(chain []string, attempted map[string]bool, nowMs int64) *Chain {
	seen := map[string]bool{}
	var candidates []string
	for _, m := range chain {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		if attempted[m] {
			continue
		}
		if r.InCooldown(m, nowMs) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil
	}
	return &Chain{Model: candidates[0], Fallbacks: candidates[1:]}
}

// Downgrade applies spec.md §4.7's retry-downgrade rules: reasoning
// effort steps down one notch (high→medium→low→off) and the tool-step
// budget shrinks to max(8, floor(current*0.7)).
func Downgrade(effort string, maxToolSteps int) (string, int) {
	next := map[string]string{"high": "medium", "medium": "low", "low": "off"}[effort]
	if next == "" {
		next = effort
	}
	steps := int(float64(maxToolSteps) * 0.7)
	if steps < 8 {
		steps = 8
	}
	return next, steps
}

// Envelope is the error-report shape spec.md §4.7 requires for
// failover telemetry.
type Envelope struct {
	Category   Category `json:"category"`
	Retryable  bool     `json:"retryable"`
	Source     string   `json:"source"`
	Attempt    int      `json:"attempt"`
	Model      string   `json:"model,omitempty"`
	StatusCode int      `json:"statusCode,omitempty"`
	Message    string   `json:"message"`
	Timestamp  int64    `json:"timestamp"`
}

// BuildEnvelope assembles an Envelope for a classified error,
// compacting and truncating the message to 240 chars per spec.md
// §4.7.
func BuildEnvelope(err error, source, model string, attempt int, statusCode int, nowMs int64) Envelope {
	cat := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Envelope{
		Category:   cat,
		Retryable:  Retryable(cat),
		Source:     source,
		Attempt:    attempt,
		Model:      model,
		StatusCode: statusCode,
		Message:    errclass.Compact(msg, 240),
		Timestamp:  nowMs,
	}
}

// Package hygiene implements C12: per-message normalization plus
// within-window dedup/merge and tool-envelope normalization, applied
// to inbound message batches before handoff to context building.
// Grounded on the teacher's internal/agent/sanitize.go transform-
// pipeline shape (a sequence of small, independently-skippable string
// transforms run in a fixed order, each logging only when it actually
// changed something), generalized here to spec.md §4.11's dedup/merge
// algorithm over a message stream instead of sanitize.go's single-
// response cleanup.
package hygiene

import (
	"fmt"
	"regexp"
	"strings"
)

// RawMessage is one inbound message prior to hygiene, keyed by
// sender for the per-sender dedup window.
type RawMessage struct {
	ID       string
	SenderID string
	Body     string
	TS       int64 // unix millis
}

var controlBytes = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Normalize implements spec.md §4.11's per-message rule: strip non-
// tab/LF/CR control bytes, normalize CRLF→LF, trim trailing spaces
// before newlines, then trim.
func Normalize(body string) string {
	body = controlBytes.ReplaceAllString(body, "")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Valid reports whether a raw message has the required fields and a
// plausible timestamp, per spec.md §4.11's "reject malformed" rule.
func Valid(m RawMessage) bool {
	return m.ID != "" && m.SenderID != "" && m.TS > 0
}

var placeholderPattern = regexp.MustCompile(`(?i)^[\[\(]?(typing|streaming|partial|draft|working|thinking)[\]\)]?(\.{2,}|…+)?$`)

func isStalePartial(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	if placeholderPattern.MatchString(trimmed) {
		return true
	}
	return strings.HasSuffix(trimmed, "..") || strings.HasSuffix(trimmed, "…")
}

const dedupWindowMs = 60_000
const prefixMinLen = 24
const prefixMinRatio = 0.35

// Dedup implements spec.md §4.11's per-sender 60-second dedup/merge
// window: validate + Normalize every message, then within a 60s
// window per sender, drop stale-partial placeholders superseded by a
// non-placeholder successor, drop exact-normalized duplicates, and
// replace a message with its longer continuation when the new body is
// a prefix-extension of the previous one. Returns the surviving
// messages in original order plus how many were merged away.
func Dedup(msgs []RawMessage) (kept []RawMessage, deduped int) {
	lastBySender := map[string]int{} // sender -> index into kept
	for _, raw := range msgs {
		if !Valid(raw) {
			continue
		}
		m := raw
		m.Body = Normalize(m.Body)

		idx, ok := lastBySender[m.SenderID]
		if ok && m.TS-kept[idx].TS <= dedupWindowMs {
			prev := kept[idx]
			if isStalePartial(prev.Body) && !isStalePartial(m.Body) {
				kept[idx] = m
				deduped++
				continue
			}
			if prev.Body == m.Body {
				deduped++
				continue
			}
			if isPrefixContinuation(prev.Body, m.Body) {
				kept[idx] = m
				deduped++
				continue
			}
		}

		kept = append(kept, m)
		lastBySender[m.SenderID] = len(kept) - 1
	}
	return kept, deduped
}

// isPrefixContinuation reports whether cur looks like prev typed
// further: prev is a prefix of cur, prev is at least prefixMinLen
// long, and prev's length is at least prefixMinRatio of cur's.
func isPrefixContinuation(prev, cur string) bool {
	if len(prev) < prefixMinLen || !strings.HasPrefix(cur, prev) {
		return false
	}
	if len(cur) == 0 {
		return false
	}
	return float64(len(prev))/float64(len(cur)) >= prefixMinRatio
}

const toolResultSummaryMax = 1200

var toolResultXML = regexp.MustCompile(`(?is)<tool_result>(.*?)</tool_result>`)

// NormalizeToolEnvelope rewrites an XML or JSON tool-result envelope
// embedded in message text into spec.md §4.11's canonical
// "Tool result[ (<name>)]: <summary>" line, truncating the summary to
// 1200 chars. Text without a recognizable envelope passes through
// unchanged.
func NormalizeToolEnvelope(body string) string {
	if m := toolResultXML.FindStringSubmatch(body); m != nil {
		return formatToolResult("", m[1])
	}
	if name, payload, ok := extractJSONToolResult(body); ok {
		return formatToolResult(name, payload)
	}
	return body
}

func formatToolResult(name, summary string) string {
	summary = strings.TrimSpace(summary)
	if len(summary) > toolResultSummaryMax {
		summary = summary[:toolResultSummaryMax]
	}
	if name != "" {
		return fmt.Sprintf("Tool result (%s): %s", name, summary)
	}
	return fmt.Sprintf("Tool result: %s", summary)
}

// toolEnvelopeKeys mirrors spec.md §4.11's accepted JSON field names:
// a wrapper object keyed "tool_result", or a flat object carrying one
// of tool/tool_name/name plus one of output/result/message/data.
func extractJSONToolResult(body string) (name, payload string, ok bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return "", "", false
	}
	inner := trimmed
	if wrapped := extractObjectField(trimmed, "tool_result"); wrapped != "" {
		inner = wrapped
	}
	for _, k := range []string{"tool", "tool_name", "name"} {
		if v := extractField(inner, k); v != "" {
			name = v
			break
		}
	}
	for _, k := range []string{"output", "result", "message", "data"} {
		if v := extractField(inner, k); v != "" {
			payload = v
			break
		}
	}
	if payload == "" {
		return "", "", false
	}
	return name, payload, true
}

// extractObjectField scrapes a top-level `"key": { ... }` object value
// via brace counting, for the tool_result wrapper case.
func extractObjectField(blob, key string) string {
	marker := `"` + key + `"`
	i := strings.Index(blob, marker)
	if i < 0 {
		return ""
	}
	rest := blob[i+len(marker):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}
	rest = strings.TrimSpace(rest[colon+1:])
	if !strings.HasPrefix(rest, "{") {
		return ""
	}
	depth := 0
	for i, r := range rest {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[:i+1]
			}
		}
	}
	return ""
}

// extractField does a minimal, dependency-free scrape of a top-level
// string field from a JSON-ish blob; it is intentionally tolerant
// since this is best-effort envelope recognition over chat text, not
// a schema contract.
func extractField(blob, key string) string {
	marker := `"` + key + `"`
	i := strings.Index(blob, marker)
	if i < 0 {
		return ""
	}
	rest := blob[i+len(marker):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return ""
	}
	rest = strings.TrimSpace(rest[colon+1:])
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return ""
		}
		return rest[1 : 1+end]
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end])
}

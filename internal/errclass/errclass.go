// Package errclass implements C13: a pattern-based mapping from
// technical agent/provider errors to user-facing strings, plus the
// transient-retry and severity computation spec.md §4.12 describes.
// Grounded on internal/agent/loop.go's and the providers package's
// ad-hoc error-message string matching (e.g. loop.go's "tool error"/
// "tool loop critical" branches keyed on substrings of err.Error()),
// generalized here into an explicit ordered pattern table.
package errclass

import (
	"regexp"
	"strings"
)

// Severity mirrors spec.md §4.12's severity ∈ {error, warn, info}.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
)

// Category buckets a classified error for retry/severity decisions.
type Category string

const (
	CategoryAuth            Category = "auth"
	CategoryRateLimit       Category = "rate_limit"
	CategoryTimeout         Category = "timeout"
	CategoryOverloaded      Category = "overloaded"
	CategoryTransport       Category = "transport"
	CategoryInvalidResponse Category = "invalid_response"
	CategoryContextOverflow Category = "context_overflow"
	CategoryAborted         Category = "aborted"
	CategoryNonRetryable    Category = "non_retryable"
)

// transientCategories feeds retry logic, per spec.md §4.12's
// "separate transient-set feeds retry logic".
var transientCategories = map[Category]bool{
	CategoryRateLimit:       true,
	CategoryTimeout:         true,
	CategoryOverloaded:      true,
	CategoryTransport:       true,
	CategoryInvalidResponse: true,
}

// IsTransient reports whether a category should feed automatic retry.
func IsTransient(c Category) bool { return transientCategories[c] }

// Severity maps a category to spec.md §4.12's rule: transient → warn;
// auth → error; context/token → info; else error.
func (c Category) Severity() Severity {
	switch {
	case IsTransient(c):
		return SeverityWarn
	case c == CategoryAuth:
		return SeverityError
	case c == CategoryContextOverflow:
		return SeverityInfo
	default:
		return SeverityError
	}
}

type patternRule struct {
	pattern *regexp.Regexp
	message string
}

// patternTable is ordered: the first matching rule wins, matching the
// teacher's first-match-wins substring-check style in loop.go.
var patternTable = []patternRule{
	{regexp.MustCompile(`(?i)\b(preempt|abort(ed)?)\b`), "The run was stopped before it finished."},
	{regexp.MustCompile(`(?i)\b(401|403|unauthorized|invalid api key|insufficient[_ ]credit)\b`), "Authentication with the model provider failed. Check the configured API key."},
	{regexp.MustCompile(`(?i)\b(context[_ ]length|token[_ ]limit|maximum context)\b`), "The conversation is too long for this model's context window."},
	{regexp.MustCompile(`(?i)\b(429|rate[_ ]limit(ed)?|too many requests)\b`), "The model provider is rate-limiting requests. Retrying shortly."},
	{regexp.MustCompile(`(?i)\b(timeout|timed out|deadline exceeded)\b`), "The request took too long and timed out."},
	{regexp.MustCompile(`(?i)\b(50[0234]|service unavailable|overloaded|bad gateway)\b`), "The model provider is temporarily overloaded."},
	{regexp.MustCompile(`(?i)\b(unexpected (end|token)|invalid json|empty completion|no content)\b`), "The model returned an unreadable response."},
	{regexp.MustCompile(`(?i)\b(econnrefused|econnreset|eai_again|enotfound)\b`), "A network error prevented the request from completing."},
}

var (
	reAborted         = regexp.MustCompile(`(?i)\b(preempt|abort(ed)?)\b`)
	reAuth            = regexp.MustCompile(`(?i)\b(401|402|403|unauthorized|invalid api key|insufficient[_ ]credit)\b`)
	reContextOverflow = regexp.MustCompile(`(?i)\b(context[_ ]length|token[_ ]limit|maximum context)\b`)
	reRateLimit       = regexp.MustCompile(`(?i)\b(429|rate[_ ]limit(ed)?|too many requests)\b`)
	reTimeout         = regexp.MustCompile(`(?i)\b(timeout|timed out|deadline exceeded)\b`)
	reOverloaded      = regexp.MustCompile(`(?i)\b(50[0234]|service unavailable|overloaded|bad gateway)\b`)
	reInvalidResponse = regexp.MustCompile(`(?i)\b(unexpected (end|token)|invalid json|empty completion|no content)\b`)
	reTransport       = regexp.MustCompile(`(?i)\b(econnrefused|econnreset|eai_again|enotfound)\b`)
)

// Classify maps err to a Category following spec.md §4.12's ordered
// rule list: preempted/aborted → aborted; 401/402/403/unauthorized/
// insufficient-credit → auth; context/token-limit → context_overflow;
// 429/rate_limit → rate_limit; timeout/deadline → timeout; 500/502/
// 503/504/overloaded/unavailable → overloaded; parse/sentinel patterns →
// invalid_response; connection codes → transport; else non_retryable.
func Classify(err error) Category {
	if err == nil {
		return CategoryNonRetryable
	}
	msg := err.Error()
	switch {
	case reAborted.MatchString(msg):
		return CategoryAborted
	case reAuth.MatchString(msg):
		return CategoryAuth
	case reContextOverflow.MatchString(msg):
		return CategoryContextOverflow
	case reRateLimit.MatchString(msg):
		return CategoryRateLimit
	case reTimeout.MatchString(msg):
		return CategoryTimeout
	case reOverloaded.MatchString(msg):
		return CategoryOverloaded
	case reInvalidResponse.MatchString(msg):
		return CategoryInvalidResponse
	case reTransport.MatchString(msg):
		return CategoryTransport
	default:
		return CategoryNonRetryable
	}
}

// UserFacing returns the first pattern-table message matching err, or
// a generic fallback, plus its severity — spec.md §4.12's user-facing
// mapping, distinct from Classify's retry-oriented Category.
func UserFacing(err error) (string, Severity) {
	if err == nil {
		return "", SeverityInfo
	}
	msg := err.Error()
	for _, rule := range patternTable {
		if rule.pattern.MatchString(msg) {
			return rule.message, Classify(err).Severity()
		}
	}
	return "Something went wrong while processing that.", SeverityError
}

// Compact truncates and single-lines a message for envelope display,
// matching C8's "message (compacted/truncated to 240 chars)" rule.
func Compact(msg string, max int) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}

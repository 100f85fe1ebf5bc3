package errclass

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_OrderedPatternsPickFirstMatch(t *testing.T) {
	assert.Equal(t, CategoryAuth, Classify(errors.New("401 unauthorized")))
	assert.Equal(t, CategoryRateLimit, Classify(errors.New("429 too many requests")))
	assert.Equal(t, CategoryTimeout, Classify(errors.New("context deadline exceeded")))
	assert.Equal(t, CategoryOverloaded, Classify(errors.New("503 service unavailable")))
	assert.Equal(t, CategoryTransport, Classify(errors.New("dial tcp: ECONNREFUSED")))
	assert.Equal(t, CategoryContextOverflow, Classify(errors.New("maximum context length exceeded")))
	assert.Equal(t, CategoryAborted, Classify(errors.New("run aborted by caller")))
	assert.Equal(t, CategoryNonRetryable, Classify(errors.New("something bizarre happened")))
}

func TestIsTransient_MatchesSpecSet(t *testing.T) {
	assert.True(t, IsTransient(CategoryRateLimit))
	assert.True(t, IsTransient(CategoryTimeout))
	assert.True(t, IsTransient(CategoryOverloaded))
	assert.True(t, IsTransient(CategoryTransport))
	assert.True(t, IsTransient(CategoryInvalidResponse))
	assert.False(t, IsTransient(CategoryAuth))
	assert.False(t, IsTransient(CategoryNonRetryable))
}

func TestSeverity_FollowsSpecMapping(t *testing.T) {
	assert.Equal(t, SeverityWarn, CategoryTimeout.Severity())
	assert.Equal(t, SeverityError, CategoryAuth.Severity())
	assert.Equal(t, SeverityInfo, CategoryContextOverflow.Severity())
	assert.Equal(t, SeverityError, CategoryNonRetryable.Severity())
}

func TestCompact_TruncatesAndCollapsesWhitespace(t *testing.T) {
	got := Compact("line one\nline   two", 100)
	assert.Equal(t, "line one line two", got)
	long := ""
	for i := 0; i < 300; i++ {
		long += "x"
	}
	assert.Len(t, Compact(long, 240), 240)
}

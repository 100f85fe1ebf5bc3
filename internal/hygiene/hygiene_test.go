package hygiene

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_StripsControlBytesAndTrailingSpaces(t *testing.T) {
	got := Normalize("hello \t\r\nworld  \n\x07done")
	assert.Equal(t, "hello\nworld\ndone", got)
}

func TestDedup_DropsStalePartialWhenSucceededByFinal(t *testing.T) {
	msgs := []RawMessage{
		{ID: "1", SenderID: "u1", Body: "typing...", TS: 1000},
		{ID: "2", SenderID: "u1", Body: "here is the real message", TS: 1500},
	}
	kept, deduped := Dedup(msgs)
	assert.Equal(t, 1, deduped)
	assert.Len(t, kept, 1)
	assert.Equal(t, "here is the real message", kept[0].Body)
}

func TestDedup_DropsExactDuplicateWithinWindow(t *testing.T) {
	msgs := []RawMessage{
		{ID: "1", SenderID: "u1", Body: "same text", TS: 1000},
		{ID: "2", SenderID: "u1", Body: "same text", TS: 2000},
	}
	kept, deduped := Dedup(msgs)
	assert.Equal(t, 1, deduped)
	assert.Len(t, kept, 1)
}

func TestDedup_ReplacesWithPrefixContinuation(t *testing.T) {
	prev := "this is the beginning of a longer message"
	cur := prev + " that keeps going further"
	msgs := []RawMessage{
		{ID: "1", SenderID: "u1", Body: prev, TS: 1000},
		{ID: "2", SenderID: "u1", Body: cur, TS: 1200},
	}
	kept, deduped := Dedup(msgs)
	assert.Equal(t, 1, deduped)
	require := kept[0].Body
	assert.Equal(t, cur, require)
}

func TestDedup_LeavesDistinctSendersAndOutOfWindowMessagesAlone(t *testing.T) {
	msgs := []RawMessage{
		{ID: "1", SenderID: "u1", Body: "hello", TS: 1000},
		{ID: "2", SenderID: "u2", Body: "hello", TS: 1000},
		{ID: "3", SenderID: "u1", Body: "hello", TS: 1000 + dedupWindowMs + 1},
	}
	kept, deduped := Dedup(msgs)
	assert.Equal(t, 0, deduped)
	assert.Len(t, kept, 3)
}

func TestNormalizeToolEnvelope_ParsesXMLAndJSONForms(t *testing.T) {
	xml := "<tool_result>output text here</tool_result>"
	assert.Equal(t, "Tool result: output text here", NormalizeToolEnvelope(xml))

	jsonFlat := `{"tool":"search","output":"three results found"}`
	assert.Equal(t, "Tool result (search): three results found", NormalizeToolEnvelope(jsonFlat))

	plain := "just a regular message"
	assert.Equal(t, plain, NormalizeToolEnvelope(plain))
}

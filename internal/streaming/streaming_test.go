package streaming

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChunk(t *testing.T, dir string, n int, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunkFileName(n)), []byte(text), 0o644))
}

func TestWatch_ReadsChunksInOrderThenDone(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := Watch(ctx, dir, 10*time.Millisecond)

	writeChunk(t, dir, 0, "hello ")
	writeChunk(t, dir, 1, "world")
	require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelDone), []byte{}, 0o644))

	var texts []string
	var sawDone bool
	for ev := range events {
		if ev.Done {
			sawDone = true
			break
		}
		texts = append(texts, ev.Text)
	}
	assert.Equal(t, []string{"hello ", "world"}, texts)
	assert.True(t, sawDone)
}

func TestWatch_ErrorSentinelReported(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := Watch(ctx, dir, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelError), []byte{}, 0o644))

	var sawError bool
	for ev := range events {
		if ev.Error {
			sawError = true
			break
		}
	}
	assert.True(t, sawError)
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	deleted bool
	nextID  int
}

func (f *fakeSender) Send(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.nextID++
	return "msg-1", nil
}

func (f *fakeSender) Edit(ctx context.Context, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeSender) Delete(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

func TestDelivery_FirstFlushSendsThenEditsInPlace(t *testing.T) {
	sender := &fakeSender{}
	d := NewDelivery(sender, time.Millisecond, 1000)

	require.NoError(t, d.Append(context.Background(), "hello"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, d.Append(context.Background(), " world"))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, "hello", sender.sent[0])
	require.Len(t, sender.edits, 1)
	assert.Equal(t, "hello world", sender.edits[0])
}

func TestDelivery_FinalizeSplitsOverflowIntoNewMessage(t *testing.T) {
	sender := &fakeSender{}
	d := NewDelivery(sender, time.Millisecond, 5)
	require.NoError(t, d.Append(context.Background(), "0123456789"))
	require.NoError(t, d.Finalize(context.Background()))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "56789", sender.sent[1])
}

func TestDelivery_AbortDeletesPartialMessage(t *testing.T) {
	sender := &fakeSender{}
	d := NewDelivery(sender, time.Millisecond, 1000)
	require.NoError(t, d.Append(context.Background(), "partial"))
	d.Abort(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, sender.deleted)
}

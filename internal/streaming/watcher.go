// Package streaming implements C9: a chunk-file watcher over a
// container's streaming-output directory, plus rate-limited in-place
// message delivery. Grounded on the fsnotify usage pattern in
// other_examples' tail-claude watcher.go (a debounced fsnotify.Watcher
// run loop, signaled through a buffered channel, with a "done" channel
// for clean shutdown), adapted here from "rebuild on file write" to
// "read the next sequential chunk file, sentinel-terminated, with a
// grace drain."
package streaming

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sentinel file names that terminate a chunk stream, per spec.md §4.8.
const (
	SentinelDone  = "done"
	SentinelError = "error"
)

func chunkFileName(n int) string {
	return fmt.Sprintf("chunk_%06d.txt", n)
}

// Event is one item off a ChunkWatcher's channel: either a chunk's
// text, or the stream's terminal outcome.
type Event struct {
	Text  string
	Done  bool
	Error bool
	Err   error // Watch leaves this nil; an unreadable chunk is retried on the next pass
}

// graceDrainAttempts is spec.md §4.8's "attempt up to 3 misses" after
// seeing a sentinel, to catch chunks written just after it due to
// filesystem scheduling.
const graceDrainAttempts = 3

// minPollInterval is spec.md §4.8's floor on chunkFlushIntervalMs.
const minPollInterval = 25 * time.Millisecond

// Watch consumes sequential chunk_NNNNNN.txt files from dir in order,
// sending their contents on the returned channel, until it observes a
// "done" or "error" sentinel file (also reported on the channel) or
// ctx is cancelled. The channel is closed when Watch returns.
func Watch(ctx context.Context, dir string, flushInterval time.Duration) <-chan Event {
	if flushInterval < minPollInterval {
		flushInterval = minPollInterval
	}
	out := make(chan Event, 4)

	go func() {
		defer close(out)

		fw, err := fsnotify.NewWatcher()
		var useNotify bool
		if err == nil {
			if addErr := fw.Add(dir); addErr == nil {
				useNotify = true
			}
			defer fw.Close()
		}

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		next := 0
		misses := 0

		tryRead := func() (sawSentinel bool) {
			for {
				path := filepath.Join(dir, chunkFileName(next))
				data, readErr := os.ReadFile(path)
				if readErr != nil {
					break
				}
				select {
				case out <- Event{Text: string(data)}:
				case <-ctx.Done():
					return true
				}
				next++
				misses = 0
			}
			if fileExists(filepath.Join(dir, SentinelError)) {
				out <- Event{Error: true}
				return true
			}
			if fileExists(filepath.Join(dir, SentinelDone)) {
				out <- Event{Done: true}
				return true
			}
			return false
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-notifyChan(useNotify, fw):
			}

			if tryRead() {
				// Grace drain: the sentinel may have landed just before
				// a final chunk write reached disk.
				for misses = 0; misses < graceDrainAttempts; misses++ {
					select {
					case <-ctx.Done():
						return
					case <-time.After(flushInterval):
					}
					path := filepath.Join(dir, chunkFileName(next))
					if data, readErr := os.ReadFile(path); readErr == nil {
						select {
						case out <- Event{Text: string(data)}:
						case <-ctx.Done():
							return
						}
						next++
						misses = -1 // reset drain budget: a chunk arrived
					}
				}
				return
			}
		}
	}()

	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// notifyChan adapts fsnotify's event channel so Watch's select can
// treat "no notify watcher available" as "never fires", falling back
// purely to the poll ticker.
func notifyChan(enabled bool, fw *fsnotify.Watcher) <-chan fsnotify.Event {
	if !enabled {
		return nil
	}
	return fw.Events
}

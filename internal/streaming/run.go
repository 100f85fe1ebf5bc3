package streaming

import (
	"context"
	"errors"
	"time"
)

// Run drives a full C9 cycle: watch dir for chunks and deliver them
// through sender until a sentinel arrives or ctx is cancelled. Returns
// an error if the stream ended with the error sentinel.
func Run(ctx context.Context, dir string, flushInterval time.Duration, d *Delivery) error {
	events := Watch(ctx, dir, flushInterval)
	for ev := range events {
		switch {
		case ev.Error:
			d.Abort(ctx)
			if ev.Err != nil {
				return ev.Err
			}
			return errors.New("streaming: stream ended with the error sentinel")
		case ev.Done:
			return d.Finalize(ctx)
		default:
			if err := d.Append(ctx, ev.Text); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

package streaming

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sender is the minimal messaging-provider surface C9 needs (the
// provider itself is a non-goal external collaborator per spec.md
// §1): send a new message, edit one in place, or delete it.
type Sender interface {
	Send(ctx context.Context, text string) (messageID string, err error)
	Edit(ctx context.Context, messageID, text string) error
	Delete(ctx context.Context, messageID string) error
}

// Delivery accumulates streamed text and flushes it to chat at most
// once per editInterval, using a golang.org/x/time/rate.Limiter (a
// token bucket with burst 1) as the flush gate in place of a
// hand-rolled ticker debounce.
type Delivery struct {
	sender        Sender
	limiter       *rate.Limiter
	maxEditLength int

	mu        sync.Mutex
	text      string
	messageID string
}

// NewDelivery constructs a Delivery that flushes no more than once per
// editInterval and truncates in-flight edits to maxEditLength.
func NewDelivery(sender Sender, editInterval time.Duration, maxEditLength int) *Delivery {
	if editInterval <= 0 {
		editInterval = 900 * time.Millisecond
	}
	return &Delivery{
		sender:        sender,
		limiter:       rate.NewLimiter(rate.Every(editInterval), 1),
		maxEditLength: maxEditLength,
	}
}

// Append adds text to the accumulated buffer and, if the rate limiter
// currently allows a flush, sends or edits the chat message. During
// streaming, overflow past maxEditLength is truncated in the edited
// message (the full text is preserved internally for Finalize).
func (d *Delivery) Append(ctx context.Context, chunk string) error {
	d.mu.Lock()
	d.text += chunk
	d.mu.Unlock()

	if !d.limiter.Allow() {
		return nil
	}
	return d.flush(ctx, false)
}

// Finalize performs the last flush. If the accumulated text exceeds
// maxEditLength, the message is edited with the truncated prefix and
// the remainder is sent as a new message, per spec.md §4.8.
func (d *Delivery) Finalize(ctx context.Context) error {
	return d.flush(ctx, true)
}

func (d *Delivery) flush(ctx context.Context, final bool) error {
	d.mu.Lock()
	text := d.text
	messageID := d.messageID
	d.mu.Unlock()

	if text == "" {
		return nil
	}

	display := text
	var overflow string
	if d.maxEditLength > 0 && len(text) > d.maxEditLength {
		display = text[:d.maxEditLength]
		if final {
			overflow = text[d.maxEditLength:]
		}
	}

	if messageID == "" {
		id, err := d.sender.Send(ctx, display)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.messageID = id
		d.mu.Unlock()
	} else {
		if err := d.sender.Edit(ctx, messageID, display); err != nil {
			return err
		}
	}

	if final && overflow != "" {
		if _, err := d.sender.Send(ctx, overflow); err != nil {
			return err
		}
	}
	return nil
}

// Abort cancels delivery and best-effort deletes the partial message,
// per spec.md §4.8's cleanup-on-abort rule. Delete failures are
// swallowed since cleanup is best-effort.
func (d *Delivery) Abort(ctx context.Context) {
	d.mu.Lock()
	messageID := d.messageID
	d.mu.Unlock()
	if messageID == "" {
		return
	}
	_ = d.sender.Delete(ctx, messageID)
}

package pkgmessage

import (
	"context"
	"sync"
)

// ManualSub is the object yielded inside an OpenSubManualAcking block:
// messages are pulled via Next, and acknowledgement is entirely the
// caller's responsibility via Ack/Nack, in any order, any number
// in flight up to the configured limit.
type ManualSub struct {
	consumer Consumer
	gen      MessageGenerator

	mu      sync.Mutex
	pending map[MsgID]*Message
	limit   int
}

// Next yields the next message, or ok=false at clean end of stream.
// When the caller already has limit messages unresolved, Next fails
// with ErrTooManyPendingAcks instead of fetching another.
func (s *ManualSub) Next(ctx context.Context) (msg *Message, ok bool, err error) {
	s.mu.Lock()
	full := len(s.pending) >= s.limit
	s.mu.Unlock()
	if full {
		return nil, false, ErrTooManyPendingAcks
	}

	next, ok, err := s.gen.Next(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	next.bind(consumerBackend{consumer: s.consumer})

	s.mu.Lock()
	s.pending[next.ID()] = next
	s.mu.Unlock()

	return next, true, nil
}

// Context returns ctx carrying the correlation id read off msg's headers
// (see CorrelationIDHeader), or ctx unchanged if msg carries none.
func (s *ManualSub) Context(ctx context.Context, msg *Message) context.Context {
	headers, err := msg.Headers()
	if err != nil {
		return ctx
	}
	id := correlationIDFromHeaders(headers)
	if id == "" {
		return ctx
	}
	return SetCorrelationID(ctx, id)
}

// Ack acknowledges msg and removes it from the pending set.
func (s *ManualSub) Ack(ctx context.Context, msg *Message) error {
	if err := msg.Ack(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, msg.ID())
	s.mu.Unlock()
	return nil
}

// Nack negatively acknowledges msg and removes it from the pending set.
func (s *ManualSub) Nack(ctx context.Context, msg *Message) error {
	if err := msg.Nack(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, msg.ID())
	s.mu.Unlock()
	return nil
}

// Pending returns the number of yielded-but-unresolved messages.
func (s *ManualSub) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *ManualSub) drainPending() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m)
	}
	s.pending = map[MsgID]*Message{}
	return out
}

// OpenSubManualAcking creates and connects a Consumer and runs fn
// against a ManualSub bounded by ackPendingLimit (clamped up to 1)
// in-flight unresolved messages. On an error return from fn, every
// still-pending message is nacked, in unspecified order, before the
// generator is aborted; the error is re-raised only when the Queue was
// built with WithExceptErrors(false). On a clean return, pending
// messages are left exactly as they are — the library does not
// auto-ack or auto-nack them; redelivery is left to the broker's own
// ack-timeout. The Consumer is always closed before OpenSubManualAcking
// returns.
func OpenSubManualAcking(
	ctx context.Context,
	q *Queue,
	ackPendingLimit int,
	fn func(ctx context.Context, sub *ManualSub) error,
) error {
	if ackPendingLimit < 1 {
		ackPendingLimit = 1
	}

	consumer, err := q.newConsumer()
	if err != nil {
		return err
	}
	if err := consumer.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	gen, err := consumer.MessageGenerator(ctx, int(q.opts.timeout.Seconds()), !q.opts.exceptErrors, q.opts.retries, q.opts.retryDelay)
	if err != nil {
		return err
	}

	sub := &ManualSub{consumer: consumer, gen: gen, pending: map[MsgID]*Message{}, limit: ackPendingLimit}

	userErr := runWithRecover(ctx, "open_sub_manual_acking", func() error {
		return fn(ctx, sub)
	})

	if userErr != nil {
		for _, m := range sub.drainPending() {
			_ = m.Nack(ctx)
		}
		_ = gen.Abort(ctx, userErr)

		if !q.opts.exceptErrors {
			return userErr
		}
		return nil
	}

	return gen.Close()
}

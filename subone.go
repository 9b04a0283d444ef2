package pkgmessage

import "context"

// OpenSubOne creates and connects a Consumer, fetches exactly one
// message within the Queue's configured timeout, and runs fn against it.
// No message within the timeout fails with ErrEmptyQueue. On normal
// return from fn the message is acked; on error it is nacked, and the
// error is re-raised only when the Queue was built with
// WithExceptErrors(false) — otherwise it is suppressed (returns nil).
// The Consumer is always closed before OpenSubOne returns.
func OpenSubOne(ctx context.Context, q *Queue, fn func(ctx context.Context, msg *Message) error) error {
	consumer, err := q.newConsumer()
	if err != nil {
		return err
	}
	if err := consumer.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	timeoutMillis := int(q.opts.timeout.Milliseconds())
	msg, err := consumer.GetMessage(ctx, timeoutMillis, q.opts.retries, q.opts.retryDelay)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrEmptyQueue
	}
	msg.bind(consumerBackend{consumer: consumer})

	fnCtx := ctx
	if headers, err := msg.Headers(); err == nil {
		if id := correlationIDFromHeaders(headers); id != "" {
			fnCtx = SetCorrelationID(ctx, id)
		}
	}

	userErr := runWithRecover(ctx, "open_sub_one", func() error {
		return fn(fnCtx, msg)
	})

	if userErr == nil {
		return msg.Ack(ctx)
	}

	_ = msg.Nack(ctx)
	if !q.opts.exceptErrors {
		return userErr
	}
	return nil
}

package pkgmessage

import "context"

type subState int

const (
	subStateOpen subState = iota
	subStateExhausted
	subStateAborted
)

// SubIterator is the Go mapping of the generator-backed iterator the
// design notes call for: Next is the generator's resume, Abort is its
// throw. OpenSub drives ack/nack around Next internally; user code only
// calls Next.
type SubIterator struct {
	consumer Consumer
	gen      MessageGenerator
	current  *Message
	state    subState
}

// Next acks the previously yielded message (if still unresolved), then
// fetches and yields the next one. ok is false once the generator has
// been idle for the Queue's timeout (clean end of stream, err is nil).
// Calling Next after the iterator has exhausted or aborted is a usage
// error.
func (it *SubIterator) Next(ctx context.Context) (msg *Message, ok bool, err error) {
	if it.state != subStateOpen {
		return nil, false, ErrAlreadyEntered
	}

	if it.current != nil && it.current.unresolved() {
		if err := it.current.Ack(ctx); err != nil {
			return nil, false, err
		}
	}
	it.current = nil

	next, ok, err := it.gen.Next(ctx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		it.state = subStateExhausted
		return nil, false, nil
	}

	next.bind(consumerBackend{consumer: it.consumer})
	it.current = next
	return next, true, nil
}

// Context returns ctx carrying the correlation id read off the current
// message's headers (see CorrelationIDHeader), or ctx unchanged if the
// message carries none or Next hasn't yielded one yet. fn calls this once
// per iteration to recover the id a Publisher.Send propagated.
func (it *SubIterator) Context(ctx context.Context) context.Context {
	if it.current == nil {
		return ctx
	}
	headers, err := it.current.Headers()
	if err != nil {
		return ctx
	}
	id := correlationIDFromHeaders(headers)
	if id == "" {
		return ctx
	}
	return SetCorrelationID(ctx, id)
}

// OpenSub creates and connects a Consumer, starts a message generator,
// and runs fn against a SubIterator. fn drives iteration by calling
// it.Next in a loop; Next acks the previously yielded message before
// fetching the next one. A clean return from fn (including one reached
// by breaking out of the loop early, with the current message still
// live) acks that last message — break is a good exit. An error return
// nacks the current message, aborts the generator, and is re-raised only
// when the Queue was built with WithExceptErrors(false). The Consumer is
// always closed before OpenSub returns.
func OpenSub(ctx context.Context, q *Queue, fn func(ctx context.Context, it *SubIterator) error) error {
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

	it := &SubIterator{consumer: consumer, gen: gen, state: subStateOpen}

	userErr := runWithRecover(ctx, "open_sub", func() error {
		return fn(ctx, it)
	})

	if userErr != nil {
		it.state = subStateAborted
		if it.current != nil && it.current.unresolved() {
			_ = it.current.Nack(ctx)
		}
		_ = gen.Abort(ctx, userErr)

		if !q.opts.exceptErrors {
			return userErr
		}
		return nil
	}

	if it.current != nil && it.current.unresolved() {
		if err := it.current.Ack(ctx); err != nil {
			_ = gen.Close()
			return err
		}
	}
	it.state = subStateExhausted
	return gen.Close()
}

package pkgmessage

import (
	"context"
	"time"
)

// Publisher is the object yielded inside an OpenPub block.
type Publisher struct {
	producer Producer
	retries  int
	delay    time.Duration
}

// Send serializes data with headers and sends it through the scoped
// Producer, applying the Queue's retry configuration. If ctx carries a
// correlation id (see SetCorrelationID) and headers doesn't already set
// CorrelationIDHeader, the id is copied into headers so a consumer can
// recover it via correlationIDFromHeaders.
func (p *Publisher) Send(ctx context.Context, data any, headers map[string]any) error {
	if id := GetCorrelationID(ctx); id != "" {
		if _, ok := headers[CorrelationIDHeader]; !ok {
			if headers == nil {
				headers = map[string]any{}
			}
			headers[CorrelationIDHeader] = id
		}
	}

	payload, err := Serialize(data, headers)
	if err != nil {
		return err
	}
	return p.producer.SendMessage(ctx, payload, p.retries, p.delay)
}

// OpenPub creates and connects a Producer scoped to fn: the Producer is
// always closed on exit, including when fn panics or returns an error,
// before the error propagates to the caller.
func OpenPub(ctx context.Context, q *Queue, fn func(ctx context.Context, pub *Publisher) error) error {
	producer, err := q.newProducer()
	if err != nil {
		return err
	}
	if err := producer.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	pub := &Publisher{producer: producer, retries: q.opts.retries, delay: q.opts.retryDelay}

	return runWithRecover(ctx, "open_pub", func() error {
		return fn(ctx, pub)
	})
}

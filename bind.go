package pkgmessage

import "context"

// consumerBackend adapts a Consumer to the ackBackend interface a Message
// calls into from Ack/Nack, so the ack state machine in ack.go never
// depends directly on the broker adapter interface.
type consumerBackend struct {
	consumer Consumer
}

func (b consumerBackend) ackMessage(ctx context.Context, m *Message) error {
	return b.consumer.AckMessage(ctx, m)
}

func (b consumerBackend) rejectMessage(ctx context.Context, m *Message) error {
	return b.consumer.RejectMessage(ctx, m)
}

package pkgmessage

import (
	"context"
	"log/slog"
)

// AckStatus is the acknowledgement state of a delivered Message. It
// advances monotonically NONE -> {ACKED, NACKED}; reverse or cross
// transitions are illegal (see the transition table on Message.Ack/
// Message.Nack below, grounded on the teacher's idempotency.State enum).
type AckStatus int

const (
	// AckStatusNone is the initial state: the message is unresolved.
	AckStatusNone AckStatus = iota
	// AckStatusAcked marks a message successfully processed.
	AckStatusAcked
	// AckStatusNacked marks a message rejected/requeued.
	AckStatusNacked
)

// String returns the string representation of the ack status.
func (s AckStatus) String() string {
	switch s {
	case AckStatusAcked:
		return "ACK_STATUS_ACKED"
	case AckStatusNacked:
		return "ACK_STATUS_NACKED"
	case AckStatusNone:
		return "ACK_STATUS_NONE"
	default:
		return "ACK_STATUS_UNKNOWN"
	}
}

// Ack acknowledges the message, enforcing the legal transition table:
//
//	NONE    -> ack: call adapter ack; on success, set ACKED
//	ACKED   -> ack: no-op (debug log)
//	NACKED  -> ack: illegal, returns *AckError
//
// Any adapter-level failure leaves the state unchanged and is wrapped as
// *AckError with the underlying cause chained.
func (m *Message) Ack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case AckStatusAcked:
		slog.Debug("pkgmessage: ack on already-acked message is a no-op", "msg_id_kind", m.id.kind)
		return nil
	case AckStatusNacked:
		return newAckError(ErrIllegalAckTransition)
	}

	if m.backend == nil {
		return newAckError(ErrAlreadyClosed)
	}
	if err := m.backend.ackMessage(ctx, m); err != nil {
		return newAckError(err)
	}
	m.status = AckStatusAcked
	return nil
}

// Nack negatively acknowledges the message, enforcing the legal
// transition table:
//
//	NONE    -> nack: call adapter nack; on success, set NACKED
//	NACKED  -> nack: no-op (debug log)
//	ACKED   -> nack: illegal, returns *NackError
//
// Any adapter-level failure leaves the state unchanged and is wrapped as
// *NackError with the underlying cause chained.
func (m *Message) Nack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case AckStatusNacked:
		slog.Debug("pkgmessage: nack on already-nacked message is a no-op", "msg_id_kind", m.id.kind)
		return nil
	case AckStatusAcked:
		return newNackError(ErrIllegalNackTransition)
	}

	if m.backend == nil {
		return newNackError(ErrAlreadyClosed)
	}
	if err := m.backend.rejectMessage(ctx, m); err != nil {
		return newNackError(err)
	}
	m.status = AckStatusNacked
	return nil
}

// unresolved reports whether the message's ack status is still NONE,
// i.e. whether the scoped context owning it still needs to resolve it
// on exit.
func (m *Message) unresolved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == AckStatusNone
}

package pkgmessage

import (
	"context"
	"time"
)

// RawQueue is the base lifecycle shared by Producer and Consumer: connect
// then close. Connect/Close are idempotent with respect to an
// already-matching state; Close on an already-closed instance fails with
// ErrAlreadyClosed.
type RawQueue interface {
	// Connect establishes the underlying broker connection.
	Connect(ctx context.Context) error
	// Close releases the underlying broker connection.
	Close() error
}

// Producer sends serialized envelope bytes to a broker destination.
type Producer interface {
	RawQueue

	// SendMessage sends and confirms durability at the broker's
	// granularity, retrying up to retries times with retryDelay between
	// attempts on transient failures.
	SendMessage(ctx context.Context, payload []byte, retries int, retryDelay time.Duration) error
}

// MessageGenerator is a lazy sequence of messages that stops when the
// broker has been idle for the configured timeout. It is the Go mapping
// of the spec's generator design note: a language without coroutines
// models message_generator as an explicit iterator object exposing Next
// and Abort (the "throw" half of a generator).
type MessageGenerator interface {
	// Next blocks until a message arrives, the idle timeout elapses (ok
	// is false, err is nil), or ctx is cancelled.
	Next(ctx context.Context) (msg *Message, ok bool, err error)

	// Abort hands an exception back to the generator, mirroring a
	// generator's throw(); the generator may choose to propagate it
	// (if propagateError was set) or suppress it, and must release any
	// broker-side resources it owns.
	Abort(ctx context.Context, cause error) error

	// Close releases generator-owned resources if Next/Abort has not
	// already done so.
	Close() error
}

// Consumer receives messages from a broker source. A consumer instance
// carries a prefetch parameter: the maximum number of unacknowledged
// messages the broker may send ahead of time.
type Consumer interface {
	RawQueue

	// GetMessage returns the next message within timeoutMillis, or
	// (nil, nil) on timeout (a soft, non-error idle signal). Must not
	// lose a message if cancelled mid-receive; redelivery is acceptable.
	GetMessage(ctx context.Context, timeoutMillis int, retries int, retryDelay time.Duration) (*Message, error)

	// AckMessage marks a delivered message as successfully processed.
	AckMessage(ctx context.Context, msg *Message) error

	// RejectMessage nacks a delivered message; the broker may redeliver.
	// Adapters request redelivery with a fast deadline when the broker
	// supports it.
	RejectMessage(ctx context.Context, msg *Message) error

	// MessageGenerator yields messages until the broker is idle for
	// timeoutSeconds. propagateError controls whether an Abort'd
	// exception is re-raised to the generator's own caller or
	// suppressed once resources are released.
	MessageGenerator(ctx context.Context, timeoutSeconds int, propagateError bool, retries int, retryDelay time.Duration) (MessageGenerator, error)
}

// BrokerClient is the adapter factory interface a broker registers under
// a driver name (see registry.go).
type BrokerClient interface {
	// CreatePubQueue constructs (but does not necessarily connect) a
	// Producer for the given address/name/auth/ack-timeout. params
	// carries broker-specific tuning set via WithParam/WithParams (e.g.
	// RabbitMQ's "queue_type", "exchange"); an adapter that has no use
	// for a key ignores it.
	CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (Producer, error)

	// CreateSubQueue constructs (but does not necessarily connect) a
	// Consumer for the given address/name/prefetch/auth/ack-timeout.
	// params carries the same broker-specific tuning as CreatePubQueue.
	CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (Consumer, error)
}

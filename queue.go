package pkgmessage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Queue is the broker-agnostic façade: a resolved address, destination
// name, and configuration bundle, from which scoped publisher/subscriber
// contexts are opened. A Queue itself holds no live broker connection;
// connections are owned by the Producer/Consumer instances the scoped
// contexts create and tear down.
type Queue struct {
	client BrokerClient
	addr   Address
	raw    string
	name   string
	opts   queueOptions
}

// NewQueue resolves driver against the broker-client registry, parses
// address, and returns a Queue bound to destination name. driver must
// name a broker whose adapter package has been blank-imported (see
// registry.go); otherwise GetBrokerClient's error explains which import
// is missing.
func NewQueue(ctx context.Context, driver, address, name string, opts ...Option) (*Queue, error) {
	qo := newQueueOptions(opts...)

	client, err := GetBrokerClient(driver)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = MakeName()
	}

	addr, err := ParseAddress(address, qo.authToken)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: parse address: %w", err)
	}

	return &Queue{
		client: client,
		addr:   addr,
		raw:    address,
		name:   name,
		opts:   qo,
	}, nil
}

// Name returns the destination name the Queue publishes/subscribes to.
func (q *Queue) Name() string { return q.name }

// Address returns the parsed broker address.
func (q *Queue) Address() Address { return q.addr }

func (q *Queue) newProducer() (Producer, error) {
	return q.client.CreatePubQueue(q.raw, q.name, q.opts.authToken, q.opts.ackTimeout, q.opts.params)
}

func (q *Queue) newConsumer() (Consumer, error) {
	return q.client.CreateSubQueue(q.raw, q.name, q.opts.prefetch, q.opts.authToken, q.opts.ackTimeout, q.opts.params)
}

// MakeName generates a queue/topic name: one letter followed by 12 hex
// digits, e.g. "q4f02b8c91a3d". NewQueue uses this when the caller
// leaves name empty. This is
// pure random-identifier generation with no parsing or protocol
// involved, so it is built on crypto/rand/encoding/hex directly rather
// than through a third-party id library.
func MakeName() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "q" + hex.EncodeToString([]byte{0, 0, 0, 0, 0, 0})
	}
	return "q" + hex.EncodeToString(buf)
}

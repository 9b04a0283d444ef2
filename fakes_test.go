package pkgmessage

import (
	"context"
	"sync"
	"time"
)

// fakeBrokerClient is a minimal in-memory BrokerClient used across the
// core package's tests, grounded on the pack's own fake-adapter test
// style (construct a stand-in implementing the real interface instead of
// mocking a library).
type fakeBrokerClient struct {
	mu        sync.Mutex
	producers []*fakeProducer
	consumer  *fakeConsumer
}

func (b *fakeBrokerClient) CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (Producer, error) {
	p := &fakeProducer{params: params}
	b.mu.Lock()
	b.producers = append(b.producers, p)
	b.mu.Unlock()
	return p, nil
}

func (b *fakeBrokerClient) CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (Consumer, error) {
	if b.consumer == nil {
		b.consumer = &fakeConsumer{params: params}
	}
	return b.consumer, nil
}

type fakeProducer struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	sent      [][]byte
	sendErr   error
	params    map[string]string
}

func (p *fakeProducer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrAlreadyClosed
	}
	p.closed = true
	return nil
}

func (p *fakeProducer) SendMessage(ctx context.Context, payload []byte, retries int, retryDelay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, payload)
	return nil
}

// fakeConsumer hands out messages from a preloaded queue and records
// ack/nack calls by message id, mirroring what a real adapter's
// delivery-tag table does.
type fakeConsumer struct {
	mu      sync.Mutex
	queue   []*Message
	acked   []MsgID
	nacked  []MsgID
	closed  bool
	ackErr  error
	nackErr error
	params  map[string]string
}

func (c *fakeConsumer) Connect(ctx context.Context) error { return nil }

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	c.closed = true
	return nil
}

func (c *fakeConsumer) push(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, msg)
}

func (c *fakeConsumer) GetMessage(ctx context.Context, timeoutMillis int, retries int, retryDelay time.Duration) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, nil
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

func (c *fakeConsumer) AckMessage(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErr != nil {
		return c.ackErr
	}
	c.acked = append(c.acked, msg.ID())
	return nil
}

func (c *fakeConsumer) RejectMessage(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nackErr != nil {
		return c.nackErr
	}
	c.nacked = append(c.nacked, msg.ID())
	return nil
}

func (c *fakeConsumer) MessageGenerator(ctx context.Context, timeoutSeconds int, propagateError bool, retries int, retryDelay time.Duration) (MessageGenerator, error) {
	return &fakeGenerator{consumer: c, propagateError: propagateError}, nil
}

// fakeGenerator pulls from the same backing queue as GetMessage, stopping
// (ok=false, err=nil) once it is empty — the idle-timeout signal a real
// adapter's generator would give after a receive timeout.
type fakeGenerator struct {
	consumer       *fakeConsumer
	propagateError bool
	aborted        bool
	abortCause     error
	closed         bool
}

func (g *fakeGenerator) Next(ctx context.Context) (*Message, bool, error) {
	if g.aborted || g.closed {
		return nil, false, nil
	}
	msg, err := g.consumer.GetMessage(ctx, 0, 0, 0)
	if err != nil {
		return nil, false, err
	}
	if msg == nil {
		return nil, false, nil
	}
	return msg, true, nil
}

func (g *fakeGenerator) Abort(ctx context.Context, cause error) error {
	g.aborted = true
	g.abortCause = cause
	return nil
}

func (g *fakeGenerator) Close() error {
	g.closed = true
	return nil
}

func newTestMessage(t interface{ Helper() }, idSeq int64, data any) *Message {
	t.Helper()
	payload, err := Serialize(data, nil)
	if err != nil {
		panic(err)
	}
	msg, err := NewMessage(NewIntMsgID(idSeq), payload)
	if err != nil {
		panic(err)
	}
	return msg
}

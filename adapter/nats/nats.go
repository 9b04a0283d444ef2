// Package nats adapts the pkgmessage broker-adapter interface to NATS
// JetStream via github.com/nats-io/nats.go, reusing pull subscriptions so
// Consumer.GetMessage maps directly onto JetStream's Fetch instead of
// bridging a push callback through a channel. Importing this package for
// side effects registers it under the "nats" broker-client name.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shandysiswandi/pkgmessage"
)

func init() {
	pkgmessage.Register(pkgmessage.BrokerNATS, brokerClient{})
}

type brokerClient struct{}

func (brokerClient) CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Producer, error) {
	return &producer{address: address, subject: name, authToken: authToken}, nil
}

func (brokerClient) CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	return &consumer{address: address, subject: name, authToken: authToken, ackTimeout: ackTimeout, durable: durableNameOrDefault(name, params)}, nil
}

// durableNameOrDefault reads the "durable_name" broker-specific param,
// falling back to a name derived from the subject so unrelated
// consumers of the same subject don't collide on one durable
// consumer by default.
func durableNameOrDefault(subject string, params map[string]string) string {
	if v, ok := params["durable_name"]; ok && v != "" {
		return v
	}
	return durableName(subject)
}

func connOpts(authToken string) []nats.Option {
	if authToken == "" {
		return nil
	}
	return []nats.Option{nats.Token(authToken)}
}

func isFatalNATS(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) || errors.Is(err, nats.ErrBadSubject)
}

type producer struct {
	address   string
	subject   string
	authToken string

	mu   sync.Mutex
	conn *nats.Conn
}

func (p *producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *producer) connectLocked() error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	conn, err := nats.Connect(p.address, connOpts(p.authToken)...)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	p.conn = conn
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	p.conn.Close()
	p.conn = nil
	return nil
}

func (p *producer) SendMessage(ctx context.Context, payload []byte, retries int, retryDelay time.Duration) error {
	return pkgmessage.AutoRetry(ctx,
		func() (*producer, error) { return p, nil },
		retries, retryDelay,
		func(ctx context.Context, p *producer) error {
			p.mu.Lock()
			if err := p.connectLocked(); err != nil {
				p.mu.Unlock()
				return err
			}
			conn := p.conn
			p.mu.Unlock()

			js, err := conn.JetStream()
			if err != nil {
				return err
			}
			if _, err := js.PublishAsync(p.subject, payload); err != nil {
				return err
			}
			select {
			case <-js.PublishAsyncComplete():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		func(p *producer) error { return p.Close() },
		func(ctx context.Context, p *producer) error { return p.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalNATS),
	)
}

type consumer struct {
	address    string
	subject    string
	authToken  string
	ackTimeout time.Duration
	durable    string

	mu      sync.Mutex
	conn    *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	pending map[string]*nats.Msg
}

func (c *consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *consumer) connectLocked() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	conn, err := nats.Connect(c.address, connOpts(c.authToken)...)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	_, _ = js.AddStream(&nats.StreamConfig{Name: streamName(c.subject), Subjects: []string{c.subject}})

	durable := c.durable
	if durable == "" {
		durable = durableName(c.subject)
	}
	sub, err := js.PullSubscribe(c.subject, durable, nats.ManualAck(), nats.AckWait(c.ackTimeout))
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}

	c.conn, c.js, c.sub = conn, js, sub
	return nil
}

func streamName(subject string) string  { return "pkgmessage-" + sanitize(subject) }
func durableName(subject string) string { return "pkgmessage-durable-" + sanitize(subject) }

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '*' || c == '>' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	c.conn.Close()
	c.conn, c.js, c.sub = nil, nil, nil
	return nil
}

func (c *consumer) GetMessage(ctx context.Context, timeoutMillis int, retries int, retryDelay time.Duration) (*pkgmessage.Message, error) {
	var result *pkgmessage.Message

	err := pkgmessage.AutoRetry(ctx,
		func() (*consumer, error) { return c, nil },
		retries, retryDelay,
		func(ctx context.Context, c *consumer) error {
			c.mu.Lock()
			if err := c.connectLocked(); err != nil {
				c.mu.Unlock()
				return err
			}
			sub := c.sub
			c.mu.Unlock()

			msgs, err := sub.Fetch(1, nats.MaxWait(time.Duration(timeoutMillis)*time.Millisecond))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) {
					result = nil
					return nil
				}
				return err
			}
			if len(msgs) == 0 {
				result = nil
				return nil
			}

			msg, merr := pkgmessage.NewMessage(pkgmessage.NewBytesMsgID(natsMsgKey(msgs[0])), msgs[0].Data)
			if merr != nil {
				return merr
			}
			c.mu.Lock()
			if c.pending == nil {
				c.pending = map[string]*nats.Msg{}
			}
			c.pending[string(natsMsgKey(msgs[0]))] = msgs[0]
			c.mu.Unlock()
			result = msg
			return nil
		},
		func(c *consumer) error { return c.Close() },
		func(ctx context.Context, c *consumer) error { return c.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalNATS),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func natsMsgKey(m *nats.Msg) []byte {
	meta, err := m.Metadata()
	if err != nil {
		return []byte(m.Subject)
	}
	return fmt.Appendf(nil, "%s:%d", m.Subject, meta.Sequence.Stream)
}

func (c *consumer) takePending(msg *pkgmessage.Message) (*nats.Msg, bool) {
	key, ok := msg.ID().Bytes()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pending[string(key)]
	if ok {
		delete(c.pending, string(key))
	}
	return m, ok
}

func (c *consumer) AckMessage(ctx context.Context, msg *pkgmessage.Message) error {
	m, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	return m.Ack()
}

func (c *consumer) RejectMessage(ctx context.Context, msg *pkgmessage.Message) error {
	m, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	return m.Nak()
}

func (c *consumer) MessageGenerator(ctx context.Context, timeoutSeconds int, propagateError bool, retries int, retryDelay time.Duration) (pkgmessage.MessageGenerator, error) {
	return &generator{consumer: c, timeoutMillis: timeoutSeconds * 1000, propagateError: propagateError, retries: retries, retryDelay: retryDelay}, nil
}

type generator struct {
	consumer       *consumer
	timeoutMillis  int
	propagateError bool
	retries        int
	retryDelay     time.Duration
	done           bool
}

func (g *generator) Next(ctx context.Context) (*pkgmessage.Message, bool, error) {
	if g.done {
		return nil, false, nil
	}
	msg, err := g.consumer.GetMessage(ctx, g.timeoutMillis, g.retries, g.retryDelay)
	if err != nil {
		if g.propagateError {
			return nil, false, err
		}
		g.done = true
		return nil, false, nil
	}
	if msg == nil {
		g.done = true
		return nil, false, nil
	}
	return msg, true, nil
}

func (g *generator) Abort(ctx context.Context, cause error) error {
	g.done = true
	if g.propagateError {
		return cause
	}
	return nil
}

func (g *generator) Close() error {
	g.done = true
	return nil
}

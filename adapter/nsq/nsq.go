// Package nsq adapts the pkgmessage broker-adapter interface to NSQ via
// github.com/nsqio/go-nsq. NSQ's Consumer delivers through
// AddConcurrentHandlers callbacks, so Consumer bridges that push model
// into a buffered channel the same way the teacher's own
// makeNSQHandler/waitNSQConsumer plumbing does, adapted here to feed a
// pull-based GetMessage instead of driving a long-lived handler loop.
// Importing this package for side effects registers it under the "nsq"
// broker-client name.
package nsq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	nsq "github.com/nsqio/go-nsq"

	"github.com/shandysiswandi/pkgmessage"
)

func init() {
	pkgmessage.Register(pkgmessage.BrokerNSQ, brokerClient{})
}

type brokerClient struct{}

func (brokerClient) CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Producer, error) {
	return &producer{address: address, topic: name}, nil
}

func (brokerClient) CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	topic, channel := splitTopicChannel(name, params)
	return &consumer{address: address, topic: topic, channel: channel, prefetch: prefetch, ackTimeout: ackTimeout}, nil
}

// splitTopicChannel accepts "topic" or "topic/channel"; NSQ requires both
// a topic and a channel, so a bare name gets "pkgmessage" as its channel
// unless the "channel" broker-specific param overrides it.
func splitTopicChannel(name string, params map[string]string) (topic, channel string) {
	if idx := strings.Index(name, "/"); idx >= 0 {
		topic, channel = name[:idx], name[idx+1:]
	} else {
		topic, channel = name, "pkgmessage"
	}
	if v, ok := params["channel"]; ok && v != "" {
		channel = v
	}
	return topic, channel
}

func isFatalNSQ(err error) bool {
	return false
}

type producer struct {
	address string
	topic   string

	mu   sync.Mutex
	conn *nsq.Producer
}

func (p *producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *producer) connectLocked() error {
	if p.conn != nil {
		return nil
	}
	prod, err := nsq.NewProducer(p.address, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	prod.SetLoggerLevel(nsq.LogLevelError)
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	p.conn = prod
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	p.conn.Stop()
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
			return conn.Publish(p.topic, payload)
		},
		func(p *producer) error { return p.Close() },
		func(ctx context.Context, p *producer) error { return p.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalNSQ),
	)
}

type delivery struct {
	msg  *nsq.Message
	key  string
	body []byte
}

type consumer struct {
	address    string
	topic      string
	channel    string
	prefetch   int
	ackTimeout time.Duration

	mu        sync.Mutex
	conn      *nsq.Consumer
	deliverCh chan delivery
	pending   map[string]*nsq.Message
	seq       int64
}

func (c *consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *consumer) connectLocked() error {
	if c.conn != nil {
		return nil
	}

	cfg := nsq.NewConfig()
	cfg.MaxInFlight = c.prefetch
	if c.ackTimeout > 0 {
		cfg.MsgTimeout = c.ackTimeout
	}

	cons, err := nsq.NewConsumer(c.topic, c.channel, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	cons.SetLoggerLevel(nsq.LogLevelError)

	c.deliverCh = make(chan delivery, c.prefetch)
	c.pending = map[string]*nsq.Message{}

	cons.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()

		c.mu.Lock()
		c.seq++
		key := strconv.FormatInt(c.seq, 10)
		c.pending[key] = m
		deliverCh := c.deliverCh
		c.mu.Unlock()

		body := append([]byte(nil), m.Body...)
		deliverCh <- delivery{msg: m, key: key, body: body}
		return nil
	}), c.prefetch)

	if err := cons.ConnectToNSQD(c.address); err != nil {
		cons.Stop()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}

	c.conn = cons
	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	c.conn.Stop()
	<-c.conn.StopChan
	c.conn, c.deliverCh, c.pending = nil, nil, nil
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
			deliverCh := c.deliverCh
			c.mu.Unlock()

			timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
			defer timer.Stop()

			select {
			case d := <-deliverCh:
				msg, err := pkgmessage.NewMessage(pkgmessage.NewStringMsgID(d.key), d.body)
				if err != nil {
					return err
				}
				result = msg
				return nil
			case <-timer.C:
				result = nil
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		func(c *consumer) error { return c.Close() },
		func(ctx context.Context, c *consumer) error { return c.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalNSQ),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *consumer) takePending(msg *pkgmessage.Message) (*nsq.Message, bool) {
	key, ok := msg.ID().String()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	return m, ok
}

func (c *consumer) AckMessage(ctx context.Context, msg *pkgmessage.Message) error {
	m, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	m.Finish()
	return nil
}

func (c *consumer) RejectMessage(ctx context.Context, msg *pkgmessage.Message) error {
	m, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	m.Requeue(0)
	return nil
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

// Package rabbitmq adapts the pkgmessage broker-adapter interface to
// RabbitMQ's AMQP-0-9-1 dialect via github.com/rabbitmq/amqp091-go.
// Importing this package for side effects registers it under the
// "rabbitmq" broker-client name.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shandysiswandi/pkgmessage"
)

func init() {
	pkgmessage.Register(pkgmessage.BrokerRabbitMQ, brokerClient{})
}

type brokerClient struct{}

func (brokerClient) CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Producer, error) {
	return &producer{address: address, name: name, authToken: authToken, exchange: params["exchange"], queueType: queueTypeOrDefault(params)}, nil
}

func (brokerClient) CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	return &consumer{address: address, name: name, prefetch: prefetch, authToken: authToken, ackTimeout: ackTimeout, queueType: queueTypeOrDefault(params)}, nil
}

// queueTypeOrDefault reads the "queue_type" broker-specific param,
// falling back to "quorum" the way the original backend always
// declared its queues.
func queueTypeOrDefault(params map[string]string) string {
	if v, ok := params["queue_type"]; ok && v != "" {
		return v
	}
	return "quorum"
}

// buildURI turns a pkgmessage-parsed address into an amqp091-go URI
// string, substituting authToken for a missing password.
func buildURI(address, authToken string) (string, error) {
	addr, err := pkgmessage.ParseAddress(address, authToken)
	if err != nil {
		return "", err
	}

	scheme := addr.Scheme
	if scheme == "" {
		scheme = "amqp"
	}
	pass := addr.Password
	if pass == "" {
		pass = authToken
	}
	vhost := addr.VHost
	if vhost == "" {
		vhost = "/"
	}
	port := 5672
	if addr.Port != "" {
		if p, err := strconv.Atoi(addr.Port); err == nil {
			port = p
		}
	}

	uri := amqp.URI{
		Scheme:   scheme,
		Host:     addr.Host,
		Port:     port,
		Username: addr.Username,
		Password: pass,
		Vhost:    vhost,
	}
	return uri.String(), nil
}

// isFatalAMQP classifies channel/connection-level protocol errors (bad
// credentials, missing resource, precondition failure) as fatal; any
// other failure (including a plain network error) is retriable.
func isFatalAMQP(err error) bool {
	var amqpErr *amqp.Error
	if ok := asAMQPError(err, &amqpErr); ok {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.PreconditionFailed, amqp.NotAllowed:
			return true
		}
	}
	return false
}

func asAMQPError(err error, target **amqp.Error) bool {
	if e, ok := err.(*amqp.Error); ok {
		*target = e
		return true
	}
	return false
}

type producer struct {
	address   string
	name      string
	authToken string
	exchange  string
	queueType string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (p *producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *producer) connectLocked(ctx context.Context) error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}

	uri, err := buildURI(p.address, p.authToken)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}

	conn, err := amqp.Dial(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	args := amqp.Table{"x-queue-type": p.queueType}
	if _, err := ch.QueueDeclare(p.name, true, false, false, false, args); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	p.conn, p.ch = nil, nil
	if chErr != nil {
		return chErr
	}
	return connErr
}

func (p *producer) SendMessage(ctx context.Context, payload []byte, retries int, retryDelay time.Duration) error {
	return pkgmessage.AutoRetry(ctx,
		func() (*producer, error) { return p, nil },
		retries, retryDelay,
		func(ctx context.Context, p *producer) error {
			p.mu.Lock()
			if err := p.connectLocked(ctx); err != nil {
				p.mu.Unlock()
				return err
			}
			ch := p.ch
			name := p.name
			exchange := p.exchange
			p.mu.Unlock()

			return ch.PublishWithContext(ctx, exchange, name, false, false, amqp.Publishing{
				ContentType: "application/octet-stream",
				Body:        payload,
			})
		},
		func(p *producer) error { return p.Close() },
		func(ctx context.Context, p *producer) error { return p.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalAMQP),
	)
}

type consumer struct {
	address    string
	name       string
	prefetch   int
	authToken  string
	ackTimeout time.Duration
	queueType  string

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (c *consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *consumer) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	uri, err := buildURI(c.address, c.authToken)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	conn, err := amqp.Dial(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	args := amqp.Table{"x-queue-type": c.queueType}
	if _, err := ch.QueueDeclare(c.name, true, false, false, false, args); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	deliveries, err := ch.Consume(c.name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}

	c.conn, c.ch, c.deliveries = conn, ch, deliveries
	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	chErr := c.ch.Close()
	connErr := c.conn.Close()
	c.conn, c.ch, c.deliveries = nil, nil, nil
	if chErr != nil {
		return chErr
	}
	return connErr
}

func (c *consumer) GetMessage(ctx context.Context, timeoutMillis int, retries int, retryDelay time.Duration) (*pkgmessage.Message, error) {
	var result *pkgmessage.Message

	err := pkgmessage.AutoRetry(ctx,
		func() (*consumer, error) { return c, nil },
		retries, retryDelay,
		func(ctx context.Context, c *consumer) error {
			c.mu.Lock()
			if err := c.connectLocked(ctx); err != nil {
				c.mu.Unlock()
				return err
			}
			deliveries := c.deliveries
			c.mu.Unlock()

			timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
			defer timer.Stop()

			select {
			case d, ok := <-deliveries:
				if !ok {
					return fmt.Errorf("pkgmessage: rabbitmq delivery channel closed")
				}
				msg, err := pkgmessage.NewMessage(pkgmessage.NewIntMsgID(int64(d.DeliveryTag)), d.Body)
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
		pkgmessage.ClassifyFatal(isFatalAMQP),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *consumer) AckMessage(ctx context.Context, msg *pkgmessage.Message) error {
	tag, ok := msg.ID().Int()
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	return ch.Ack(uint64(tag), false)
}

func (c *consumer) RejectMessage(ctx context.Context, msg *pkgmessage.Message) error {
	tag, ok := msg.ID().Int()
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	return ch.Nack(uint64(tag), false, true)
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

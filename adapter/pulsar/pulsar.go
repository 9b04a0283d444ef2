// Package pulsar adapts the pkgmessage broker-adapter interface to
// Apache Pulsar via github.com/apache/pulsar-client-go/pulsar.
// Consumer.Receive is natively pull-based, so it maps directly onto
// GetMessage without a push-to-pull channel bridge. Importing this
// package for side effects registers it under the "pulsar" broker-client
// name.
package pulsar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/shandysiswandi/pkgmessage"
)

func init() {
	pkgmessage.Register(pkgmessage.BrokerPulsar, brokerClient{})
}

type brokerClient struct{}

func (brokerClient) CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Producer, error) {
	return &producer{address: address, topic: name, authToken: authToken}, nil
}

func (brokerClient) CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	return &consumer{
		address:          address,
		topic:            name,
		prefetch:         prefetch,
		authToken:        authToken,
		ackTimeout:       ackTimeout,
		subscriptionName: subscriptionNameOrDefault(name, params),
		subscriptionType: subscriptionTypeOrDefault(params),
	}, nil
}

// subscriptionNameOrDefault reads the "subscription_name" broker-specific
// param, falling back to the topic-derived name the adapter always used.
func subscriptionNameOrDefault(topic string, params map[string]string) string {
	if v, ok := params["subscription_name"]; ok && v != "" {
		return v
	}
	return "pkgmessage-" + topic
}

// subscriptionTypeOrDefault reads the "subscription_type" broker-specific
// param ("shared", "exclusive", "failover", "key_shared"), defaulting to
// Shared as the adapter always used.
func subscriptionTypeOrDefault(params map[string]string) pulsar.SubscriptionType {
	switch params["subscription_type"] {
	case "exclusive":
		return pulsar.Exclusive
	case "failover":
		return pulsar.Failover
	case "key_shared":
		return pulsar.KeyShared
	default:
		return pulsar.Shared
	}
}

func clientOptions(address, authToken string) pulsar.ClientOptions {
	opts := pulsar.ClientOptions{URL: address}
	if authToken != "" {
		opts.Authentication = pulsar.NewAuthenticationToken(authToken)
	}
	return opts
}

func isFatalPulsar(err error) bool {
	return errors.Is(err, pulsar.ErrUnauthorized) ||
		errors.Is(err, pulsar.ErrInvalidTopicName) ||
		errors.Is(err, pulsar.ErrInvalidConfiguration)
}

type producer struct {
	address   string
	topic     string
	authToken string

	mu       sync.Mutex
	client   pulsar.Client
	producer pulsar.Producer
}

func (p *producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *producer) connectLocked() error {
	if p.client != nil {
		return nil
	}
	client, err := pulsar.NewClient(clientOptions(p.address, p.authToken))
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	prod, err := client.CreateProducer(pulsar.ProducerOptions{Topic: p.topic})
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	p.client, p.producer = client, prod
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	p.producer.Close()
	p.client.Close()
	p.client, p.producer = nil, nil
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
			prod := p.producer
			p.mu.Unlock()

			_, err := prod.Send(ctx, &pulsar.ProducerMessage{Payload: payload})
			return err
		},
		func(p *producer) error { return p.Close() },
		func(ctx context.Context, p *producer) error { return p.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalPulsar),
	)
}

type consumer struct {
	address          string
	topic            string
	prefetch         int
	authToken        string
	ackTimeout       time.Duration
	subscriptionName string
	subscriptionType pulsar.SubscriptionType

	mu       sync.Mutex
	client   pulsar.Client
	consumer pulsar.Consumer
	pending  map[string]pulsar.Message
}

func (c *consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *consumer) connectLocked() error {
	if c.client != nil {
		return nil
	}
	client, err := pulsar.NewClient(clientOptions(c.address, c.authToken))
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	cons, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:               c.topic,
		SubscriptionName:    c.subscriptionName,
		Type:                c.subscriptionType,
		ReceiverQueueSize:   c.prefetch,
		NackRedeliveryDelay: time.Second,
		AckGroupingTimeout:  c.ackTimeout,
	})
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	c.client, c.consumer, c.pending = client, cons, map[string]pulsar.Message{}
	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	c.consumer.Close()
	c.client.Close()
	c.client, c.consumer, c.pending = nil, nil, nil
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
			cons := c.consumer
			c.mu.Unlock()

			recvCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
			defer cancel()

			pmsg, err := cons.Receive(recvCtx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					result = nil
					return nil
				}
				return err
			}

			msg, merr := pkgmessage.NewMessage(pkgmessage.NewBytesMsgID(pmsg.ID().Serialize()), pmsg.Payload())
			if merr != nil {
				return merr
			}
			c.mu.Lock()
			c.pending[string(pmsg.ID().Serialize())] = pmsg
			c.mu.Unlock()
			result = msg
			return nil
		},
		func(c *consumer) error { return c.Close() },
		func(ctx context.Context, c *consumer) error { return c.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalPulsar),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *consumer) takePending(msg *pkgmessage.Message) (pulsar.Message, bool) {
	key, ok := msg.ID().Bytes()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pmsg, ok := c.pending[string(key)]
	if ok {
		delete(c.pending, string(key))
	}
	return pmsg, ok
}

func (c *consumer) AckMessage(ctx context.Context, msg *pkgmessage.Message) error {
	pmsg, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	c.mu.Lock()
	cons := c.consumer
	c.mu.Unlock()
	return cons.Ack(pmsg)
}

func (c *consumer) RejectMessage(ctx context.Context, msg *pkgmessage.Message) error {
	pmsg, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	c.mu.Lock()
	cons := c.consumer
	c.mu.Unlock()
	cons.Nack(pmsg)
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

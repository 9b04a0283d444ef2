// Package gcppubsub adapts the pkgmessage broker-adapter interface to
// Google Cloud Pub/Sub via cloud.google.com/go/pubsub/v2. Pub/Sub's
// Subscriber.Receive is push/callback-based, so Consumer bridges it into
// a buffered channel fed from the callback, the same technique the
// teacher's own subscribeNATS/kafkaFetchLoop use for their own
// worker-goroutine-to-channel plumbing, applied here in the opposite
// direction (push broker -> pull core API).
package gcppubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shandysiswandi/pkgmessage"
)

func init() {
	pkgmessage.Register(pkgmessage.BrokerGCP, brokerClient{})
}

type brokerClient struct{}

func (brokerClient) CreatePubQueue(address, name, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Producer, error) {
	return &producer{projectID: address, topic: name, authToken: authToken}, nil
}

func (brokerClient) CreateSubQueue(address, name string, prefetch int, authToken string, ackTimeout time.Duration, params map[string]string) (pkgmessage.Consumer, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &consumer{projectID: address, subscription: subscriptionOrDefault(name, params), prefetch: prefetch, authToken: authToken, ackTimeout: ackTimeout}, nil
}

// subscriptionOrDefault reads the "subscription" broker-specific param,
// falling back to the queue name so a bare name can still be used as a
// subscription ID when no distinct subscription already exists.
func subscriptionOrDefault(name string, params map[string]string) string {
	if v, ok := params["subscription"]; ok && v != "" {
		return v
	}
	return name
}

func clientOptions(authToken string) []option.ClientOption {
	if authToken == "" {
		return nil
	}
	return []option.ClientOption{option.WithAPIKey(authToken)}
}

// isFatalGCP classifies a gRPC status code as fatal when it signals a
// request-shaped problem (bad argument, permission, not found) rather
// than transient unavailability.
func isFatalGCP(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
		return true
	default:
		return false
	}
}

type producer struct {
	projectID string
	topic     string
	authToken string

	mu  sync.Mutex
	cli *pubsub.Client
	pub *pubsub.Publisher
}

func (p *producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

func (p *producer) connectLocked(ctx context.Context) error {
	if p.cli != nil {
		return nil
	}
	cli, err := pubsub.NewClient(ctx, p.projectID, clientOptions(p.authToken)...)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	p.cli = cli
	p.pub = cli.Publisher(p.topic)
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	p.pub.Stop()
	err := p.cli.Close()
	p.cli, p.pub = nil, nil
	return err
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
			pub := p.pub
			p.mu.Unlock()

			result := pub.Publish(ctx, &pubsub.Message{Data: payload})
			_, err := result.Get(ctx)
			return err
		},
		func(p *producer) error { return p.Close() },
		func(ctx context.Context, p *producer) error { return p.Connect(ctx) },
		pkgmessage.ClassifyFatal(isFatalGCP),
	)
}

type delivery struct {
	msg *pubsub.Message
}

type consumer struct {
	projectID    string
	subscription string
	prefetch     int
	authToken    string
	ackTimeout   time.Duration

	mu        sync.Mutex
	cli       *pubsub.Client
	sub       *pubsub.Subscriber
	cancel    context.CancelFunc
	done      chan struct{}
	deliverCh chan delivery
	pending   map[string]*pubsub.Message
}

func (c *consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *consumer) connectLocked(ctx context.Context) error {
	if c.cli != nil {
		return nil
	}
	cli, err := pubsub.NewClient(ctx, c.projectID, clientOptions(c.authToken)...)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgmessage.ErrConnectingFailed, err)
	}
	sub := cli.Subscriber(c.subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = c.prefetch
	sub.ReceiveSettings.NumGoroutines = 1

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cli = cli
	c.sub = sub
	c.cancel = cancel
	c.done = make(chan struct{})
	c.deliverCh = make(chan delivery, c.prefetch)
	c.pending = map[string]*pubsub.Message{}

	go func() {
		defer close(c.done)
		_ = sub.Receive(recvCtx, func(ctx context.Context, m *pubsub.Message) {
			select {
			case c.deliverCh <- delivery{msg: m}:
			case <-recvCtx.Done():
				m.Nack()
			}
		})
	}()

	return nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return pkgmessage.ErrAlreadyClosed
	}
	c.cancel()
	<-c.done
	err := c.cli.Close()
	c.cli, c.sub, c.cancel, c.done, c.deliverCh, c.pending = nil, nil, nil, nil, nil, nil
	return err
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
			deliverCh := c.deliverCh
			c.mu.Unlock()

			timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
			defer timer.Stop()

			select {
			case d := <-deliverCh:
				msg, err := pkgmessage.NewMessage(pkgmessage.NewStringMsgID(d.msg.ID), d.msg.Data)
				if err != nil {
					return err
				}
				c.mu.Lock()
				c.pending[d.msg.ID] = d.msg
				c.mu.Unlock()
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
		pkgmessage.ClassifyFatal(isFatalGCP),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *consumer) takePending(msg *pkgmessage.Message) (*pubsub.Message, bool) {
	id, ok := msg.ID().String()
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return m, ok
}

func (c *consumer) AckMessage(ctx context.Context, msg *pkgmessage.Message) error {
	m, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	m.Ack()
	return nil
}

func (c *consumer) RejectMessage(ctx context.Context, msg *pkgmessage.Message) error {
	m, ok := c.takePending(msg)
	if !ok {
		return pkgmessage.ErrInvalidMessageID
	}
	m.Nack()
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

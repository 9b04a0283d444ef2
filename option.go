package pkgmessage

import "time"

type queueOptions struct {
	prefetch     int
	timeout      time.Duration
	ackTimeout   time.Duration
	exceptErrors bool
	authToken    string
	retries      int
	retryDelay   time.Duration
	params       map[string]string
}

func newQueueOptions(opts ...Option) queueOptions {
	qo := queueOptions{
		prefetch:     1,
		timeout:      60 * time.Second,
		exceptErrors: true,
		retries:      2,
		retryDelay:   time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&qo)
	}
	return qo
}

// Option configures a Queue at construction time.
type Option func(*queueOptions)

// WithPrefetch sets the maximum number of unacknowledged messages the
// broker may send ahead of time. Must be >= 1; values below 1 are
// clamped to 1.
func WithPrefetch(prefetch int) Option {
	return func(o *queueOptions) {
		if prefetch < 1 {
			prefetch = 1
		}
		o.prefetch = prefetch
	}
}

// WithTimeout sets the default receive timeout. Must be > 0; values <= 0
// are ignored (the default of 60s applies).
func WithTimeout(timeout time.Duration) Option {
	return func(o *queueOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithAckTimeout sets the broker-side ack deadline. Unset (the zero
// value) lets the broker apply its own default.
func WithAckTimeout(ackTimeout time.Duration) Option {
	return func(o *queueOptions) { o.ackTimeout = ackTimeout }
}

// WithExceptErrors controls whether user exceptions raised inside a
// scoped sub context are suppressed (true, the default) or re-raised
// after cleanup (false).
func WithExceptErrors(exceptErrors bool) Option {
	return func(o *queueOptions) { o.exceptErrors = exceptErrors }
}

// WithAuthToken sets an opaque auth token, substituting for an
// AMQP-style password.
func WithAuthToken(token string) Option {
	return func(o *queueOptions) { o.authToken = token }
}

// WithRetries sets how many additional attempts the retry harness makes
// beyond the first, default 2.
func WithRetries(retries int) Option {
	return func(o *queueOptions) {
		if retries >= 0 {
			o.retries = retries
		}
	}
}

// WithRetryDelay sets the sleep between retry attempts; values under one
// second are clamped up to one second per §4.4.
func WithRetryDelay(delay time.Duration) Option {
	return func(o *queueOptions) {
		if delay < time.Second {
			delay = time.Second
		}
		o.retryDelay = delay
	}
}

// WithParam sets a single broker-specific passthrough parameter (e.g.
// RabbitMQ exchange, Pulsar subscription type), generalized from
// the teacher's ConsumeOption.params map.
func WithParam(key, value string) Option {
	return func(o *queueOptions) {
		if key == "" {
			return
		}
		if o.params == nil {
			o.params = map[string]string{}
		}
		o.params[key] = value
	}
}

// WithParams sets broker-specific passthrough parameters in bulk.
func WithParams(params map[string]string) Option {
	return func(o *queueOptions) {
		if len(params) == 0 {
			return
		}
		if o.params == nil {
			o.params = make(map[string]string, len(params))
		}
		for k, v := range params {
			o.params[k] = v
		}
	}
}

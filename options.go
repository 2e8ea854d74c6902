package mqclient

import "time"

type queueOptions struct {
	cfg            Config
	retries        int
	retryDelay     time.Duration
	exponential    bool
	suppressErrors bool
}

// Option configures a Queue at construction time.
type Option func(*queueOptions)

// WithAddress sets the broker address. The default comes from
// EWMS_MQ_ADDRESS, falling back to "localhost".
func WithAddress(address string) Option {
	return func(o *queueOptions) { o.cfg.Address = address }
}

// WithName sets the queue name. When unset a pseudo-unique name is
// generated; see MakeName.
func WithName(name string) Option {
	return func(o *queueOptions) { o.cfg.Name = name }
}

// WithPrefetch sets how many messages the broker may deliver ahead of
// acknowledgment.
func WithPrefetch(prefetch int) Option {
	return func(o *queueOptions) { o.cfg.Prefetch = prefetch }
}

// WithTimeout bounds how long a single message fetch waits.
func WithTimeout(timeout time.Duration) Option {
	return func(o *queueOptions) { o.cfg.Timeout = timeout }
}

// WithAckTimeout sets the broker-side deadline for acknowledging a delivery
// before the broker requeues it. The default (zero) keeps each broker's own
// deadline. It maps to the JetStream consumer's AckWait and the RabbitMQ
// queue's consumer timeout; the Pulsar client has no equivalent knob.
func WithAckTimeout(timeout time.Duration) Option {
	return func(o *queueOptions) { o.cfg.AckTimeout = timeout }
}

// WithAuthToken sets the opaque broker credential.
func WithAuthToken(token string) Option {
	return func(o *queueOptions) { o.cfg.AuthToken = token }
}

// WithRetries sets how many additional attempts follow a transient failure,
// so WithRetries(2) means three attempts total.
func WithRetries(retries int) Option {
	return func(o *queueOptions) { o.retries = retries }
}

// WithRetryDelay sets the pause between retry attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(o *queueOptions) { o.retryDelay = delay }
}

// WithExponentialBackoff switches the retry policy from a fixed delay to an
// exponential one seeded by the retry delay.
func WithExponentialBackoff() Option {
	return func(o *queueOptions) { o.exponential = true }
}

// WithSuppressErrors controls whether handler failures in auto-ack
// consumption are swallowed after nacking the message (true, the default) or
// propagated to the caller (false).
//
// Suppression favors convenience: a bad message is nacked and iteration
// moves on. It can also mask bugs, which is why it is an explicit flag
// rather than hard-wired behavior.
func WithSuppressErrors(suppress bool) Option {
	return func(o *queueOptions) { o.suppressErrors = suppress }
}

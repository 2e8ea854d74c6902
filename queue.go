package mqclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Queue is the user-facing entry point: a logical destination on one broker,
// plus the tunables shared by every stream opened from it.
//
// A Queue is immutable after construction and safe for concurrent use; each
// stream opened from it owns its own broker session.
type Queue struct {
	broker         BrokerClient
	cfg            Config
	retrier        retrier
	suppressErrors bool
}

// NewQueue constructs a Queue for the named broker client.
//
// Defaults come from the environment (EWMS_MQ_ADDRESS, EWMS_MQ_PREFETCH,
// EWMS_MQ_TIMEOUT, EWMS_MQ_AUTH_TOKEN) and fall back to localhost, prefetch
// 1, a 60s timeout, and a generated queue name. An unrecognized broker
// client or an invalid option value fails fast with ErrConfiguration.
func NewQueue(brokerClient string, opts ...Option) (*Queue, error) {
	broker, err := brokerClientFor(brokerClient)
	if err != nil {
		return nil, err
	}

	o := queueOptions{
		cfg:            envDefaults(),
		retries:        DefaultRetries,
		retryDelay:     DefaultRetryDelay,
		suppressErrors: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&o)
	}

	if o.cfg.Name == "" {
		o.cfg.Name = MakeName()
	}
	if o.cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrConfiguration)
	}
	if o.cfg.Prefetch < 1 {
		return nil, fmt.Errorf("%w: prefetch must be positive", ErrConfiguration)
	}
	if o.retries < 0 {
		return nil, fmt.Errorf("%w: retries must not be negative", ErrConfiguration)
	}
	if o.cfg.AckTimeout < 0 {
		return nil, fmt.Errorf("%w: ack timeout must not be negative", ErrConfiguration)
	}

	return &Queue{
		broker: broker,
		cfg:    o.cfg,
		retrier: retrier{
			retries:     uint64(o.retries),
			delay:       o.retryDelay,
			exponential: o.exponential,
		},
		suppressErrors: o.suppressErrors,
	}, nil
}

// MakeName returns a pseudo-unique string that is a legal queue identifier
// for every supported broker.
func MakeName() string {
	return "a" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// Name returns the queue name, generated or configured.
func (q *Queue) Name() string { return q.cfg.Name }

// String returns the queue's basic properties for logging.
func (q *Queue) String() string {
	return fmt.Sprintf("queue %s@%s broker=%s prefetch=%d timeout=%s",
		q.cfg.Name, q.cfg.Address, q.broker.Name(), q.cfg.Prefetch, q.cfg.Timeout)
}

// createPub opens a publisher session, retrying transient connect failures.
func (q *Queue) createPub(ctx context.Context) (Pub, error) {
	var pub Pub
	err := q.retrier.do(ctx, "connect", nil, func(ctx context.Context) error {
		p, err := q.broker.CreatePub(ctx, q.cfg)
		if err != nil {
			return err
		}
		pub = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "publisher session opened", "queue", q.cfg.Name, "broker", q.broker.Name())
	return pub, nil
}

// createSub opens a consumer session, retrying transient connect failures.
func (q *Queue) createSub(ctx context.Context) (Sub, error) {
	var sub Sub
	err := q.retrier.do(ctx, "connect", nil, func(ctx context.Context) error {
		s, err := q.broker.CreateSub(ctx, q.cfg)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "consumer session opened", "queue", q.cfg.Name, "broker", q.broker.Name())
	return sub, nil
}

// safeAck acknowledges msg exactly once. Acking an already-acked message is
// a logged no-op; acking a nacked message is an error. The broker call goes
// through the retry policy.
func (q *Queue) safeAck(ctx context.Context, sub Sub, msg *Message) error {
	switch msg.state() {
	case ackNone:
		err := q.retrier.do(ctx, "ack", resetterFor(sub), func(ctx context.Context) error {
			return sub.AckMessage(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAck, err)
		}
		msg.setState(ackAcked) // mark after success
		slog.DebugContext(ctx, "message acked", "seq", msg.seq)
		return nil
	case ackNacked:
		return fmt.Errorf("%w: seq %d has already been nacked", ErrAck, msg.seq)
	default: // already acked, needless
		slog.DebugContext(ctx, "skipping ack of already-acked message", "seq", msg.seq)
		return nil
	}
}

// safeNack rejects msg exactly once. Nacking an already-nacked message is a
// logged no-op; nacking an acked message is an error.
func (q *Queue) safeNack(ctx context.Context, sub Sub, msg *Message) error {
	switch msg.state() {
	case ackNone:
		err := q.retrier.do(ctx, "nack", resetterFor(sub), func(ctx context.Context) error {
			return sub.RejectMessage(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNack, err)
		}
		msg.setState(ackNacked) // mark after success
		slog.DebugContext(ctx, "message nacked", "seq", msg.seq)
		return nil
	case ackAcked:
		return fmt.Errorf("%w: seq %d has already been acked", ErrNack, msg.seq)
	default: // already nacked, needless
		slog.DebugContext(ctx, "skipping nack of already-nacked message", "seq", msg.seq)
		return nil
	}
}

package mqclient

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// BrokerPulsar selects the Apache Pulsar adapter.
	BrokerPulsar = "pulsar"
	// BrokerRabbitMQ selects the RabbitMQ (AMQP 0-9-1) adapter.
	BrokerRabbitMQ = "rabbitmq"
	// BrokerNATS selects the NATS JetStream adapter.
	BrokerNATS = "nats"
	// BrokerMemory selects the in-process adapter, intended for tests and
	// single-process pipelines.
	BrokerMemory = "memory"
)

// Config is the resolved, immutable configuration handed to an adapter when
// a session is created.
type Config struct {
	// Address is the broker address. Scheme and port are adapter-specific
	// and optional.
	Address string

	// Name is the queue / topic / subject name.
	Name string

	// Prefetch is the number of messages the broker may deliver ahead of
	// acknowledgment.
	Prefetch int

	// Timeout bounds how long a single message fetch waits.
	Timeout time.Duration

	// AckTimeout is the broker-side deadline for acknowledging a delivery
	// before the broker requeues it. Zero keeps the broker's default.
	AckTimeout time.Duration

	// AuthToken is an opaque credential. Empty means broker defaults.
	AuthToken string
}

// Pub is an open publisher session on one broker.
//
// A Pub is not valid before the adapter's CreatePub succeeds and not after
// Close returns. Close is idempotent.
type Pub interface {
	// SendMessage sends one raw payload. No implicit batching.
	SendMessage(ctx context.Context, payload []byte) error

	// Close releases the session. Safe to call multiple times.
	Close() error
}

// Sub is an open consumer session on one broker.
//
// A Sub is not valid before the adapter's CreateSub succeeds and not after
// Close returns. Close is idempotent.
type Sub interface {
	// GetMessage blocks up to timeout waiting for the next message. It
	// returns (nil, nil) when the timeout elapses with no message; that is
	// flow control, not a failure.
	GetMessage(ctx context.Context, timeout time.Duration) (*Message, error)

	// AckMessage acknowledges the message on the broker.
	AckMessage(ctx context.Context, msg *Message) error

	// RejectMessage negatively acknowledges the message, signaling
	// redelivery. The redelivery delay is owned by the broker.
	RejectMessage(ctx context.Context, msg *Message) error

	// Close releases the session. Safe to call multiple times.
	Close() error
}

// reconnector is implemented by sessions that can tear down and re-establish
// their broker connection between retry attempts.
type reconnector interface {
	reconnect(ctx context.Context) error
}

// BrokerClient creates publisher and consumer sessions for one broker
// family. Creation connects and idempotently declares the queue-equivalent
// construct, so it is safe to retry.
type BrokerClient interface {
	// Name returns the selector this client is registered under.
	Name() string

	// CreatePub connects and returns an open publisher session.
	CreatePub(ctx context.Context, cfg Config) (Pub, error)

	// CreateSub connects and returns an open consumer session.
	CreateSub(ctx context.Context, cfg Config) (Sub, error)
}

// brokerClientFor resolves a broker-client selector to its adapter. An
// unrecognized selector fails fast with ErrUnknownBroker.
func brokerClientFor(name string) (BrokerClient, error) {
	switch strings.TrimSpace(name) {
	case BrokerPulsar:
		return pulsarBroker{}, nil
	case BrokerRabbitMQ:
		return rabbitBroker{}, nil
	case BrokerNATS:
		return natsBroker{}, nil
	case BrokerMemory:
		return memoryBroker{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, name)
	}
}

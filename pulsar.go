package mqclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/sethvargo/go-retry"
)

// pulsarBroker adapts Apache Pulsar: the queue name becomes a topic with one
// shared subscription, so multiple consumer sessions load-balance the same
// queue. Pulsar acks by message id (cursor), which is already per-message in
// a shared subscription, so no cumulative-ack tracking is needed here.
type pulsarBroker struct{}

func (pulsarBroker) Name() string { return BrokerPulsar }

func pulsarURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "pulsar://" + address
}

func pulsarClient(cfg Config) (pulsar.Client, error) {
	opts := pulsar.ClientOptions{
		URL:               pulsarURL(cfg.Address),
		ConnectionTimeout: 10 * time.Second,
	}
	if cfg.AuthToken != "" {
		opts.Authentication = pulsar.NewAuthenticationToken(cfg.AuthToken)
	}

	client, err := pulsar.NewClient(opts)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("%w: pulsar client: %w", ErrConnection, err))
	}
	return client, nil
}

// pulsarRetryable reports whether err is a transient transport failure.
func pulsarRetryable(err error) bool {
	var perr *pulsar.Error
	if errors.As(err, &perr) {
		switch perr.Result() {
		case pulsar.TimeoutError, pulsar.ConnectError, pulsar.AlreadyClosedError, pulsar.NotConnectedError:
			return true
		default:
			return false
		}
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (pulsarBroker) CreatePub(ctx context.Context, cfg Config) (Pub, error) {
	p := &pulsarPub{cfg: cfg}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (pulsarBroker) CreateSub(ctx context.Context, cfg Config) (Sub, error) {
	s := &pulsarSub{cfg: cfg}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type pulsarPub struct {
	cfg Config

	mu       sync.Mutex
	client   pulsar.Client
	producer pulsar.Producer
	closed   bool
}

func (p *pulsarPub) connect(_ context.Context) error {
	client, err := pulsarClient(p.cfg)
	if err != nil {
		return err
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: p.cfg.Name})
	if err != nil {
		client.Close()
		return retry.RetryableError(fmt.Errorf("%w: pulsar producer: %w", ErrConnection, err))
	}

	p.mu.Lock()
	p.client, p.producer, p.closed = client, producer, false
	p.mu.Unlock()
	return nil
}

func (p *pulsarPub) SendMessage(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	producer, closed := p.producer, p.closed
	p.mu.Unlock()
	if closed || producer == nil {
		return fmt.Errorf("%w: pulsar publisher", ErrClosed)
	}

	if _, err := producer.Send(ctx, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		werr := fmt.Errorf("mqclient: pulsar publish: %w", err)
		if pulsarRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

func (p *pulsarPub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.client == nil {
		return nil
	}
	p.closed = true
	p.producer.Close()
	p.client.Close()
	return nil
}

func (p *pulsarPub) reconnect(ctx context.Context) error {
	_ = p.Close()
	return p.connect(ctx)
}

type pulsarSub struct {
	cfg Config

	mu       sync.Mutex
	client   pulsar.Client
	consumer pulsar.Consumer
	closed   bool
}

func (s *pulsarSub) connect(_ context.Context) error {
	client, err := pulsarClient(s.cfg)
	if err != nil {
		return err
	}

	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic: s.cfg.Name,
		// One shared subscription per queue so consumer sessions split the load.
		SubscriptionName:            s.cfg.Name + "-subscription",
		Type:                        pulsar.Shared,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
		ReceiverQueueSize:           s.cfg.Prefetch,
		// Effectively immediate redelivery of nacked messages.
		NackRedeliveryDelay: time.Millisecond,
	})
	if err != nil {
		client.Close()
		return retry.RetryableError(fmt.Errorf("%w: pulsar subscribe: %w", ErrConnection, err))
	}

	s.mu.Lock()
	s.client, s.consumer, s.closed = client, consumer, false
	s.mu.Unlock()
	return nil
}

func (s *pulsarSub) GetMessage(ctx context.Context, timeout time.Duration) (*Message, error) {
	s.mu.Lock()
	consumer, closed := s.consumer, s.closed
	s.mu.Unlock()
	if closed || consumer == nil {
		return nil, fmt.Errorf("%w: pulsar consumer", ErrClosed)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := consumer.Receive(rctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pulsar receive: %w", ErrConsume, err)
	}
	return newMessage(msg.Payload(), msg.ID()), nil
}

func (s *pulsarSub) AckMessage(_ context.Context, msg *Message) error {
	id, ok := msg.receipt.(pulsar.MessageID)
	if !ok {
		return fmt.Errorf("mqclient: pulsar ack: foreign delivery handle")
	}

	s.mu.Lock()
	consumer, closed := s.consumer, s.closed
	s.mu.Unlock()
	if closed || consumer == nil {
		return fmt.Errorf("%w: pulsar consumer", ErrClosed)
	}

	if err := consumer.AckID(id); err != nil {
		werr := fmt.Errorf("mqclient: pulsar ack: %w", err)
		if pulsarRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

func (s *pulsarSub) RejectMessage(_ context.Context, msg *Message) error {
	id, ok := msg.receipt.(pulsar.MessageID)
	if !ok {
		return fmt.Errorf("mqclient: pulsar nack: foreign delivery handle")
	}

	s.mu.Lock()
	consumer, closed := s.consumer, s.closed
	s.mu.Unlock()
	if closed || consumer == nil {
		return fmt.Errorf("%w: pulsar consumer", ErrClosed)
	}

	consumer.NackID(id)
	return nil
}

func (s *pulsarSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.client == nil {
		return nil
	}
	s.closed = true
	s.consumer.Close()
	s.client.Close()
	return nil
}

func (s *pulsarSub) reconnect(ctx context.Context) error {
	_ = s.Close()
	return s.connect(ctx)
}

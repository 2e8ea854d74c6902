package mqclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// rabbitBroker adapts RabbitMQ over AMQP 0-9-1: one durable quorum queue per
// queue name, publisher-confirm mode for sends, per-channel QoS for the
// prefetch window, and per-tag (never cumulative) acks so out-of-order
// settlement stays safe.
type rabbitBroker struct{}

func (rabbitBroker) Name() string { return BrokerRabbitMQ }

const rabbitAddressPattern = "[SCHEME://][USER[:PASS]@]HOST[:PORT][/VHOST]"

// parseRabbitAddress builds an AMQP URI from the queue address. A non-empty
// auth token substitutes for the password (e.g. keycloak-issued tokens).
func parseRabbitAddress(address, authToken string) (string, error) {
	if !strings.Contains(address, "://") {
		address = "amqp://" + address
	}
	u, err := url.Parse(address)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("%w: rabbitmq address %q (format: %s)", ErrConfiguration, address, rabbitAddressPattern)
	}

	uri := amqp.URI{Scheme: "amqp", Host: u.Hostname(), Port: 5672, Vhost: "/"}
	if u.Scheme != "" {
		uri.Scheme = u.Scheme
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("%w: rabbitmq port %q", ErrConfiguration, p)
		}
		uri.Port = port
	}
	if vhost := strings.TrimPrefix(u.Path, "/"); vhost != "" {
		uri.Vhost = vhost
	}

	user := u.User.Username()
	pass, _ := u.User.Password()
	if authToken != "" {
		pass = authToken
	}
	switch {
	case user != "" && pass != "":
		uri.Username, uri.Password = user, pass
	case user == "" && pass != "":
		// Token-only auth: empty username, token as password.
		uri.Password = pass
	case user != "" && pass == "":
		return "", fmt.Errorf("%w: rabbitmq username given without password or token", ErrConfiguration)
	default:
		// No credentials given: dial with the server default account.
		uri.Username, uri.Password = "guest", "guest"
	}

	return uri.String(), nil
}

// rabbitRetryable reports whether err is a transport-level failure worth
// another attempt. Channel-level (soft) AMQP exceptions are terminal: the
// broker is telling us the operation itself is wrong.
func rabbitRetryable(err error) bool {
	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		return !aerr.Recover
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// rabbitSession is one connection plus one channel with the queue declared.
type rabbitSession struct {
	cfg Config
	url string

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

func (s *rabbitSession) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, nil, retry.RetryableError(fmt.Errorf("%w: rabbitmq dial: %w", ErrConnection, err))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, retry.RetryableError(fmt.Errorf("%w: rabbitmq channel: %w", ErrConnection, err))
	}

	// Quorum queues survive broker restarts and node loss.
	args := amqp.Table{"x-queue-type": "quorum"}
	if s.cfg.AckTimeout > 0 {
		// Broker-side requeue deadline for unacked deliveries.
		args["x-consumer-timeout"] = s.cfg.AckTimeout.Milliseconds()
	}
	_, err = ch.QueueDeclare(s.cfg.Name, true, false, false, false, args)
	if err != nil {
		_ = conn.Close()
		if rabbitRetryable(err) {
			return nil, nil, retry.RetryableError(fmt.Errorf("%w: rabbitmq declare: %w", ErrConnection, err))
		}
		return nil, nil, fmt.Errorf("%w: rabbitmq declare: %w", ErrConfiguration, err)
	}

	return conn, ch, nil
}

func (s *rabbitSession) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ch == nil {
		return nil, fmt.Errorf("%w: rabbitmq session", ErrClosed)
	}
	return s.ch, nil
}

func (s *rabbitSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (rabbitBroker) CreatePub(ctx context.Context, cfg Config) (Pub, error) {
	uri, err := parseRabbitAddress(cfg.Address, cfg.AuthToken)
	if err != nil {
		return nil, err
	}
	p := &rabbitPub{rabbitSession: rabbitSession{cfg: cfg, url: uri}}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (rabbitBroker) CreateSub(ctx context.Context, cfg Config) (Sub, error) {
	uri, err := parseRabbitAddress(cfg.Address, cfg.AuthToken)
	if err != nil {
		return nil, err
	}
	s := &rabbitSub{rabbitSession: rabbitSession{cfg: cfg, url: uri}}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// rabbitPub publishes with delivery confirmations enabled.
type rabbitPub struct {
	rabbitSession
}

func (p *rabbitPub) connect(_ context.Context) error {
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return retry.RetryableError(fmt.Errorf("%w: rabbitmq confirm mode: %w", ErrConnection, err))
	}

	p.mu.Lock()
	p.conn, p.ch, p.closed = conn, ch, false
	p.mu.Unlock()
	return nil
}

func (p *rabbitPub) SendMessage(ctx context.Context, payload []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.cfg.Name, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		werr := fmt.Errorf("mqclient: rabbitmq publish: %w", err)
		if rabbitRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("mqclient: rabbitmq publish confirm: %w", err)
	}
	if !acked {
		return retry.RetryableError(fmt.Errorf("mqclient: rabbitmq publish: broker rejected message"))
	}
	return nil
}

func (p *rabbitPub) Close() error { return p.close() }

func (p *rabbitPub) reconnect(ctx context.Context) error {
	_ = p.close()
	return p.connect(ctx)
}

// rabbitSub consumes with a prefetch-bounded QoS window.
type rabbitSub struct {
	rabbitSession

	tag        string
	deliveries <-chan amqp.Delivery
}

func (s *rabbitSub) connect(ctx context.Context) error {
	conn, ch, err := s.dial()
	if err != nil {
		return err
	}

	// Per-consumer QoS; global QoS does not apply to quorum queues.
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return retry.RetryableError(fmt.Errorf("%w: rabbitmq qos: %w", ErrConnection, err))
	}

	tag := "mqclient-" + s.cfg.Name
	deliveries, err := ch.ConsumeWithContext(ctx, s.cfg.Name, tag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return retry.RetryableError(fmt.Errorf("%w: rabbitmq consume: %w", ErrConnection, err))
	}

	s.mu.Lock()
	s.conn, s.ch, s.closed = conn, ch, false
	s.tag = tag
	s.deliveries = deliveries
	s.mu.Unlock()
	return nil
}

func (s *rabbitSub) GetMessage(ctx context.Context, timeout time.Duration) (*Message, error) {
	s.mu.Lock()
	deliveries, closed := s.deliveries, s.closed
	s.mu.Unlock()
	if closed || deliveries == nil {
		return nil, fmt.Errorf("%w: rabbitmq consumer", ErrClosed)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, fmt.Errorf("%w: rabbitmq delivery channel closed", ErrConsume)
		}
		return newMessage(d.Body, d.DeliveryTag), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *rabbitSub) AckMessage(_ context.Context, msg *Message) error {
	tag, ok := msg.receipt.(uint64)
	if !ok {
		return fmt.Errorf("mqclient: rabbitmq ack: foreign delivery handle")
	}
	ch, err := s.channel()
	if err != nil {
		return err
	}

	if err := ch.Ack(tag, false); err != nil {
		werr := fmt.Errorf("mqclient: rabbitmq ack: %w", err)
		if rabbitRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

func (s *rabbitSub) RejectMessage(_ context.Context, msg *Message) error {
	tag, ok := msg.receipt.(uint64)
	if !ok {
		return fmt.Errorf("mqclient: rabbitmq nack: foreign delivery handle")
	}
	ch, err := s.channel()
	if err != nil {
		return err
	}

	if err := ch.Nack(tag, false, true); err != nil {
		werr := fmt.Errorf("mqclient: rabbitmq nack: %w", err)
		if rabbitRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

// Close cancels the consumer first so the broker requeues everything still
// unacked on this channel.
func (s *rabbitSub) Close() error {
	s.mu.Lock()
	ch, tag := s.ch, s.tag
	s.mu.Unlock()

	if ch != nil && tag != "" {
		_ = ch.Cancel(tag, false)
	}
	return s.close()
}

func (s *rabbitSub) reconnect(ctx context.Context) error {
	_ = s.Close()
	return s.connect(ctx)
}

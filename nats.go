package mqclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sethvargo/go-retry"
)

// natsBroker adapts NATS JetStream: the queue name becomes a stream with a
// single subject, consumed through a durable explicit-ack pull consumer so
// unacked messages are redelivered by the server.
type natsBroker struct{}

func (natsBroker) Name() string { return BrokerNATS }

func natsURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "nats://" + address
}

// natsSession holds one connection plus the resolved stream, shared by the
// pub and sub variants.
type natsSession struct {
	cfg Config

	mu     sync.Mutex
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	closed bool
}

func (s *natsSession) connect(ctx context.Context) error {
	opts := []nats.Option{nats.Name("mqclient")}
	if s.cfg.AuthToken != "" {
		opts = append(opts, nats.Token(s.cfg.AuthToken))
	}

	conn, err := nats.Connect(natsURL(s.cfg.Address), opts...)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("%w: nats connect: %w", ErrConnection, err))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: nats jetstream: %w", ErrConnection, err)
	}

	// Idempotent declare of the queue's stream.
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      s.cfg.Name,
		Subjects:  []string{s.cfg.Name},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		conn.Close()
		return retry.RetryableError(fmt.Errorf("%w: nats stream declare: %w", ErrConnection, err))
	}

	s.mu.Lock()
	s.conn = conn
	s.js = js
	s.stream = stream
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *natsSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return nil
	}
	s.closed = true
	s.conn.Close()
	return nil
}

// natsRetryable reports whether err looks like a transient transport
// failure worth another attempt.
func natsRetryable(err error) bool {
	if errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (natsBroker) CreatePub(ctx context.Context, cfg Config) (Pub, error) {
	p := &natsPub{natsSession: natsSession{cfg: cfg}}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (natsBroker) CreateSub(ctx context.Context, cfg Config) (Sub, error) {
	s := &natsSub{natsSession: natsSession{cfg: cfg}}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type natsPub struct {
	natsSession
}

func (p *natsPub) SendMessage(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	js, closed := p.js, p.closed
	p.mu.Unlock()
	if closed || js == nil {
		return fmt.Errorf("%w: nats publisher", ErrClosed)
	}

	if _, err := js.Publish(ctx, p.cfg.Name, payload); err != nil {
		werr := fmt.Errorf("mqclient: nats publish: %w", err)
		if natsRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

func (p *natsPub) Close() error { return p.close() }

func (p *natsPub) reconnect(ctx context.Context) error {
	_ = p.close()
	return p.connect(ctx)
}

type natsSub struct {
	natsSession

	consMu sync.Mutex
	cons   jetstream.Consumer
}

func (s *natsSub) consumer(ctx context.Context) (jetstream.Consumer, error) {
	s.consMu.Lock()
	defer s.consMu.Unlock()
	if s.cons != nil {
		return s.cons, nil
	}

	s.mu.Lock()
	stream, closed := s.stream, s.closed
	s.mu.Unlock()
	if closed || stream == nil {
		return nil, fmt.Errorf("%w: nats consumer", ErrClosed)
	}

	// Durable so every consumer session for this queue shares one cursor.
	cc := jetstream.ConsumerConfig{
		Durable:       s.cfg.Name + "-consumer",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: s.cfg.Prefetch,
	}
	if s.cfg.AckTimeout > 0 {
		cc.AckWait = s.cfg.AckTimeout
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, cc)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("%w: nats consumer declare: %w", ErrConnection, err))
	}
	s.cons = cons
	return cons, nil
}

func (s *natsSub) GetMessage(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cons, err := s.consumer(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if ferr := natsFetchError(err); ferr != nil {
			return nil, ferr
		}
		return nil, nil
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if ferr := natsFetchError(batch.Error()); ferr != nil {
		return nil, ferr
	}
	if msg == nil {
		return nil, nil
	}
	return newMessage(msg.Data(), msg), nil
}

// natsFetchError maps a fetch failure onto the GetMessage contract: an
// expired wait means "no message" (nil), anything else is a consume failure.
// A dead connection must surface, never read as an empty queue.
func natsFetchError(err error) error {
	if err == nil || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return fmt.Errorf("%w: nats fetch: %w", ErrConsume, err)
}

func (s *natsSub) AckMessage(_ context.Context, msg *Message) error {
	jm, ok := msg.receipt.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("mqclient: nats ack: foreign delivery handle")
	}
	if err := jm.Ack(); err != nil {
		werr := fmt.Errorf("mqclient: nats ack: %w", err)
		if natsRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

func (s *natsSub) RejectMessage(_ context.Context, msg *Message) error {
	jm, ok := msg.receipt.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("mqclient: nats nack: foreign delivery handle")
	}
	if err := jm.Nak(); err != nil {
		werr := fmt.Errorf("mqclient: nats nack: %w", err)
		if natsRetryable(err) {
			return retry.RetryableError(werr)
		}
		return werr
	}
	return nil
}

func (s *natsSub) Close() error {
	s.consMu.Lock()
	s.cons = nil
	s.consMu.Unlock()
	return s.close()
}

func (s *natsSub) reconnect(ctx context.Context) error {
	s.consMu.Lock()
	s.cons = nil
	s.consMu.Unlock()
	_ = s.close()
	return s.connect(ctx)
}

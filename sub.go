package mqclient

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler processes one received payload. A non-nil error nacks the message.
type Handler func(ctx context.Context, payload []byte) error

// SubStream is an auto-acknowledging subscriber stream.
//
// Iteration is scanner-style: each Next call first acks the previously
// yielded message (unless it was nacked) and then fetches the next one, so
// exactly one message is ever in flight unacked. Next returns false when the
// queue stays empty for the configured timeout, or on a terminal error
// reported by Err. A SubStream cannot be restarted once iteration ends; open
// a new one instead.
//
// Close may be called from another goroutine to interrupt a blocked Next;
// the interrupted Next returns false with a nil Err.
type SubStream struct {
	q   *Queue
	sub Sub

	mu     sync.Mutex
	cur    *Message
	err    error
	closed bool
}

// OpenSub opens an auto-ack subscriber stream. The caller must Close it;
// Close settles the final in-flight message.
func (q *Queue) OpenSub(ctx context.Context) (*SubStream, error) {
	sub, err := q.createSub(ctx)
	if err != nil {
		return nil, err
	}
	return &SubStream{q: q, sub: sub}, nil
}

// Next advances the stream. It reports false when no message arrived within
// the queue timeout, when the stream was closed, or when a terminal error
// occurred; check Err after the loop.
func (s *SubStream) Next(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed || s.err != nil {
		s.mu.Unlock()
		return false
	}
	// Take ownership of the previous message so a concurrent Close cannot
	// settle it twice.
	prev := s.cur
	s.cur = nil
	s.mu.Unlock()

	if prev != nil && prev.state() != ackNacked {
		if err := s.q.safeAck(ctx, s.sub, prev); err != nil {
			s.fail(err)
			return false
		}
	}

	msg, err := s.sub.GetMessage(ctx, s.q.cfg.Timeout)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Closed while fetching: the close is the stop, not the fetch
		// result. Hand a late arrival straight back; the broker also
		// requeues unacked deliveries when the session drops.
		if msg != nil {
			_ = s.sub.RejectMessage(context.Background(), msg)
		}
		return false
	}
	if err != nil {
		s.err = err
		s.mu.Unlock()
		return false
	}
	if msg == nil {
		s.mu.Unlock()
		slog.DebugContext(ctx, "no message within timeout, ending iteration",
			"queue", s.q.cfg.Name, "timeout", s.q.cfg.Timeout)
		return false
	}
	s.cur = msg
	s.mu.Unlock()

	slog.DebugContext(ctx, "message received", "queue", s.q.cfg.Name, "seq", msg.seq, "size", len(msg.Payload))
	return true
}

// Bytes returns the payload of the message yielded by the last Next call.
func (s *SubStream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.Payload
}

// NackCurrent negatively acknowledges the most recently yielded message so
// the broker redelivers it instead of it being acked on the next Next call.
func (s *SubStream) NackCurrent(ctx context.Context) error {
	s.mu.Lock()
	cur, closed := s.cur, s.closed
	s.mu.Unlock()
	if closed || cur == nil {
		return nil
	}
	return s.q.safeNack(ctx, s.sub, cur)
}

// Err returns the terminal error that stopped iteration, if any. A timeout
// with no message, or a concurrent Close, is a normal stop, not an error.
func (s *SubStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SubStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
	}
}

// Close acks the final in-flight message (unless it was nacked) and releases
// the session, unblocking a Next suspended in a fetch. Safe to call multiple
// times and from other goroutines.
func (s *SubStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()

	var err error
	if cur != nil && cur.state() != ackNacked {
		err = s.q.safeAck(context.Background(), s.sub, cur)
	}

	if cerr := s.sub.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Each consumes the stream with a handler. A handler error or panic nacks
// the message; with error suppression enabled (the queue default) iteration
// continues, otherwise Each stops and returns the handler's error. Each
// returns when the queue stays empty for the timeout. The caller still owns
// Close.
func (s *SubStream) Each(ctx context.Context, fn Handler) error {
	for s.Next(ctx) {
		herr := callHandler(ctx, fn, s.Bytes())
		if herr == nil {
			continue
		}

		if nerr := s.NackCurrent(ctx); nerr != nil {
			return nerr
		}
		if !s.q.suppressErrors {
			return herr
		}
		slog.WarnContext(ctx, "handler failed, message nacked, continuing",
			"queue", s.q.cfg.Name, "error", herr)
	}
	return s.Err()
}

// OpenSubOne receives exactly one message: the handler's clean return acks
// it, an error or panic nacks it, and the session is closed either way.
// ErrNoMessage is returned when the queue stays empty for the timeout.
//
// Unlike OpenSub, this does not keep a consumer registered beyond the single
// fetch.
func (q *Queue) OpenSubOne(ctx context.Context, fn Handler) error {
	sub, err := q.createSub(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	msg, err := sub.GetMessage(ctx, q.cfg.Timeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: timeout value may be too low", ErrNoMessage)
	}

	slog.DebugContext(ctx, "message received", "queue", q.cfg.Name, "seq", msg.seq, "size", len(msg.Payload))

	if herr := callHandler(ctx, fn, msg.Payload); herr != nil {
		if nerr := q.safeNack(ctx, sub, msg); nerr != nil {
			return nerr
		}
		if !q.suppressErrors {
			return herr
		}
		return nil
	}
	return q.safeAck(ctx, sub, msg)
}

// callHandler invokes fn, converting a panic into a handler error so the
// message is settled rather than lost.
func callHandler(ctx context.Context, fn Handler, payload []byte) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "panic in message handler", "panic", rvr, "stack", string(debug.Stack()))
			err = fmt.Errorf("mqclient: panic in message handler: %v", rvr)
		}
	}()

	return fn(ctx, payload)
}

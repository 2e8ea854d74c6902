package mqclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ManualSubStream is a subscriber stream with no automatic settlement: the
// caller must Ack or Nack every received message by its sequence number.
//
// The stream tracks delivered-but-unsettled messages in a pending set it
// owns exclusively. Callers that fan processing out to goroutines must
// serialize Ack/Nack calls back through the stream. A message left
// unsettled past the broker's redelivery window reappears later as a new
// message with a new sequence number; that timer belongs to the broker, not
// to this stream.
type ManualSubStream struct {
	q   *Queue
	sub Sub

	mu      sync.Mutex
	pending map[uint64]*Message
	closed  bool
}

// OpenManualSub opens a manual-ack subscriber stream. The caller must Close
// it.
func (q *Queue) OpenManualSub(ctx context.Context) (*ManualSubStream, error) {
	sub, err := q.createSub(ctx)
	if err != nil {
		return nil, err
	}
	return &ManualSubStream{
		q:       q,
		sub:     sub,
		pending: make(map[uint64]*Message),
	}, nil
}

// Next fetches the next message and adds it to the pending set. It returns
// (nil, nil) when the queue stays empty for the queue timeout.
func (s *ManualSubStream) Next(ctx context.Context) (*Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: manual-ack stream", ErrClosed)
	}
	s.mu.Unlock()

	msg, err := s.sub.GetMessage(ctx, s.q.cfg.Timeout)
	if err != nil || msg == nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending[msg.seq] = msg
	s.mu.Unlock()

	slog.DebugContext(ctx, "message received", "queue", s.q.cfg.Name, "seq", msg.seq, "size", len(msg.Payload))
	return msg, nil
}

// Ack acknowledges the pending message with the given sequence number.
// An unknown or already-settled sequence number fails with
// ErrUnknownMessage.
func (s *ManualSubStream) Ack(ctx context.Context, seq uint64) error {
	msg, err := s.take(seq)
	if err != nil {
		return err
	}
	return s.q.safeAck(ctx, s.sub, msg)
}

// Nack negatively acknowledges the pending message with the given sequence
// number, making it eligible for redelivery. An unknown or already-settled
// sequence number fails with ErrUnknownMessage.
func (s *ManualSubStream) Nack(ctx context.Context, seq uint64) error {
	msg, err := s.take(seq)
	if err != nil {
		return err
	}
	return s.q.safeNack(ctx, s.sub, msg)
}

// take removes and returns the pending message for seq.
func (s *ManualSubStream) take(seq uint64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: manual-ack stream", ErrClosed)
	}
	msg, ok := s.pending[seq]
	if !ok {
		return nil, fmt.Errorf("%w: seq %d", ErrUnknownMessage, seq)
	}
	delete(s.pending, seq)
	return msg, nil
}

// Close releases the session. Messages still pending are left to the
// broker's redelivery window. Safe to call multiple times.
func (s *ManualSubStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := len(s.pending)
	s.pending = nil
	s.mu.Unlock()

	if pending > 0 {
		slog.Warn("closing manual-ack stream with unsettled messages",
			"queue", s.q.cfg.Name, "pending", pending)
	}
	return s.sub.Close()
}

package mqclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PubStream is a scoped publisher resource. Messages sent through one
// PubStream arrive in call order; no ordering holds across independent
// streams.
//
// A PubStream is intended for a single owner. Concurrent Send calls require
// external synchronization.
type PubStream struct {
	q   *Queue
	pub Pub

	mu     sync.Mutex
	closed bool
}

// OpenPub opens a publisher stream for the queue. The caller must Close it;
// Close is safe on every exit path.
func (q *Queue) OpenPub(ctx context.Context) (*PubStream, error) {
	pub, err := q.createPub(ctx)
	if err != nil {
		return nil, err
	}
	return &PubStream{q: q, pub: pub}, nil
}

// Send publishes one payload, retrying transient broker failures under the
// queue's retry policy.
func (p *PubStream) Send(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: publisher stream", ErrClosed)
	}
	p.mu.Unlock()

	slog.DebugContext(ctx, "sending message", "queue", p.q.cfg.Name, "size", len(payload))

	err := p.q.retrier.do(ctx, "publish", resetterFor(p.pub), func(ctx context.Context) error {
		return p.pub.SendMessage(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	slog.DebugContext(ctx, "message sent", "queue", p.q.cfg.Name, "size", len(payload))
	return nil
}

// Close flushes and releases the underlying session. Safe to call multiple
// times.
func (p *PubStream) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.pub.Close()
}

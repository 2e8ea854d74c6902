package mqclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// The memory adapter is a real at-least-once broker scoped to the process:
// nacked messages are requeued for redelivery and a consumer session that
// closes with unacked deliveries hands them back to the queue. It exists for
// tests and single-process pipelines; the address is ignored and queues are
// shared process-wide by name.

var memRegistry = struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}{queues: make(map[string]*memQueue)}

func memQueueFor(name string) *memQueue {
	memRegistry.mu.Lock()
	defer memRegistry.mu.Unlock()

	q, ok := memRegistry.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1)}
		memRegistry.queues[name] = q
	}
	return q
}

type memEntry struct {
	payload    []byte
	deliveries int
}

type memQueue struct {
	mu      sync.Mutex
	entries []*memEntry
	notify  chan struct{}
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue) push(e *memEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	q.signal()
}

// requeue puts a delivery back at the head so redelivery is prompt.
func (q *memQueue) requeue(e *memEntry) {
	q.mu.Lock()
	q.entries = append([]*memEntry{e}, q.entries...)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) pop() (*memEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	if len(q.entries) > 0 {
		// More work queued: wake another waiter.
		q.signal()
	}
	return e, true
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type memoryBroker struct{}

func (memoryBroker) Name() string { return BrokerMemory }

func (memoryBroker) CreatePub(_ context.Context, cfg Config) (Pub, error) {
	return &memPub{queue: memQueueFor(cfg.Name)}, nil
}

func (memoryBroker) CreateSub(_ context.Context, cfg Config) (Sub, error) {
	return &memSub{
		queue:       memQueueFor(cfg.Name),
		outstanding: make(map[*memEntry]struct{}),
		done:        make(chan struct{}),
	}, nil
}

type memPub struct {
	queue *memQueue

	mu     sync.Mutex
	closed bool
}

func (p *memPub) SendMessage(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: memory publisher", ErrClosed)
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	p.queue.push(&memEntry{payload: body})
	return nil
}

func (p *memPub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type memSub struct {
	queue *memQueue

	// done is closed by Close to unblock a GetMessage waiting for work.
	done chan struct{}

	mu          sync.Mutex
	outstanding map[*memEntry]struct{}
	closed      bool
}

func (s *memSub) GetMessage(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: memory consumer", ErrClosed)
		}
		s.mu.Unlock()

		if e, ok := s.queue.pop(); ok {
			e.deliveries++
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				s.queue.requeue(e)
				return nil, fmt.Errorf("%w: memory consumer", ErrClosed)
			}
			s.outstanding[e] = struct{}{}
			s.mu.Unlock()
			return newMessage(e.payload, e), nil
		}

		select {
		case <-s.queue.notify:
		case <-s.done:
			return nil, fmt.Errorf("%w: memory consumer", ErrClosed)
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memSub) AckMessage(_ context.Context, msg *Message) error {
	e, ok := msg.receipt.(*memEntry)
	if !ok {
		return fmt.Errorf("%w: memory ack: foreign delivery handle", ErrAck)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: memory consumer", ErrClosed)
	}
	delete(s.outstanding, e)
	return nil
}

func (s *memSub) RejectMessage(_ context.Context, msg *Message) error {
	e, ok := msg.receipt.(*memEntry)
	if !ok {
		return fmt.Errorf("%w: memory nack: foreign delivery handle", ErrNack)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: memory consumer", ErrClosed)
	}
	delete(s.outstanding, e)
	s.mu.Unlock()

	s.queue.requeue(e)
	return nil
}

// Close requeues unacked deliveries so the queue redelivers them, mirroring
// what the real brokers do when a consumer disappears.
func (s *memSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	unacked := make([]*memEntry, 0, len(s.outstanding))
	for e := range s.outstanding {
		unacked = append(unacked, e)
	}
	s.outstanding = nil
	s.mu.Unlock()

	for _, e := range unacked {
		s.queue.requeue(e)
	}
	return nil
}

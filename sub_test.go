package mqclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestQueue opens a memory-broker queue with a fresh name and timeouts
// short enough for tests.
func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{
		WithTimeout(100 * time.Millisecond),
		WithRetryDelay(time.Millisecond),
	}, opts...)
	q, err := NewQueue(BrokerMemory, opts...)
	if err != nil {
		t.Fatalf("NewQueue error: %v", err)
	}
	return q
}

// seed publishes payloads to q and closes the publisher.
func seed(t *testing.T, q *Queue, payloads ...string) {
	t.Helper()
	ctx := context.Background()
	pub, err := q.OpenPub(ctx)
	if err != nil {
		t.Fatalf("OpenPub error: %v", err)
	}
	defer pub.Close()
	for _, p := range payloads {
		if err := pub.Send(ctx, []byte(p)); err != nil {
			t.Fatalf("Send(%q) error: %v", p, err)
		}
	}
}

func TestSubAckBeforeNext(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "first", "second")

	s, err := q.OpenSub(ctx)
	if err != nil {
		t.Fatalf("OpenSub error: %v", err)
	}
	defer s.Close()

	ms := s.sub.(*memSub)
	unacked := func() int {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return len(ms.outstanding)
	}

	if !s.Next(ctx) {
		t.Fatalf("Next returned false: %v", s.Err())
	}
	if string(s.Bytes()) != "first" {
		t.Fatalf("Bytes() = %q, want %q", s.Bytes(), "first")
	}
	if n := unacked(); n != 1 {
		t.Fatalf("unacked after first Next = %d, want 1", n)
	}

	// Advancing settles the first message before yielding the second.
	if !s.Next(ctx) {
		t.Fatalf("Next returned false: %v", s.Err())
	}
	if string(s.Bytes()) != "second" {
		t.Fatalf("Bytes() = %q, want %q", s.Bytes(), "second")
	}
	if n := unacked(); n != 1 {
		t.Fatalf("unacked after second Next = %d, want 1", n)
	}

	if s.Next(ctx) {
		t.Fatal("Next on drained queue returned true")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if n := memQueueFor(q.Name()).depth(); n != 0 {
		t.Errorf("queue depth after close = %d, want 0", n)
	}
}

func TestSubCloseSettlesFinalMessage(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "only")

	s, err := q.OpenSub(ctx)
	if err != nil {
		t.Fatalf("OpenSub error: %v", err)
	}
	if !s.Next(ctx) {
		t.Fatalf("Next returned false: %v", s.Err())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// The last yielded message was acked, not requeued.
	if n := memQueueFor(q.Name()).depth(); n != 0 {
		t.Errorf("queue depth after close = %d, want 0", n)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestSubCloseUnblocksNext(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, WithTimeout(10*time.Second))

	s, err := q.OpenSub(ctx)
	if err != nil {
		t.Fatalf("OpenSub error: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		// Blocks waiting for a message that never comes.
		done <- s.Next(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case got := <-done:
		if got {
			t.Error("Next returned true on a closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next still blocked after Close")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err after concurrent Close = %v, want nil", err)
	}
}

func TestSubNackCurrentRedelivers(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "again")

	s, err := q.OpenSub(ctx)
	if err != nil {
		t.Fatalf("OpenSub error: %v", err)
	}
	defer s.Close()

	if !s.Next(ctx) {
		t.Fatalf("Next returned false: %v", s.Err())
	}
	firstSeq := s.cur.Seq()
	if err := s.NackCurrent(ctx); err != nil {
		t.Fatalf("NackCurrent error: %v", err)
	}

	if !s.Next(ctx) {
		t.Fatalf("Next after nack returned false: %v", s.Err())
	}
	if string(s.Bytes()) != "again" {
		t.Fatalf("redelivered payload = %q, want %q", s.Bytes(), "again")
	}
	if s.cur.Seq() == firstSeq {
		t.Error("redelivery reused the old sequence number")
	}
}

func TestEachSuppressesHandlerErrors(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "flaky", "fine")

	var got []string
	failed := false
	err := runEach(t, ctx, q, func(_ context.Context, payload []byte) error {
		got = append(got, string(payload))
		if string(payload) == "flaky" && !failed {
			failed = true
			return errors.New("transient handler failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each error: %v", err)
	}

	// The nacked message was redelivered and processed on the second try.
	want := []string{"flaky", "flaky", "fine"}
	if len(got) != len(want) {
		t.Fatalf("handled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handled %v, want %v", got, want)
		}
	}
}

func TestEachStopsWithoutSuppression(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, WithSuppressErrors(false))
	seed(t, q, "poison")

	boom := errors.New("bad payload")
	err := runEach(t, ctx, q, func(context.Context, []byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Each error = %v, want %v", err, boom)
	}

	// The failed message was nacked back onto the queue.
	if n := memQueueFor(q.Name()).depth(); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}

func TestEachRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "kaboom")

	attempts := 0
	err := runEach(t, ctx, q, func(context.Context, []byte) error {
		attempts++
		if attempts == 1 {
			panic("handler exploded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (panic then redelivery)", attempts)
	}
}

// runEach opens a stream, runs Each, and closes the stream.
func runEach(t *testing.T, ctx context.Context, q *Queue, fn Handler) error {
	t.Helper()
	s, err := q.OpenSub(ctx)
	if err != nil {
		t.Fatalf("OpenSub error: %v", err)
	}
	defer s.Close()
	return s.Each(ctx, fn)
}

func TestOpenSubOne(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "solo")

	var got string
	err := q.OpenSubOne(ctx, func(_ context.Context, payload []byte) error {
		got = string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("OpenSubOne error: %v", err)
	}
	if got != "solo" {
		t.Errorf("payload = %q, want %q", got, "solo")
	}
	if n := memQueueFor(q.Name()).depth(); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestOpenSubOneEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, WithTimeout(50*time.Millisecond))

	start := time.Now()
	err := q.OpenSubOne(ctx, func(context.Context, []byte) error {
		t.Fatal("handler called on empty queue")
		return nil
	})
	if !errors.Is(err, ErrNoMessage) {
		t.Fatalf("err = %v, want ErrNoMessage", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("returned after %s, want roughly the 50ms timeout", elapsed)
	}
}

func TestOpenSubOneHandlerError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("rejected")

	t.Run("suppressed", func(t *testing.T) {
		q := newTestQueue(t)
		seed(t, q, "retryme")

		err := q.OpenSubOne(ctx, func(context.Context, []byte) error { return boom })
		if err != nil {
			t.Fatalf("OpenSubOne error: %v", err)
		}
		if n := memQueueFor(q.Name()).depth(); n != 1 {
			t.Errorf("queue depth = %d, want 1 (message nacked back)", n)
		}
	})

	t.Run("surfaced", func(t *testing.T) {
		q := newTestQueue(t, WithSuppressErrors(false))
		seed(t, q, "retryme")

		err := q.OpenSubOne(ctx, func(context.Context, []byte) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
		if n := memQueueFor(q.Name()).depth(); n != 1 {
			t.Errorf("queue depth = %d, want 1 (message nacked back)", n)
		}
	})
}

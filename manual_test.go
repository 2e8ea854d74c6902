package mqclient

import (
	"context"
	"errors"
	"testing"
)

func TestManualAckAndNack(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "keep", "bounce")

	s, err := q.OpenManualSub(ctx)
	if err != nil {
		t.Fatalf("OpenManualSub error: %v", err)
	}
	defer s.Close()

	keep, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	bounce, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}

	if err := s.Ack(ctx, keep.Seq()); err != nil {
		t.Fatalf("Ack error: %v", err)
	}
	if err := s.Nack(ctx, bounce.Seq()); err != nil {
		t.Fatalf("Nack error: %v", err)
	}

	// The nacked message comes back with a fresh sequence number.
	redelivered, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next after nack error: %v", err)
	}
	if redelivered == nil {
		t.Fatal("nacked message was not redelivered")
	}
	if string(redelivered.Payload) != "bounce" {
		t.Errorf("redelivered payload = %q, want %q", redelivered.Payload, "bounce")
	}
	if redelivered.Seq() == bounce.Seq() {
		t.Error("redelivery reused the old sequence number")
	}
}

func TestManualDoubleSettle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "once")

	s, err := q.OpenManualSub(ctx)
	if err != nil {
		t.Fatalf("OpenManualSub error: %v", err)
	}
	defer s.Close()

	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}

	if err := s.Ack(ctx, msg.Seq()); err != nil {
		t.Fatalf("first Ack error: %v", err)
	}
	if err := s.Ack(ctx, msg.Seq()); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("second Ack = %v, want ErrUnknownMessage", err)
	}
	if err := s.Nack(ctx, msg.Seq()); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Nack after Ack = %v, want ErrUnknownMessage", err)
	}
}

func TestManualUnknownSeq(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	s, err := q.OpenManualSub(ctx)
	if err != nil {
		t.Fatalf("OpenManualSub error: %v", err)
	}
	defer s.Close()

	if err := s.Ack(ctx, 424242); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Ack(424242) = %v, want ErrUnknownMessage", err)
	}
	if err := s.Nack(ctx, 424242); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Nack(424242) = %v, want ErrUnknownMessage", err)
	}
}

func TestManualEmptyQueueTimesOutNil(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	s, err := q.OpenManualSub(ctx)
	if err != nil {
		t.Fatalf("OpenManualSub error: %v", err)
	}
	defer s.Close()

	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if msg != nil {
		t.Fatalf("Next on empty queue = %v, want nil", msg)
	}
}

func TestManualClosedStream(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	seed(t, q, "orphan")

	s, err := q.OpenManualSub(ctx)
	if err != nil {
		t.Fatalf("OpenManualSub error: %v", err)
	}

	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if _, err := s.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after Close = %v, want ErrClosed", err)
	}
	if err := s.Ack(ctx, msg.Seq()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ack after Close = %v, want ErrClosed", err)
	}

	// The unsettled message went back for redelivery when the session closed.
	if n := memQueueFor(q.Name()).depth(); n != 1 {
		t.Errorf("queue depth after close = %d, want 1", n)
	}
}

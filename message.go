package mqclient

import (
	"fmt"
	"sync/atomic"
)

// ackState tracks the settlement of a single delivery attempt.
type ackState int32

const (
	ackNone ackState = iota
	ackAcked
	ackNacked
)

func (s ackState) String() string {
	switch s {
	case ackAcked:
		return "acked"
	case ackNacked:
		return "nacked"
	default:
		return "unsettled"
	}
}

// seqCounter assigns process-local sequence numbers to received messages.
var seqCounter atomic.Uint64

// Message is the transport-neutral wrapper around one received message.
//
// A Message is created by a broker adapter when a message is fetched and is
// owned by exactly one subscriber stream at a time. The broker-native
// delivery handle is opaque to callers; acking and nacking go through the
// stream that produced the Message. A redelivered message arrives as a new
// Message with a new sequence number.
type Message struct {
	// Payload is the raw message body, exactly as published.
	Payload []byte

	// receipt is the broker-native delivery handle. Only the adapter that
	// produced the message knows its concrete type.
	receipt any

	seq    uint64
	status atomic.Int32
}

func newMessage(payload []byte, receipt any) *Message {
	return &Message{
		Payload: payload,
		receipt: receipt,
		seq:     seqCounter.Add(1),
	}
}

// Seq returns the process-local sequence number assigned on receipt. It is
// the key used by manual-ack streams.
func (m *Message) Seq() uint64 { return m.seq }

func (m *Message) state() ackState     { return ackState(m.status.Load()) }
func (m *Message) setState(s ackState) { m.status.Store(int32(s)) }

func (m *Message) String() string {
	return fmt.Sprintf("message seq=%d size=%d status=%s", m.seq, len(m.Payload), m.state())
}

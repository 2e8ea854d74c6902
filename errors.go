package mqclient

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates an unrecoverable configuration problem
	// (bad broker selector, malformed address, invalid option value).
	// It is never retried.
	ErrConfiguration = errors.New("mqclient: invalid configuration")

	// ErrUnknownBroker is returned when the broker-client selector names an
	// adapter that is not compiled into this binary.
	ErrUnknownBroker = fmt.Errorf("%w: unknown broker client", ErrConfiguration)

	// ErrConnection indicates a transport-level connection failure.
	ErrConnection = errors.New("mqclient: connection failed")

	// ErrPublish indicates a broker rejection or transport failure while
	// sending a message.
	ErrPublish = errors.New("mqclient: publish failed")

	// ErrConsume indicates a failure while fetching a message. A timeout
	// with no message available is not an error and is never wrapped in it.
	ErrConsume = errors.New("mqclient: consume failed")

	// ErrAck indicates an acknowledgment failure, including acking a message
	// that has already been nacked.
	ErrAck = errors.New("mqclient: ack failed")

	// ErrNack indicates a negative-acknowledgment failure, including nacking
	// a message that has already been acked.
	ErrNack = errors.New("mqclient: nack failed")

	// ErrUnknownMessage is returned by manual-ack streams when the caller
	// settles a sequence number that is unknown or already settled. It is a
	// programming error and is never retried.
	ErrUnknownMessage = errors.New("mqclient: unknown or already-settled message")

	// ErrNoMessage is returned by OpenSubOne when no message arrives within
	// the queue timeout.
	ErrNoMessage = errors.New("mqclient: no message available")

	// ErrClosed is returned when an operation is attempted on a closed
	// stream or session.
	ErrClosed = errors.New("mqclient: closed")
)

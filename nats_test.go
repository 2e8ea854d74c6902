package mqclient

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestNATSRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection closed", nats.ErrConnectionClosed, true},
		{"draining", nats.ErrConnectionDraining, true},
		{"timeout", nats.ErrTimeout, true},
		{"no responders", nats.ErrNoResponders, true},
		{"wrapped timeout", errors.Join(errors.New("fetch"), nats.ErrTimeout), true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"auth failure", nats.ErrAuthorization, false},
		{"plain error", errors.New("whatever"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := natsRetryable(tt.err); got != tt.want {
				t.Errorf("natsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNATSFetchError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		consume bool
	}{
		{"nil", nil, false},
		{"fetch wait expired", nats.ErrTimeout, false},
		{"deadline expired", context.DeadlineExceeded, false},
		{"connection closed", nats.ErrConnectionClosed, true},
		{"draining", nats.ErrConnectionDraining, true},
		{"no responders", nats.ErrNoResponders, true},
		{"plain error", errors.New("whatever"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := natsFetchError(tt.err)
			if !tt.consume {
				if got != nil {
					t.Fatalf("natsFetchError(%v) = %v, want nil", tt.err, got)
				}
				return
			}
			// A dead connection must surface as a consume failure, never
			// read as an empty queue.
			if !errors.Is(got, ErrConsume) {
				t.Errorf("natsFetchError(%v) = %v, want ErrConsume", tt.err, got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("natsFetchError(%v) = %v, want the cause wrapped", tt.err, got)
			}
		})
	}
}

func TestNATSURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"localhost", "nats://localhost"},
		{"localhost:4222", "nats://localhost:4222"},
		{"nats://broker:4222", "nats://broker:4222"},
	}

	for _, tt := range tests {
		if got := natsURL(tt.address); got != tt.want {
			t.Errorf("natsURL(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}

// Integration round trip against a live NATS node with JetStream enabled.
// Point TEST_NATS_ADDRESS at one to enable.
func TestNATSRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_NATS_ADDRESS")
	if addr == "" {
		t.Skip("TEST_NATS_ADDRESS not set")
	}
	brokerRoundTrip(t, BrokerNATS, addr)
}

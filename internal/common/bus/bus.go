// Package bus defines the transport-neutral contracts between the order
// publisher, the processing pipeline and a concrete message broker.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus closed")

// Envelope is an outbound message.
type Envelope struct {
	Key         string // correlation key, the order id
	Body        []byte
	ContentType string
	Headers     map[string]string
}

// Publisher sends an envelope to a topic and blocks until the broker accepted
// it or ctx is done. It returns the broker-side message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) (string, error)
}

// Message is one delivery. Exactly one of Ack or Nack must be called.
type Message interface {
	ID() string
	Body() []byte
	// Attempt is 1 for the first delivery and grows with each redelivery.
	// Transports that cannot count report 2 for any redelivery.
	Attempt() int
	Ack() error
	Nack(requeue bool) error
}

// Subscriber streams deliveries for a subscription until ctx is done, at which
// point the returned channel is closed. At most maxInFlight deliveries are
// outstanding (delivered but not settled) at a time.
type Subscriber interface {
	Subscribe(ctx context.Context, subscription string, maxInFlight int) (<-chan Message, error)
}

// Outcome is how a handler wants a message settled.
type Outcome uint8

const (
	Ack    Outcome = iota + 1
	Nack           // negative-ack, the broker may redeliver
	Reject         // negative-ack without redelivery (dead-letter)
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Settle applies o to m, making the one Ack/Nack call m is owed.
func Settle(m Message, o Outcome) error {
	switch o {
	case Ack:
		return m.Ack()
	case Reject:
		return m.Nack(false)
	default:
		return m.Nack(true)
	}
}

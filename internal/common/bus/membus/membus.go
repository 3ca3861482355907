// Package membus is an in-process at-least-once bus. Topics fan out to bound
// subscriptions; each subscription is a queue whose deliveries must be acked
// or nacked. A requeueing nack puts the message back with its attempt bumped,
// a non-requeueing nack moves it to the subscription's dead letters.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"order-pipeline/internal/common/bus"
)

var (
	ErrAlreadySettled      = errors.New("message already settled")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

type Bus struct {
	mu       sync.Mutex
	closed   bool
	bindings map[string][]*subscription // topic -> subscriptions
	subs     map[string]*subscription
}

func New() *Bus {
	return &Bus{
		bindings: make(map[string][]*subscription),
		subs:     make(map[string]*subscription),
	}
}

// Bind creates subscription (if needed) and routes topic to it. Messages
// published to a topic with no bindings are dropped.
func (b *Bus) Bind(topic, subscription string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[subscription]
	if !ok {
		s = newSubscription()
		b.subs[subscription] = s
	}
	for _, bound := range b.bindings[topic] {
		if bound == s {
			return
		}
	}
	b.bindings[topic] = append(b.bindings[topic], s)
}

// Close makes further Publish and Subscribe calls fail with bus.ErrClosed.
// Deliveries already handed out can still be settled.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *Bus) Publish(ctx context.Context, topic string, env bus.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", bus.ErrClosed
	}
	targets := append([]*subscription(nil), b.bindings[topic]...)
	b.mu.Unlock()

	id := uuid.NewString()
	body := append([]byte(nil), env.Body...)
	for _, s := range targets {
		s.enqueue(&delivery{id: id, body: body, attempt: 1, sub: s})
	}
	return id, nil
}

func (b *Bus) Subscribe(ctx context.Context, subscription string, maxInFlight int) (<-chan bus.Message, error) {
	b.mu.Lock()
	s, ok := b.subs[subscription]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, bus.ErrClosed
	}
	if !ok {
		return nil, ErrUnknownSubscription
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	out := make(chan bus.Message)
	go s.pump(ctx, out, maxInFlight)
	return out, nil
}

// Stats is a point-in-time snapshot of one subscription.
type Stats struct {
	Pending  int
	InFlight int
	Acked    int
	Nacked   int
	Dead     int
}

func (b *Bus) Stats(subscription string) Stats {
	b.mu.Lock()
	s, ok := b.subs[subscription]
	b.mu.Unlock()
	if !ok {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:  len(s.queue),
		InFlight: s.inFlight,
		Acked:    s.acked,
		Nacked:   s.nacked,
		Dead:     len(s.dead),
	}
}

// DeadLetters returns the bodies rejected without requeue.
func (b *Bus) DeadLetters(subscription string) [][]byte {
	b.mu.Lock()
	s, ok := b.subs[subscription]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.dead...)
}

type subscription struct {
	mu       sync.Mutex
	queue    []*delivery
	inFlight int
	acked    int
	nacked   int
	dead     [][]byte
	wake     chan struct{}
}

func newSubscription() *subscription {
	return &subscription{wake: make(chan struct{}, 1)}
}

func (s *subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) enqueue(d *delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.notify()
}

func (s *subscription) next(maxInFlight int) *delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.inFlight >= maxInFlight {
		return nil
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight++
	return d
}

// unpull returns a delivery that was taken but never handed to a consumer.
func (s *subscription) unpull(d *delivery) {
	s.mu.Lock()
	s.inFlight--
	s.queue = append([]*delivery{d}, s.queue...)
	s.mu.Unlock()
	s.notify()
}

func (s *subscription) pump(ctx context.Context, out chan<- bus.Message, maxInFlight int) {
	defer close(out)
	for {
		d := s.next(maxInFlight)
		if d == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		select {
		case out <- d:
		case <-ctx.Done():
			s.unpull(d)
			return
		}
	}
}

func (s *subscription) settle(d *delivery, ack, requeue bool) error {
	s.mu.Lock()
	if d.settled {
		s.mu.Unlock()
		return ErrAlreadySettled
	}
	d.settled = true
	s.inFlight--
	switch {
	case ack:
		s.acked++
	case requeue:
		s.nacked++
		s.queue = append(s.queue, &delivery{id: d.id, body: d.body, attempt: d.attempt + 1, sub: s})
	default:
		s.nacked++
		s.dead = append(s.dead, d.body)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

type delivery struct {
	id      string
	body    []byte
	attempt int
	settled bool // guarded by sub.mu
	sub     *subscription
}

func (d *delivery) ID() string              { return d.id }
func (d *delivery) Body() []byte            { return d.body }
func (d *delivery) Attempt() int            { return d.attempt }
func (d *delivery) Ack() error              { return d.sub.settle(d, true, false) }
func (d *delivery) Nack(requeue bool) error { return d.sub.settle(d, false, requeue) }

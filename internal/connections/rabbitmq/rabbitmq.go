package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"order-pipeline/internal/common/bus"
	"order-pipeline/internal/common/logger"
)

// RoutingKey is used for every order event published to the topic exchange.
const RoutingKey = "order.created"

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string // default "/"
	UseTLS   bool
}

func (c Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	scheme := "amqp"
	if c.UseTLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + url.PathEscape(vhost),
	}
	return u.String()
}

// Client owns one connection, a confirm-mode channel for publishing and one
// channel per Subscribe call. Consume channels stay open until Close so that
// deliveries handed out before a shutdown can still be settled.
type Client struct {
	conn  *amqp.Connection
	pubCh *amqp.Channel
	lg    *logger.Logger

	mu      sync.Mutex
	consume []*amqp.Channel
}

var (
	_ bus.Publisher  = (*Client)(nil)
	_ bus.Subscriber = (*Client)(nil)
)

func Dial(cfg Config, lg *logger.Logger) (*Client, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(cfg.URL(), &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(cfg.URL())
	}
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	c := &Client{conn: conn, pubCh: ch, lg: lg}
	c.watch(ch, "publish")
	return c, nil
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	chans := c.consume
	c.consume = nil
	c.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close()
	}
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// DeclareTopology declares the topic exchange, the subscription queue bound
// to it and, when deadLetter is set, a fanout dead-letter exchange with a
// "<subscription>.dlq" queue. With maxAttempts > 0 the subscription is a
// quorum queue so that deliveries carry x-delivery-count. All declarations
// are idempotent, but an existing queue declared with other arguments is
// refused by the broker.
func (c *Client) DeclareTopology(topic, subscription, deadLetter string, maxAttempts int) error {
	ch := c.pubCh
	if err := ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}

	if deadLetter != "" {
		if err := ch.ExchangeDeclare(deadLetter, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", deadLetter, err)
		}
		dlq := subscription + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, "", deadLetter, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", dlq, err)
		}
	}

	if _, err := ch.QueueDeclare(subscription, true, false, false, false, queueArgs(deadLetter, maxAttempts)); err != nil {
		return fmt.Errorf("declare queue %s: %w", subscription, err)
	}
	if err := ch.QueueBind(subscription, "#", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", subscription, err)
	}
	return nil
}

// queueArgs builds the subscription queue arguments. Classic queues only flag
// a redelivery, so an attempt cap needs a quorum queue to be reachable.
func queueArgs(deadLetter string, maxAttempts int) amqp.Table {
	args := amqp.Table{}
	if deadLetter != "" {
		args["x-dead-letter-exchange"] = deadLetter
	}
	if maxAttempts > 0 {
		args["x-queue-type"] = "quorum"
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Publish sends env to the topic exchange as a persistent message and waits
// for the broker's publisher confirm or ctx. The returned id is the
// MessageId stamped on the message.
func (c *Client) Publish(ctx context.Context, topic string, env bus.Envelope) (string, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return "", bus.ErrClosed
	}

	headers := amqp.Table{"x-source": "order-service"}
	for k, v := range env.Headers {
		headers[k] = v
	}
	id := uuid.NewString()

	conf, err := c.pubCh.PublishWithDeferredConfirmWithContext(
		ctx,
		topic,
		RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode:  amqp.Persistent,
			ContentType:   env.ContentType,
			MessageId:     id,
			CorrelationId: env.Key,
			Timestamp:     time.Now().UTC(),
			Headers:       headers,
			Body:          env.Body,
		},
	)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("publish confirm: %w", err)
	}
	if !acked {
		return "", errors.New("publish NACK from broker")
	}
	return id, nil
}

// Subscribe consumes the queue with manual acks and basic.qos = maxInFlight.
// When ctx is done the consumer is cancelled, deliveries the broker already
// pushed but nobody took are nacked for redelivery, and the channel closes.
func (c *Client) Subscribe(ctx context.Context, subscription string, maxInFlight int) (<-chan bus.Message, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Qos(maxInFlight, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	tag := "pipeline-" + uuid.NewString()
	deliveries, err := ch.Consume(subscription, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", subscription, err)
	}
	c.mu.Lock()
	c.consume = append(c.consume, ch)
	c.mu.Unlock()
	c.watch(ch, "consume")

	out := make(chan bus.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(tag, false)
				for d := range deliveries {
					_ = d.Nack(false, true)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- message{d: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) watch(ch *amqp.Channel, role string) {
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelCh := ch.NotifyCancel(make(chan string, 1))
	go func() {
		for {
			select {
			case e, ok := <-closeCh:
				if ok && e != nil {
					c.lg.Error("amqp_channel_closed", e, map[string]any{"role": role, "code": e.Code})
				}
				return
			case tag, ok := <-cancelCh:
				if !ok {
					return
				}
				c.lg.Warn("consumer_canceled", map[string]any{"role": role, "tag": tag})
			}
		}
	}()
}

type message struct {
	d amqp.Delivery
}

func (m message) ID() string   { return m.d.MessageId }
func (m message) Body() []byte { return m.d.Body }

// Attempt uses the x-delivery-count header when the queue provides it
// (quorum queues); classic queues only say whether this is a redelivery.
func (m message) Attempt() int {
	if n, ok := deliveryCount(m.d.Headers); ok {
		return n + 1
	}
	if m.d.Redelivered {
		return 2
	}
	return 1
}

func (m message) Ack() error              { return m.d.Ack(false) }
func (m message) Nack(requeue bool) error { return m.d.Nack(false, requeue) }

func deliveryCount(h amqp.Table) (int, bool) {
	switch v := h["x-delivery-count"].(type) {
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

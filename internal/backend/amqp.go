package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// publishRoutingKey identifies frames we published ourselves so the
	// consume side can suppress the echo from the fanout exchange.
	publishRoutingKey = "etherbridge"

	frameContentType = "application/x-ethernet-frame"

	exchangeKindFanout = "fanout"
)

// busMAC is the fixed hardware address presented by the message-bus
// transport; there is no device to query.
var busMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0xb2, 0x75, 0x01}

// amqpBus bridges frames over a broker fanout exchange. Transmitted frames
// are published as persistent messages; a dedicated consume connection owns
// an exclusive auto-delete queue bound to the same exchange with a wildcard
// key. The publish connection is touched only by Transmit callers, the
// consume connection only by the reception loop.
type amqpBus struct {
	log *slog.Logger
	cfg brokerConfig

	conn *amqp.Connection
	ch   *amqp.Channel
}

func newAMQP(rawURL string, opts Options) (Backend, error) {
	cfg, err := parseBrokerURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &amqpBus{log: opts.logger(), cfg: cfg}, nil
}

func (b *amqpBus) dial() (*amqp.Connection, error) {
	if b.cfg.TLS {
		return amqp.DialTLS(b.cfg.dialURL(), &tls.Config{})
	}
	return amqp.Dial(b.cfg.dialURL())
}

// setup opens a channel on conn and declares the fanout exchange.
func (b *amqpBus) setup(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, describeBrokerError("open channel", err)
	}
	if err := ch.ExchangeDeclare(
		b.cfg.Exchange, exchangeKindFanout,
		false, // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, describeBrokerError("declare exchange", err)
	}
	return ch, nil
}

func (b *amqpBus) Open(ctx context.Context) error {
	conn, err := b.dial()
	if err != nil {
		return describeBrokerError("connect", err)
	}
	ch, err := b.setup(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	b.conn = conn
	b.ch = ch
	b.log.Debug("amqp: connected",
		"host", b.cfg.Host, "port", b.cfg.Port, "exchange", b.cfg.Exchange)
	return nil
}

func (b *amqpBus) Close() error {
	var err error
	if b.ch != nil {
		err = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
		b.conn = nil
	}
	return err
}

func (b *amqpBus) HardwareAddr() net.HardwareAddr { return busMAC }

// The fanout exchange delivers everything; there is no receive filter.
func (b *amqpBus) AddMulticast(addr net.HardwareAddr) error { return nil }
func (b *amqpBus) DelMulticast(addr net.HardwareAddr) error { return nil }

func (b *amqpBus) Transmit(f []byte) error {
	if !validFrameLen(len(f)) {
		return fmt.Errorf("bad frame length %d", len(f))
	}
	err := b.ch.PublishWithContext(
		context.Background(),
		b.cfg.Exchange, publishRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  frameContentType,
			DeliveryMode: amqp.Persistent,
			Body:         append([]byte(nil), f...),
		},
	)
	if err != nil {
		b.log.Warn("amqp: publish failed", "err", describeBrokerError("publish", err))
		return ErrTransmitBufferFull
	}
	return nil
}

// ReceiveLoop opens its own broker connection, binds a private queue to the
// exchange, and consumes messages one at a time. A broker failure ends the
// loop (and with it this connection attempt) but never the process.
func (b *amqpBus) ReceiveLoop(ctx context.Context, deliver DeliverFunc) error {
	conn, err := b.dial()
	if err != nil {
		return describeBrokerError("consume connect", err)
	}
	defer conn.Close()

	ch, err := b.setup(conn)
	if err != nil {
		return err
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(
		"",    // broker-assigned name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return describeBrokerError("declare queue", err)
	}

	if err := ch.QueueBind(queue.Name, "*", b.cfg.Exchange, false, nil); err != nil {
		return describeBrokerError("bind queue", err)
	}

	deliveries, err := ch.Consume(
		queue.Name,
		"",    // consumer tag
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return describeBrokerError("consume", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.log.Debug("amqp: consuming", "queue", queue.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				select {
				case amqpErr := <-closed:
					if amqpErr != nil {
						return describeBrokerError("consume", amqpErr)
					}
				default:
				}
				return describeBrokerError("consume", nil)
			}

			// Our own frames come back through the fanout; drop them.
			if d.RoutingKey == publishRoutingKey {
				continue
			}
			if !validFrameLen(len(d.Body)) {
				b.log.Debug("amqp: dropping message with bad length", "len", len(d.Body))
				continue
			}
			if err := deliver(d.Body); err != nil {
				return err
			}
		}
	}
}

// describeBrokerError classifies a broker failure the way the alert surface
// expects: missing reply, server-reported closure with code and text, or a
// client-library failure.
func describeBrokerError(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: missing reply from broker", op)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Server {
			return fmt.Errorf("%s: server error %d: %s", op, amqpErr.Code, amqpErr.Reason)
		}
		return fmt.Errorf("%s: client error %d: %s", op, amqpErr.Code, amqpErr.Reason)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Backend = (*amqpBus)(nil)

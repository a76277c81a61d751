package transport

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
)

// amqpTransport publishes JSON events to an exchange in confirm mode.
// The batch counts as delivered only once the broker has confirmed every
// publish; any missing confirm fails the whole batch.
type amqpTransport struct {
	cfg      config.TransportConfig
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
}

func newAMQPTransport(cfg config.TransportConfig) *amqpTransport {
	return &amqpTransport{cfg: cfg}
}

func (t *amqpTransport) Name() string {
	return label(t.cfg)
}

// Open dials the broker and puts the channel into confirm mode.
func (t *amqpTransport) Open(ctx context.Context) error {
	if t.conn != nil && !t.conn.IsClosed() {
		return nil
	}
	t.teardown()

	conn, err := amqp.Dial(t.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	t.conn = conn
	t.channel = channel
	t.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1024))

	log.Info().
		Str("transport", t.Name()).
		Str("exchange", t.cfg.AMQPExchange).
		Str("routing_key", t.cfg.AMQPRoutingKey).
		Msg("AMQP transport connected")
	return nil
}

func (t *amqpTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	if t.channel == nil {
		return domain.DeliveryResult{
			Status: domain.TransientFailure,
			Err:    fmt.Errorf("amqp transport is not open"),
		}
	}

	// Confirms are drained concurrently with publishing: the NotifyPublish
	// channel is finite, and blocking it while more publishes are queued
	// would wedge the connection reader on large batches.
	confirms := t.confirms // teardown nils the field; the drain keeps the channel
	confirmed := make(chan error, 1)
	go func() {
		confirmed <- awaitConfirms(ctx, confirms, batch.Len())
	}()

	for _, rec := range batch.Records {
		data, err := encodeRecord(rec)
		if err != nil {
			t.teardown()
			<-confirmed
			return domain.DeliveryResult{Status: domain.PermanentFailure, Err: err}
		}

		err = t.channel.Publish(
			t.cfg.AMQPExchange,
			t.cfg.AMQPRoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         data,
			},
		)
		if err != nil {
			t.teardown()
			<-confirmed
			return classify(fmt.Errorf("amqp publish failed: %w", err))
		}
	}

	if err := <-confirmed; err != nil {
		t.teardown()
		return domain.DeliveryResult{Status: domain.TransientFailure, Err: err}
	}

	return domain.DeliveryResult{Status: domain.Delivered}
}

// awaitConfirms waits for one broker confirmation per publish. A nack or a
// closed channel fails the batch; redelivery may duplicate on the broker,
// which the at-least-once contract allows.
func awaitConfirms(ctx context.Context, confirms <-chan amqp.Confirmation, n int) error {
	for i := 0; i < n; i++ {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				return fmt.Errorf("amqp channel closed while awaiting confirms")
			}
			if !confirm.Ack {
				return fmt.Errorf("amqp broker nacked publish %d", confirm.DeliveryTag)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *amqpTransport) Close() error {
	t.teardown()
	return nil
}

func (t *amqpTransport) teardown() {
	if t.channel != nil {
		t.channel.Close()
		t.channel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.confirms = nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"reviewflow/apperrors"
	"reviewflow/automation"
	"reviewflow/logging"
)

const DefaultTriggerQueue = "automation_triggers"

// TriggerMessage is the queued form of a trigger event.
type TriggerMessage struct {
	BusinessID uint `json:"business_id"`
	automation.TriggerEvent
}

type Ingester interface {
	Ingest(ctx context.Context, businessID uint, ev automation.TriggerEvent) (*automation.IngestResult, error)
}

// TriggerConsumer feeds trigger events from RabbitMQ into the matcher.
type TriggerConsumer struct {
	URL      string
	Queue    string
	Ingester Ingester
	Logger   *logrus.Entry
}

func NewTriggerConsumer(url, queue string, ingester Ingester) *TriggerConsumer {
	if queue == "" {
		queue = DefaultTriggerQueue
	}
	return &TriggerConsumer{
		URL:      url,
		Queue:    queue,
		Ingester: ingester,
		Logger:   logging.Component("trigger_consumer"),
	}
}

// Run consumes until ctx is cancelled or the connection drops.
func (c *TriggerConsumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		c.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(32, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.Logger.WithField("queue", q.Name).Info("Trigger consumer running, waiting for messages...")
	for {
		select {
		case <-ctx.Done():
			c.Logger.Info("Trigger consumer shutting down...")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("trigger queue %s closed", q.Name)
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle ingests one delivery. Malformed or invalid messages are dropped;
// infrastructure failures are requeued once and then rejected.
func (c *TriggerConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	var msg TriggerMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.BusinessID == 0 {
		c.Logger.WithField("body", string(d.Body)).Warn("Invalid trigger message dropped")
		_ = d.Ack(false)
		return
	}

	log := c.Logger.WithFields(logrus.Fields{"business_id": msg.BusinessID, "event_type": msg.EventType})
	res, err := c.Ingester.Ingest(ctx, msg.BusinessID, msg.TriggerEvent)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{"enrolled": len(res.Enrolled), "duplicates": res.Duplicates}).Info("Trigger ingested")
		_ = d.Ack(false)
	case apperrors.IsValidation(err) || apperrors.IsNotFound(err):
		log.WithError(err).Warn("Trigger rejected")
		_ = d.Ack(false)
	default:
		logging.LogError("trigger_ingest_failed", err, map[string]interface{}{
			"business_id": msg.BusinessID,
			"redelivered": d.Redelivered,
		})
		_ = d.Nack(false, !d.Redelivered)
	}
}

package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DeliveryHandler обрабатывает одно сообщение. Возврат true - ack,
// false - nack без requeue (сообщение уходит в DLQ).
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) bool

// Consumer читает задачи трансформации из очереди по одной (prefetch 1):
// обработка задачи - минуты работы с AI-шлюзом, жадность здесь вредна.
type Consumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewConsumer создает консьюмера и декларирует ту же топологию, что издатель.
func NewConsumer(conn *amqp.Connection, queueName string, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := declareQueueTopology(ch, queueName); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	return &Consumer{
		conn:      conn,
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("task_consumer"),
	}, nil
}

// Run потребляет сообщения до отмены контекста или закрытия канала.
func (c *Consumer) Run(ctx context.Context, handler DeliveryHandler) error {
	deliveries, err := c.channel.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.queueName, err)
	}

	c.logger.Info("Consumer started", zap.String("queue", c.queueName))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping", zap.String("queue", c.queueName))
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queueName)
			}
			if handler(ctx, delivery) {
				if err := delivery.Ack(false); err != nil {
					c.logger.Error("Failed to ack delivery", zap.Error(err))
				}
			} else {
				if err := delivery.Nack(false, false); err != nil {
					c.logger.Error("Failed to nack delivery", zap.Error(err))
				}
			}
		}
	}
}

// Close закрывает канал консьюмера.
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}

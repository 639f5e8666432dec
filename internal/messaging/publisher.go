package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	publishMaxAttempts = 3
	publishRetryDelay  = 500 * time.Millisecond

	deadLetterExchange    = "storybook.dlx"
	deadLetterQueueSuffix = ".dlq"
)

// TaskPublisher - порт публикации задач трансформации.
type TaskPublisher interface {
	PublishTransformTask(ctx context.Context, payload StoryTransformTaskPayload) error
	Close() error
}

type rabbitMQPublisher struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQPublisher создает издателя и декларирует очередь вместе с её DLQ.
func NewRabbitMQPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (TaskPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}

	if err := declareQueueTopology(ch, queueName); err != nil {
		ch.Close()
		return nil, err
	}

	return &rabbitMQPublisher{
		conn:      conn,
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("task_publisher"),
	}, nil
}

// declareQueueTopology декларирует DLX, DLQ и рабочую очередь с маршрутизацией
// отбитых сообщений в DLQ.
func declareQueueTopology(ch *amqp.Channel, queueName string) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter exchange: %w", err)
	}

	dlqName := queueName + deadLetterQueueSuffix
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(dlqName, queueName, deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}

	_, err := ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": queueName,
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	return nil
}

func (p *rabbitMQPublisher) PublishTransformTask(ctx context.Context, payload StoryTransformTaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal transform task: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		lastErr = p.channel.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    payload.TaskID.String(),
			Timestamp:    time.Now(),
			Body:         body,
		})
		if lastErr == nil {
			p.logger.Info("Transform task published",
				zap.String("task_id", payload.TaskID.String()),
				zap.String("story_id", payload.StoryID.String()),
				zap.Int("pages", len(payload.Pages)))
			return nil
		}
		p.logger.Warn("Failed to publish transform task, retrying",
			zap.String("task_id", payload.TaskID.String()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < publishMaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishRetryDelay * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("failed to publish transform task after %d attempts: %w", publishMaxAttempts, lastErr)
}

func (p *rabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

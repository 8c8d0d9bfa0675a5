package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSinkConfig 描述 RabbitMQ 事件日志的连接参数。
type RabbitMQSinkConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQSink 把事件以 JSON 消息投递到队列，供下游消费，不支持回读。
type RabbitMQSink struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明队列。
func NewRabbitMQSink(cfg RabbitMQSinkConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "crewrelay.webhooks"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 投递一条事件。channel 不支持并发发布，因此加锁。
func (s *RabbitMQSink) Publish(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("RabbitMQ 事件日志未初始化")
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Timestamp:    event.ReceivedAt,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"kickoff_id": event.KickoffID},
		Body:         encoded,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

var _ Sink = (*RabbitMQSink)(nil)

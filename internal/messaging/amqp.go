package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述跨进程消息中继的 RabbitMQ 连接参数。
type AMQPConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// AMQPRelay 将本地总线无法投递的消息转发到 RabbitMQ 队列，
// 并把镜像队列上的消息回注到本地 swarm。
type AMQPRelay struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPRelay 建立 RabbitMQ 连接并声明消息队列。
func NewAMQPRelay(cfg AMQPConfig) (*AMQPRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "krumpkraft.messages"
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
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &AMQPRelay{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将消息序列化后投递到中继队列。
func (r *AMQPRelay) Publish(ctx context.Context, msg Message) error {
	if r == nil || r.ch == nil {
		return errors.New("消息中继未初始化")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	return r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Consume 订阅中继队列并把每条消息交给 deliver，直到 ctx 结束。
// 反序列化失败的消息直接确认丢弃。
func (r *AMQPRelay) Consume(ctx context.Context, deliver func(Message)) error {
	if r == nil || r.ch == nil {
		return errors.New("消息中继未初始化")
	}
	msgs, err := r.ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(delivery.Body, &msg); err == nil {
				deliver(msg)
			}
			_ = delivery.Ack(false)
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (r *AMQPRelay) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

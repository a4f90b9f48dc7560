package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType 描述 agent 间消息的类别。
type MessageType string

const (
	TypePayment      MessageType = "payment"
	TypeVerification MessageType = "verification"
	TypeCommission   MessageType = "commission"
	TypeDiscovery    MessageType = "discovery"
	TypeSocial       MessageType = "social"
)

// Message 是 agent 之间传递的消息体。
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// SendFunc 将消息交给外部投递（swarm 注册表或 AMQP relay）。
type SendFunc func(ctx context.Context, msg Message) error

// Bus 是单个 agent 的消息端点：注册一个接收 handler，
// 发送时通过注入的 SendFunc 路由到目标。
type Bus struct {
	agentID string

	mu      sync.RWMutex
	handler func(Message)
	send    SendFunc
}

// NewBus 创建 agent 的消息总线端点。sendFn 可为 nil，此时 Send 为空操作。
func NewBus(agentID string, sendFn SendFunc) *Bus {
	return &Bus{agentID: agentID, send: sendFn}
}

// AgentID 返回该端点所属的 agent 标识。
func (b *Bus) AgentID() string {
	return b.agentID
}

// SetSendFunc 替换外部投递函数，swarm 在注册 agent 时调用。
func (b *Bus) SetSendFunc(fn SendFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.send = fn
}

// OnMessage 注册接收 handler，重复注册时覆盖旧 handler。
func (b *Bus) OnMessage(handler func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Send 构造带时间戳的消息并交给投递函数。未注入投递函数时静默丢弃。
func (b *Bus) Send(ctx context.Context, to string, msgType MessageType, payload any) error {
	b.mu.RLock()
	send := b.send
	b.mu.RUnlock()
	if send == nil {
		return nil
	}
	return send(ctx, Message{
		ID:        uuid.NewString(),
		From:      b.agentID,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Deliver 将消息交给已注册的 handler，无 handler 时静默丢弃。
func (b *Bus) Deliver(msg Message) {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// 决策动作的合法取值。
const (
	ActionChat       = "chat"
	ActionCommission = "commission"
	ActionPay        = "pay"
	ActionDance      = "dance"
)

// Request 描述一次决策所需的完整上下文。
type Request struct {
	// AgentID 是本轮做决策的 agent。
	AgentID string
	// Context 是 swarm 当前状态摘要（余额、坐标、近期委托）。
	Context string
	// RecentChat 是最近的对话记录，便于模型回应他人。
	RecentChat []ChatEntry
	// Memory 是近期事件与失败的摘要，避免模型重复踩坑。
	Memory string
	// Knowledge 是注入系统提示词的文化知识卡片。
	Knowledge []KnowledgeCard
}

// ChatEntry 是一条对话记录。
type ChatEntry struct {
	Username string
	Message  string
}

// KnowledgeCard 表示提供给大模型的知识切片。
type KnowledgeCard struct {
	Title   string
	Content string
}

// FlexString 兼容字符串与 JSON 数字两种金额写法。
type FlexString string

// UnmarshalJSON 实现宽松解码。
func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(trimmed)
	return nil
}

// ActionPayload 携带各动作的参数，缺省字段为空。
type ActionPayload struct {
	Message     string     `json:"message,omitempty"`
	Description string     `json:"description,omitempty"`
	Budget      FlexString `json:"budget,omitempty"`
	To          string     `json:"to,omitempty"`
	Amount      FlexString `json:"amount,omitempty"`
	ReceiptID   string     `json:"receiptId,omitempty"`
	Duration    float64    `json:"duration,omitempty"`
}

// Action 是模型每轮返回的唯一动作。
type Action struct {
	Action  string        `json:"action"`
	AgentID string        `json:"agentId"`
	Payload ActionPayload `json:"payload"`
}

// Client 定义决策引擎的统一接口。
// Decide 返回 (nil, nil) 表示模型输出无法解析，本轮直接跳过。
type Client interface {
	Decide(ctx context.Context, req Request) (*Action, error)
}

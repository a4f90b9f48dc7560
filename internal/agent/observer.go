package agent

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Observer 接收 agent 生命周期事件，用于日志、审计或外部通知。
type Observer interface {
	CommandStarted(agentID, command string)
	CommandFinished(agentID, command string, success bool, errMsg string)
	RefreshStarted(agentID string)
	RefreshFinished(agentID string, err error)
}

// NopObserver 丢弃所有事件。
type NopObserver struct{}

func (NopObserver) CommandStarted(string, string)               {}
func (NopObserver) CommandFinished(string, string, bool, string) {}
func (NopObserver) RefreshStarted(string)                        {}
func (NopObserver) RefreshFinished(string, error)                {}

// SlogObserver 将事件写入结构化日志。
type SlogObserver struct {
	Log *slog.Logger
}

func (o SlogObserver) logger() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

func (o SlogObserver) CommandStarted(agentID, command string) {
	o.logger().Info("指令开始执行", "agent_id", agentID, "command", command)
}

func (o SlogObserver) CommandFinished(agentID, command string, success bool, errMsg string) {
	if success {
		o.logger().Info("指令执行完成", "agent_id", agentID, "command", command)
		return
	}
	o.logger().Warn("指令执行失败", "agent_id", agentID, "command", command, "error", errMsg)
}

func (o SlogObserver) RefreshStarted(agentID string) {
	o.logger().Debug("开始刷新余额", "agent_id", agentID)
}

func (o SlogObserver) RefreshFinished(agentID string, err error) {
	if err != nil {
		o.logger().Warn("刷新余额失败", "agent_id", agentID, "error", err)
		return
	}
	o.logger().Debug("余额刷新完成", "agent_id", agentID)
}

// auditedCommands 是需要写入审计日志的资金与验证类指令。
var auditedCommands = map[string]bool{
	"pay":                true,
	"transferUsdc":       true,
	"transferIp":         true,
	"transferJab":        true,
	"submitVerification": true,
	"distribute":         true,
}

// AuditObserver 把支付与验证类指令的结果写入审计日志通道。
type AuditObserver struct {
	Log *slog.Logger
}

func (o AuditObserver) CommandStarted(string, string) {}

func (o AuditObserver) CommandFinished(agentID, command string, success bool, errMsg string) {
	if o.Log == nil || !auditedCommands[command] {
		return
	}
	if success {
		o.Log.Info("audit", "agent_id", agentID, "command", command, "success", true)
		return
	}
	o.Log.Info("audit", "agent_id", agentID, "command", command, "success", false, "error", errMsg)
}

func (o AuditObserver) RefreshStarted(string)         {}
func (o AuditObserver) RefreshFinished(string, error) {}

// MultiObserver 将事件广播给多个观察者。
type MultiObserver []Observer

func (m MultiObserver) CommandStarted(agentID, command string) {
	for _, o := range m {
		o.CommandStarted(agentID, command)
	}
}

func (m MultiObserver) CommandFinished(agentID, command string, success bool, errMsg string) {
	for _, o := range m {
		o.CommandFinished(agentID, command, success, errMsg)
	}
}

func (m MultiObserver) RefreshStarted(agentID string) {
	for _, o := range m {
		o.RefreshStarted(agentID)
	}
}

func (m MultiObserver) RefreshFinished(agentID string, err error) {
	for _, o := range m {
		o.RefreshFinished(agentID, err)
	}
}

// WebhookObserver 以 fire-and-forget 方式把指令完成事件推送到外部 webhook。
// 发送失败仅记录日志，不影响指令结果。
type WebhookObserver struct {
	URL    string
	Log    *slog.Logger
	client *http.Client
}

// NewWebhookObserver 创建 webhook 通知器。
func NewWebhookObserver(url string, log *slog.Logger) *WebhookObserver {
	return &WebhookObserver{
		URL:    url,
		Log:    log,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookEvent struct {
	Event     string `json:"event"`
	AgentID   string `json:"agentId"`
	Command   string `json:"command,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (o *WebhookObserver) post(event webhookEvent) {
	if o == nil || o.URL == "" {
		return
	}
	event.Timestamp = time.Now().UnixMilli()
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	go func() {
		resp, err := o.client.Post(o.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			if o.Log != nil {
				o.Log.Debug("webhook 推送失败", "error", err)
			}
			return
		}
		resp.Body.Close()
	}()
}

func (o *WebhookObserver) CommandStarted(agentID, command string) {
	o.post(webhookEvent{Event: "command_started", AgentID: agentID, Command: command})
}

func (o *WebhookObserver) CommandFinished(agentID, command string, success bool, errMsg string) {
	o.post(webhookEvent{Event: "command_finished", AgentID: agentID, Command: command, Success: &success, Error: errMsg})
}

func (o *WebhookObserver) RefreshStarted(agentID string) {}

func (o *WebhookObserver) RefreshFinished(agentID string, err error) {
	if err == nil {
		return
	}
	o.post(webhookEvent{Event: "refresh_failed", AgentID: agentID, Error: err.Error()})
}

package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"KrumpKraft/internal/activity"
	"KrumpKraft/internal/agent"
	"KrumpKraft/internal/amounts"
	"KrumpKraft/internal/knowledge"
	"KrumpKraft/internal/llm"
	"KrumpKraft/internal/messaging"
	"KrumpKraft/internal/swarm"
)

const (
	defaultInterval  = 45 * time.Second
	defaultCooldown  = 5 * time.Second
	maxMemoryEntries = 25
)

// ChatSource 提供最近的对话记录，便于模型回应他人。由外部对话
// 桥接层（如游戏内聊天）注入，守护进程单独运行时传 nil。
type ChatSource func() []llm.ChatEntry

// Config 描述决策循环的节奏。
type Config struct {
	Interval time.Duration
	// Cooldown 限制外部触发（立即回复）的最小间隔。
	Cooldown time.Duration
}

type memoryEntry struct {
	ts      int64
	kind    string // event | failure
	agentID string
	text    string
}

// Loop 每个 tick 轮询选择一个 agent，请求大模型给出唯一动作并执行。
type Loop struct {
	swarm      *swarm.Swarm
	client     llm.Client
	feed       activity.Feed
	know       knowledge.Provider
	recentChat ChatSource
	log        *slog.Logger
	interval   time.Duration
	cooldown   time.Duration

	mu            sync.Mutex
	memory        []memoryEntry
	tickIndex     int
	running       bool
	lastImmediate time.Time
}

// New 构造决策循环。feed 与 know 可为 nil，分别表示不记录活动、
// 不注入知识卡片。
func New(sw *swarm.Swarm, client llm.Client, feed activity.Feed, know knowledge.Provider, chat ChatSource, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Loop{
		swarm:      sw,
		client:     client,
		feed:       feed,
		know:       know,
		recentChat: chat,
		log:        log,
		interval:   interval,
		cooldown:   cooldown,
	}
}

// Run 以固定间隔执行决策，直到 ctx 结束。
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.log.Info("决策循环启动", "interval", l.interval.String())
	for {
		select {
		case <-ctx.Done():
			l.log.Info("决策循环退出")
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// TriggerImmediate 在外部事件（如人类发言）时立即执行一轮，
// 供对话桥接层在定时 tick 之外调用。受冷却时间限制以避免刷接口，
// 冷却期内与并发执行中的触发直接丢弃。
func (l *Loop) TriggerImmediate(ctx context.Context) {
	l.mu.Lock()
	if l.running || time.Since(l.lastImmediate) < l.cooldown {
		l.mu.Unlock()
		return
	}
	l.lastImmediate = time.Now()
	l.mu.Unlock()
	l.RunOnce(ctx)
}

// RunOnce 执行一轮决策：轮询选 agent、请求模型、执行动作。
func (l *Loop) RunOnce(ctx context.Context) {
	agents := l.swarm.Agents()
	if len(agents) == 0 {
		return
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	current := agents[l.tickIndex%len(agents)]
	l.tickIndex++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	req := llm.Request{
		AgentID: current.ID(),
		Context: l.buildContext(ctx),
		Memory:  l.memoryContext(),
	}
	if l.recentChat != nil {
		req.RecentChat = l.recentChat()
	}
	if l.know != nil {
		for _, card := range l.know.Query("krump commerce", "") {
			req.Knowledge = append(req.Knowledge, llm.KnowledgeCard{Title: card.Title, Content: card.Content})
		}
	}

	action, err := l.client.Decide(ctx, req)
	if err != nil {
		l.pushMemory(current.ID(), "failure", truncate(err.Error(), 80))
		l.log.Warn("决策请求失败", "agent_id", current.ID(), "error", err)
		return
	}
	if action == nil || action.Action == "" {
		return
	}
	// 模型只能替本轮 agent 做决定。
	if action.AgentID != "" && action.AgentID != current.ID() {
		return
	}
	l.execute(ctx, current, action)
}

// buildContext 汇总所有 agent 的余额、坐标与近期委托。
func (l *Loop) buildContext(ctx context.Context) string {
	var builder strings.Builder
	builder.WriteString("Agents:\n")
	for _, a := range l.swarm.Agents() {
		status := a.Status()
		pos := a.Position(ctx)
		builder.WriteString(fmt.Sprintf("%s (%s, %s): USDC.k=%s, JAB=%s, pos=(%d,%d,%d)\n",
			a.ID(), status.Name, status.Role,
			amounts.FormatAmount(status.Balance, amounts.USDCDecimals, 4),
			amounts.FormatJab(status.PrincipalBalance),
			pos.X, pos.Y, pos.Z))
	}

	builder.WriteString("\nRecent commissions:\n")
	commissions := l.swarm.Commissions()
	if len(commissions) > 5 {
		commissions = commissions[len(commissions)-5:]
	}
	if len(commissions) == 0 {
		builder.WriteString("none\n")
	}
	for _, c := range commissions {
		builder.WriteString(fmt.Sprintf("id=%s desc=%q budget=%s status=%s\n",
			c.ID, c.Description, c.Budget.String(), c.Status))
	}
	return builder.String()
}

func (l *Loop) execute(ctx context.Context, current *agent.Agent, action *llm.Action) {
	payload := action.Payload
	switch action.Action {
	case llm.ActionChat:
		message := strings.TrimSpace(payload.Message)
		if message == "" {
			return
		}
		message = truncate(message, 256)
		l.pushActivity(ctx, activity.Entry{
			Type:    activity.TypeAction,
			Action:  "chat",
			AgentID: current.ID(),
			Message: message,
		})
		l.broadcast(ctx, current, message)
		l.log.Info("LLM 决策: chat", "agent_id", current.ID(), "message", message)

	case llm.ActionCommission:
		description := strings.TrimSpace(payload.Description)
		if description == "" || payload.Budget == "" {
			return
		}
		budget := amounts.ParseUSDC(string(payload.Budget))
		if budget.Sign() <= 0 {
			return
		}
		commission := swarm.NewCommission(current.ID(), truncate(description, 200), string(payload.Budget))
		l.swarm.AddCommission(commission)
		l.pushMemory(current.ID(), "event", "commission: "+truncate(description, 40))
		l.pushActivity(ctx, activity.Entry{
			Type:    activity.TypeAction,
			Action:  "commission",
			AgentID: current.ID(),
			Payload: map[string]any{
				"id":          commission.ID,
				"description": commission.Description,
				"budget":      string(payload.Budget),
			},
		})
		l.log.Info("LLM 决策: commission", "agent_id", current.ID(), "commission_id", commission.ID)

	case llm.ActionPay:
		to := strings.TrimSpace(payload.To)
		receiptID := strings.TrimSpace(payload.ReceiptID)
		if !strings.HasPrefix(to, "0x") || receiptID == "" || payload.Amount == "" {
			return
		}
		res := current.RunCommand(ctx, agent.Pay{To: to, Amount: string(payload.Amount), ReceiptID: receiptID})
		if res.Success {
			l.pushMemory(current.ID(), "event", fmt.Sprintf("paid %s USDC.k", payload.Amount))
		} else {
			l.pushMemory(current.ID(), "failure", "pay failed: "+truncate(res.Error, 60))
		}
		l.pushActivity(ctx, activity.Entry{
			Type:    activity.TypeAction,
			Action:  "pay",
			AgentID: current.ID(),
			Payload: map[string]any{
				"to":        to,
				"amount":    string(payload.Amount),
				"receiptId": receiptID,
				"success":   res.Success,
			},
		})
		l.log.Info("LLM 决策: pay", "agent_id", current.ID(), "success", res.Success)

	case llm.ActionDance:
		duration := int(payload.Duration)
		if duration <= 0 {
			duration = 10
		}
		l.pushMemory(current.ID(), "event", fmt.Sprintf("danced %ds", duration))
		l.pushActivity(ctx, activity.Entry{
			Type:    activity.TypeAction,
			Action:  "dance",
			AgentID: current.ID(),
			Message: fmt.Sprintf("* %s gets buck — chest pop, stomp! *", current.ID()),
			Payload: map[string]any{"duration": duration},
		})
		l.log.Info("LLM 决策: dance", "agent_id", current.ID(), "duration", duration)
	}
}

// broadcast 把聊天内容作为 social 消息发给其余 agent。
func (l *Loop) broadcast(ctx context.Context, from *agent.Agent, message string) {
	bus := from.Bus()
	if bus == nil {
		return
	}
	for _, other := range l.swarm.Agents() {
		if other.ID() == from.ID() {
			continue
		}
		if err := bus.Send(ctx, other.ID(), messaging.TypeSocial, map[string]any{"message": message}); err != nil {
			l.log.Debug("社交消息投递失败", "to", other.ID(), "error", err)
		}
	}
}

func (l *Loop) pushActivity(ctx context.Context, entry activity.Entry) {
	if l.feed == nil {
		return
	}
	if err := l.feed.Push(ctx, entry); err != nil {
		l.log.Debug("记录活动失败", "error", err)
	}
}

func (l *Loop) pushMemory(agentID, kind, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memory = append(l.memory, memoryEntry{
		ts:      time.Now().UnixMilli(),
		kind:    kind,
		agentID: agentID,
		text:    text,
	})
	if len(l.memory) > maxMemoryEntries {
		l.memory = l.memory[len(l.memory)-maxMemoryEntries:]
	}
}

func (l *Loop) memoryContext() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.memory) == 0 {
		return "none"
	}
	lines := make([]string, 0, len(l.memory))
	for _, entry := range l.memory {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", entry.kind, entry.agentID, entry.text))
	}
	return strings.Join(lines, "\n")
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}

package swarm

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"KrumpKraft/internal/agent"
	"KrumpKraft/internal/amounts"
	"KrumpKraft/internal/messaging"

	"github.com/google/uuid"
)

// CommissionStatus 是委托编舞的生命周期状态。
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionAccepted  CommissionStatus = "accepted"
	CommissionCompleted CommissionStatus = "completed"
	CommissionCancelled CommissionStatus = "cancelled"
)

// Commission 是一条编舞委托，预算以 USDC.k 基础单位计。
type Commission struct {
	ID              string           `json:"id"`
	ChoreographerID string           `json:"choreographerId"`
	Description     string           `json:"description"`
	Budget          *big.Int         `json:"-"`
	Status          CommissionStatus `json:"status"`
	CreatedAt       int64            `json:"createdAt"`
	UpdatedAt       int64            `json:"updatedAt,omitempty"`
}

// NewCommission 构造一条 pending 委托，预算按十进制 USDC.k 解析。
func NewCommission(choreographerID, description, budget string) Commission {
	return Commission{
		ID:              "comm_" + uuid.NewString(),
		ChoreographerID: choreographerID,
		Description:     description,
		Budget:          amounts.ParseUSDC(budget),
		Status:          CommissionPending,
		CreatedAt:       time.Now().UnixMilli(),
	}
}

func (c Commission) clone() Commission {
	dup := c
	if c.Budget != nil {
		dup.Budget = new(big.Int).Set(c.Budget)
	}
	return dup
}

// Relay 把本地无法投递的消息转发到外部队列。
type Relay interface {
	Publish(ctx context.Context, msg messaging.Message) error
}

// State 是 swarm 的聚合视图，每次调用重新折叠计算。
type State struct {
	AgentCount            int      `json:"agentCount"`
	TotalBalance          *big.Int `json:"-"`
	TotalIPBalance        *big.Int `json:"-"`
	TotalIPNativeBalance  *big.Int `json:"-"`
	TotalPrincipalBalance *big.Int `json:"-"`
	TotalTasks            int      `json:"totalTasks"`
	TotalRevenue          *big.Int `json:"-"`
	LastUpdate            int64    `json:"lastUpdate"`
}

// Swarm 管理一组 agent：注册、消息路由、聚合状态与委托簿。
type Swarm struct {
	log *slog.Logger

	mu          sync.RWMutex
	agents      map[string]*agent.Agent
	order       []string
	commissions []Commission
	relay       Relay
}

// New 创建空的 swarm 注册表。
func New(log *slog.Logger) *Swarm {
	if log == nil {
		log = slog.Default()
	}
	return &Swarm{
		log:    log,
		agents: make(map[string]*agent.Agent),
	}
}

// SetRelay 配置跨进程消息中继，本地找不到收件人的消息转发到队列。
func (s *Swarm) SetRelay(relay Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = relay
}

// Add 注册 agent 并把它的消息端点接到注册表路由上。
func (s *Swarm) Add(a *agent.Agent) {
	s.mu.Lock()
	if _, exists := s.agents[a.ID()]; !exists {
		s.order = append(s.order, a.ID())
	}
	s.agents[a.ID()] = a
	s.mu.Unlock()

	if bus := a.Bus(); bus != nil {
		bus.SetSendFunc(func(ctx context.Context, msg messaging.Message) error {
			return s.route(ctx, msg)
		})
	}
}

// route 将消息投递给本地收件人，找不到时交给中继（未配置则静默丢弃）。
func (s *Swarm) route(ctx context.Context, msg messaging.Message) error {
	s.mu.RLock()
	target := s.agents[msg.To]
	relay := s.relay
	s.mu.RUnlock()

	if target != nil {
		if bus := target.Bus(); bus != nil {
			bus.Deliver(msg)
		}
		return nil
	}
	if relay != nil {
		return relay.Publish(ctx, msg)
	}
	return nil
}

// Deliver 将中继消费到的消息回注到本地收件人，未知收件人静默丢弃。
func (s *Swarm) Deliver(msg messaging.Message) {
	s.mu.RLock()
	target := s.agents[msg.To]
	s.mu.RUnlock()
	if target != nil {
		if bus := target.Bus(); bus != nil {
			bus.Deliver(msg)
		}
	}
}

// Agent 按 ID 查找 agent。
func (s *Swarm) Agent(id string) (*agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// Agents 按注册顺序返回所有 agent。
func (s *Swarm) Agents() []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id])
	}
	return out
}

// Count 返回注册的 agent 数量。
func (s *Swarm) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// State 折叠所有 agent 的状态为聚合视图。
func (s *Swarm) State() State {
	list := s.Agents()
	state := State{
		AgentCount:            len(list),
		TotalBalance:          new(big.Int),
		TotalIPBalance:        new(big.Int),
		TotalIPNativeBalance:  new(big.Int),
		TotalPrincipalBalance: new(big.Int),
		TotalRevenue:          new(big.Int),
		LastUpdate:            time.Now().UnixMilli(),
	}
	for _, a := range list {
		status := a.Status()
		state.TotalBalance.Add(state.TotalBalance, status.Balance)
		state.TotalIPBalance.Add(state.TotalIPBalance, status.IPBalance)
		state.TotalIPNativeBalance.Add(state.TotalIPNativeBalance, status.IPNativeBalance)
		state.TotalPrincipalBalance.Add(state.TotalPrincipalBalance, status.PrincipalBalance)
		state.TotalTasks += status.TasksCompleted
		state.TotalRevenue.Add(state.TotalRevenue, status.RevenueGenerated)
	}
	return state
}

// AllStatus 返回所有 agent 的状态快照。
func (s *Swarm) AllStatus() []agent.Status {
	list := s.Agents()
	out := make([]agent.Status, 0, len(list))
	for _, a := range list {
		out = append(out, a.Status())
	}
	return out
}

// RefreshAll 并发刷新所有 agent 的余额，单个失败不影响其他 agent。
func (s *Swarm) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range s.Agents() {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			a.RefreshBalance(ctx)
		}(a)
	}
	wg.Wait()
}

// AddCommission 追加一条委托。
func (s *Swarm) AddCommission(c Commission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions = append(s.commissions, c.clone())
}

// Commissions 返回委托簿的防御性拷贝。
func (s *Swarm) Commissions() []Commission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Commission, 0, len(s.commissions))
	for _, c := range s.commissions {
		out = append(out, c.clone())
	}
	return out
}

// Shutdown 清空注册表。
func (s *Swarm) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = make(map[string]*agent.Agent)
	s.order = nil
	s.log.Info("swarm 已关闭")
}

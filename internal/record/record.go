package record

import (
	"context"
	"time"
)

// maxTxLogEntries 限制每个智能体交易日志的长度，超出后淘汰最旧记录。
const maxTxLogEntries = 500

// TxLogEntry 描述一条已上链交易的留痕。
type TxLogEntry struct {
	TxHash    string `json:"txHash"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// StoredAgentState 是单个智能体的持久化文档，按智能体 ID 整体读写。
type StoredAgentState struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Role             string       `json:"role"`
	State            string       `json:"state"`
	Balance          string       `json:"balance"`
	IPBalance        string       `json:"ipBalance"`
	IPNativeBalance  string       `json:"ipNativeBalance"`
	PrincipalBalance string       `json:"principalBalance"`
	TasksCompleted   int          `json:"tasksCompleted"`
	RevenueGenerated string       `json:"revenueGenerated"`
	LastActive       int64        `json:"lastActive"`
	X                int          `json:"x"`
	Y                int          `json:"y"`
	Z                int          `json:"z"`
	TxLog            []TxLogEntry `json:"txLog"`
}

// Update 描述一次部分字段更新，nil 字段保持原值。
type Update struct {
	State            *string
	Balance          *string
	IPBalance        *string
	IPNativeBalance  *string
	PrincipalBalance *string
	TasksCompleted   *int
	RevenueGenerated *string
	X                *int
	Y                *int
	Z                *int
}

// Store 抽象智能体记录的持久化接口。每次写入都是完整的
// 读取-合并-保存流程；同一进程内只有持有记录的 Agent 会写入自己的键。
type Store interface {
	// Load 读取记录，不存在或无法解析时返回 (nil, nil)。
	Load(ctx context.Context, id string) (*StoredAgentState, error)
	// GetOrCreate 返回已有记录，缺失时写入默认值并返回。
	GetOrCreate(ctx context.Context, id, name, role string) (*StoredAgentState, error)
	// Update 执行部分字段合并，并刷新 lastActive。
	Update(ctx context.Context, id string, updates Update) error
	// AppendTransaction 追加一条交易留痕并截断到最近 500 条。
	AppendTransaction(ctx context.Context, id, txHash, txType string) error
	Close() error
}

func defaultState(id, name, role string) *StoredAgentState {
	return &StoredAgentState{
		ID:               id,
		Name:             name,
		Role:             role,
		State:            "idle",
		Balance:          "0",
		IPBalance:        "0",
		IPNativeBalance:  "0",
		PrincipalBalance: "0",
		RevenueGenerated: "0",
		LastActive:       time.Now().UnixMilli(),
		X:                0,
		Y:                64,
		Z:                0,
		TxLog:            []TxLogEntry{},
	}
}

// apply 将部分更新合并到文档，并刷新 lastActive。
func (s *StoredAgentState) apply(u Update) {
	if u.State != nil {
		s.State = *u.State
	}
	if u.Balance != nil {
		s.Balance = *u.Balance
	}
	if u.IPBalance != nil {
		s.IPBalance = *u.IPBalance
	}
	if u.IPNativeBalance != nil {
		s.IPNativeBalance = *u.IPNativeBalance
	}
	if u.PrincipalBalance != nil {
		s.PrincipalBalance = *u.PrincipalBalance
	}
	if u.TasksCompleted != nil {
		s.TasksCompleted = *u.TasksCompleted
	}
	if u.RevenueGenerated != nil {
		s.RevenueGenerated = *u.RevenueGenerated
	}
	if u.X != nil {
		s.X = *u.X
	}
	if u.Y != nil {
		s.Y = *u.Y
	}
	if u.Z != nil {
		s.Z = *u.Z
	}
	s.LastActive = time.Now().UnixMilli()
}

func (s *StoredAgentState) appendTx(txHash, txType string) {
	s.TxLog = append(s.TxLog, TxLogEntry{
		TxHash:    txHash,
		Type:      txType,
		Timestamp: time.Now().UnixMilli(),
	})
	if len(s.TxLog) > maxTxLogEntries {
		s.TxLog = s.TxLog[len(s.TxLog)-maxTxLogEntries:]
	}
	s.LastActive = time.Now().UnixMilli()
}

// clone 返回文档的深拷贝，避免调用方修改内部状态。
func (s *StoredAgentState) clone() *StoredAgentState {
	if s == nil {
		return nil
	}
	dup := *s
	dup.TxLog = make([]TxLogEntry, len(s.TxLog))
	copy(dup.TxLog, s.TxLog)
	return &dup
}

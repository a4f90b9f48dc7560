package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxEntries 限制活动流长度，超出后丢弃最旧条目。
const maxEntries = 100

// EntryType 区分聊天与动作条目。
type EntryType string

const (
	TypeChat   EntryType = "chat"
	TypeAction EntryType = "action"
)

// Entry 是一条 bot / LLM 活动（聊天或动作）。
type Entry struct {
	ID        string         `json:"id"`
	Type      EntryType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	AgentID   string         `json:"agentId,omitempty"`
	Username  string         `json:"username,omitempty"`
	Message   string         `json:"message,omitempty"`
	Action    string         `json:"action,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Feed 抽象活动流存储。
type Feed interface {
	// Push 追加一条活动，自动补全 ID 与时间戳。
	Push(ctx context.Context, entry Entry) error
	// Recent 返回最近的活动，最新在前。
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

func stamp(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = "act_" + uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	return entry
}

// MemoryFeed 是进程内的有界活动流。
type MemoryFeed struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryFeed 创建内存活动流。
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{}
}

// Push 追加活动并淘汰最旧条目。
func (f *MemoryFeed) Push(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, stamp(entry))
	if len(f.entries) > maxEntries {
		f.entries = f.entries[len(f.entries)-maxEntries:]
	}
	return nil
}

// Recent 返回最近 limit 条活动，最新在前。
func (f *MemoryFeed) Recent(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxEntries {
		limit = maxEntries
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.entries[i])
	}
	return out, nil
}

// Close 实现 Feed 接口。
func (f *MemoryFeed) Close() error { return nil }

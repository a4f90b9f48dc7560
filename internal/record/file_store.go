package record

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "KrumpKraft/internal/errors"
)

// FileStore 以每个智能体一个 JSON 文件的方式保存记录，重启后仍然可用。
// 损坏或无法读取的文件按"不存在"处理，优先保证可用性。
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore 创建文件记录存储，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "memory"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录目录失败")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建记录目录失败")
	}
	return &FileStore{dir: abs}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s.json", id))
}

// Load 实现 Store 接口。
func (f *FileStore) Load(_ context.Context, id string) (*StoredAgentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(id), nil
}

func (f *FileStore) read(id string) *StoredAgentState {
	raw, err := os.ReadFile(f.path(id))
	if err != nil {
		return nil
	}
	var state StoredAgentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil
	}
	return &state
}

func (f *FileStore) write(state *StoredAgentState) error {
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化智能体记录失败")
	}
	if err := os.WriteFile(f.path(state.ID), encoded, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体记录失败")
	}
	return nil
}

// GetOrCreate 实现 Store 接口。
func (f *FileStore) GetOrCreate(_ context.Context, id, name, role string) (*StoredAgentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state := f.read(id); state != nil {
		return state, nil
	}
	state := defaultState(id, name, role)
	if err := f.write(state); err != nil {
		return nil, err
	}
	return state.clone(), nil
}

// Update 实现 Store 接口。记录缺失时静默忽略，与读取语义保持一致。
func (f *FileStore) Update(_ context.Context, id string, updates Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.read(id)
	if state == nil {
		return nil
	}
	state.apply(updates)
	return f.write(state)
}

// AppendTransaction 实现 Store 接口。
func (f *FileStore) AppendTransaction(_ context.Context, id, txHash, txType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.read(id)
	if state == nil {
		return nil
	}
	state.appendTx(txHash, txType)
	return f.write(state)
}

// Close 对文件存储无需操作。
func (f *FileStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*FileStore)(nil)

package record

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "KrumpKraft/internal/errors"
)

// MySQLConfig 描述 MySQL 记录存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 将每个智能体的记录作为单行 JSON 文档保存到 MySQL，
// 供多实例部署共享同一份智能体状态。
type MySQLStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewMySQLStore 建立连接并确保记录表存在。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 连接失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_records 表失败")
	}
	return store, nil
}

func (m *MySQLStore) read(ctx context.Context, id string) (*StoredAgentState, error) {
	var raw []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT document FROM agent_records WHERE agent_id = ?", id,
	).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体记录失败")
	}
	var state StoredAgentState
	if err := json.Unmarshal(raw, &state); err != nil {
		// 无法解析的文档按缺失处理，保证可用性。
		return nil, nil
	}
	return &state, nil
}

func (m *MySQLStore) write(ctx context.Context, state *StoredAgentState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化智能体记录失败")
	}
	_, err = m.db.ExecContext(ctx, `
INSERT INTO agent_records (agent_id, document, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE document = VALUES(document), updated_at = VALUES(updated_at)`,
		state.ID, encoded, time.Now().UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体记录失败")
	}
	return nil
}

// Load 实现 Store 接口。
func (m *MySQLStore) Load(ctx context.Context, id string) (*StoredAgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(ctx, id)
}

// GetOrCreate 实现 Store 接口。
func (m *MySQLStore) GetOrCreate(ctx context.Context, id, name, role string) (*StoredAgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	state = defaultState(id, name, role)
	if err := m.write(ctx, state); err != nil {
		return nil, err
	}
	return state.clone(), nil
}

// Update 实现 Store 接口。
func (m *MySQLStore) Update(ctx context.Context, id string, updates Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.read(ctx, id)
	if err != nil || state == nil {
		return err
	}
	state.apply(updates)
	return m.write(ctx, state)
}

// AppendTransaction 实现 Store 接口。
func (m *MySQLStore) AppendTransaction(ctx context.Context, id, txHash, txType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.read(ctx, id)
	if err != nil || state == nil {
		return err
	}
	state.appendTx(txHash, txType)
	return m.write(ctx, state)
}

// Close 释放数据库连接。
func (m *MySQLStore) Close() error {
	return m.db.Close()
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)

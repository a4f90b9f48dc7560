package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisFeedConfig 描述 Redis 活动流的连接参数。
type RedisFeedConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisFeed 把活动流存在 Redis list 中，多实例共享同一份。
type RedisFeed struct {
	client *redis.Client
	key    string
}

// NewRedisFeed 创建 Redis 活动流实例。
func NewRedisFeed(cfg RedisFeedConfig) (*RedisFeed, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "krumpkraft:activity"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisFeed{client: client, key: key}, nil
}

// Push 将活动写入 list 头部并裁剪到上限。
func (f *RedisFeed) Push(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(stamp(entry))
	if err != nil {
		return fmt.Errorf("序列化活动失败: %w", err)
	}
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, f.key, body)
	pipe.LTrim(ctx, f.key, 0, maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 写入活动失败: %w", err)
	}
	return nil
}

// Recent 返回最近 limit 条活动，LPUSH 语义下天然最新在前。
// 反序列化失败的条目跳过。
func (f *RedisFeed) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxEntries {
		limit = maxEntries
	}
	values, err := f.client.LRange(ctx, f.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取活动失败: %w", err)
	}
	out := make([]Entry, 0, len(values))
	for _, value := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (f *RedisFeed) Close() error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Close()
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig 描述 Redis 事件日志的连接参数。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix 与执行 ID 拼接成 list 的 key。
	Prefix string
	// MaxLen 为每个执行 ID 保留的事件条数。
	MaxLen int64
	// Channel 非空时同时 PUBLISH 到该频道，供外部订阅。
	Channel string
}

// RedisSink 使用每个执行 ID 一个 list 记录事件：LPUSH 新事件后 LTRIM 到上限。
type RedisSink struct {
	client  redis.UniversalClient
	prefix  string
	maxLen  int64
	channel string
}

// NewRedisSink 创建 Redis 事件日志并检查连通性。
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client redis.UniversalClient, cfg RedisSinkConfig) *RedisSink {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "crewrelay:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen, channel: cfg.Channel}
}

func (s *RedisSink) key(kickoffID string) string {
	return s.prefix + kickoffID
}

// Publish 在一个事务流水线中写入并裁剪 list。
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	key := s.key(event.KickoffID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, encoded)
		pipe.LTrim(ctx, key, 0, s.maxLen-1)
		if s.channel != "" {
			pipe.Publish(ctx, s.channel, encoded)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Redis 写入事件失败: %w", err)
	}
	return nil
}

// Recent 读取最近 limit 条事件，按接收顺序返回。
func (s *RedisSink) Recent(ctx context.Context, kickoffID string, limit int) ([]Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	values, err := s.client.LRange(ctx, s.key(kickoffID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取事件失败: %w", err)
	}
	list := make([]Event, 0, len(values))
	for _, value := range values {
		var event Event
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			continue
		}
		list = append(list, event)
	}
	reverse(list)
	return list, nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var (
	_ Sink   = (*RedisSink)(nil)
	_ Reader = (*RedisSink)(nil)
)

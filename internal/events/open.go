package events

import (
	"context"
	"fmt"
	"time"

	"CrewRelay/internal/config"
)

// Open 根据配置选择事件日志实现。
func Open(ctx context.Context, cfg config.EventsConfig) (Sink, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemorySink(cfg.Buffer), nil
	case "none":
		return Discard{}, nil
	case "redis":
		sink, err := NewRedisSink(ctx, RedisSinkConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			MaxLen:   cfg.Redis.MaxLen,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "rabbitmq":
		sink, err := NewRabbitMQSink(RabbitMQSinkConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "mysql":
		sink, err := NewMySQLSink(ctx, MySQLSinkConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

package events

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLSinkConfig 描述 MySQL 事件日志的连接参数。
type MySQLSinkConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLSink 把 webhook 事件写入 webhook_events 表。
type MySQLSink struct {
	db *sql.DB
}

// NewMySQLSink 打开连接池、检查连通性并确保表结构存在。
func NewMySQLSink(ctx context.Context, cfg MySQLSinkConfig) (*MySQLSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, stdErrors.New("MySQL DSN 不能为空")
	}
	if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
		return nil, fmt.Errorf("MySQL DSN 非法: %w", err)
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	sink, err := newMySQLSink(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

func newMySQLSink(ctx context.Context, db *sql.DB) (*MySQLSink, error) {
	if err := runMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("初始化 webhook_events 表失败: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

// Publish 写入一条事件。重复的事件 ID 视为已写入。
func (s *MySQLSink) Publish(ctx context.Context, event Event) error {
	const query = `INSERT INTO webhook_events (id, kind, kickoff_id, payload, received_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Kind),
		event.KickoffID,
		string(event.Payload),
		event.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("写入 webhook_events 失败: %w", err)
	}
	return nil
}

// Recent 查询最近 limit 条事件，按接收顺序返回。同一毫秒内以自增 seq 定序。
func (s *MySQLSink) Recent(ctx context.Context, kickoffID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	const query = `SELECT id, kind, kickoff_id, payload, received_at FROM webhook_events WHERE kickoff_id = ? ORDER BY received_at DESC, seq DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, kickoffID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询 webhook_events 失败: %w", err)
	}
	defer rows.Close()

	var list []Event
	for rows.Next() {
		var (
			event    Event
			kind     string
			payload  sql.NullString
			received int64
		)
		if err := rows.Scan(&event.ID, &kind, &event.KickoffID, &payload, &received); err != nil {
			return nil, fmt.Errorf("解析 webhook_events 失败: %w", err)
		}
		event.Kind = Kind(kind)
		if payload.Valid && payload.String != "" {
			event.Payload = []byte(payload.String)
		}
		event.ReceivedAt = time.UnixMilli(received).UTC()
		list = append(list, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 webhook_events 失败: %w", err)
	}
	reverse(list)
	return list, nil
}

// Close 释放连接池。
func (s *MySQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ Sink   = (*MySQLSink)(nil)
	_ Reader = (*MySQLSink)(nil)
)

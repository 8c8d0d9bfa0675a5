package events

import (
	"context"
	"sync"
)

// MemorySink 在内存中为每个执行 ID 保留最近的若干条事件。
type MemorySink struct {
	mu        sync.RWMutex
	perKey    int
	byKickoff map[string][]Event
	closed    bool
}

// NewMemorySink 创建内存事件日志，perKey 为每个执行 ID 保留的事件条数。
func NewMemorySink(perKey int) *MemorySink {
	if perKey <= 0 {
		perKey = 200
	}
	return &MemorySink{perKey: perKey, byKickoff: make(map[string][]Event)}
}

// Publish 追加事件，超过上限时丢弃最旧的。
func (s *MemorySink) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	list := append(s.byKickoff[event.KickoffID], event)
	if over := len(list) - s.perKey; over > 0 {
		list = append([]Event(nil), list[over:]...)
	}
	s.byKickoff[event.KickoffID] = list
	return nil
}

// Recent 返回最近 limit 条事件，limit<=0 时返回全部保留的事件。
func (s *MemorySink) Recent(_ context.Context, kickoffID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byKickoff[kickoffID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]Event{}, list...), nil
}

// Close 关闭事件日志。
func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var (
	_ Sink   = (*MemorySink)(nil)
	_ Reader = (*MemorySink)(nil)
)

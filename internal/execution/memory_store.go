package execution

import (
	"context"
	"strings"
	"sync"

	xerrors "CrewRelay/internal/errors"
)

type entry struct {
	mu     sync.Mutex
	record *Record
}

// MemoryStore 以内存方式保存执行记录，进程重启即丢失，且不做淘汰。
// 表级读写锁只保护 map 本身，每条记录另有独立互斥锁，
// 不同执行 ID 的 webhook 可以并行处理，同一执行 ID 的修改串行化。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.KickoffID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "kickoff_id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[record.KickoffID]; ok {
		return ErrConflict
	}
	m.entries[record.KickoffID] = &entry{record: record.Clone()}
	return nil
}

// Get 返回记录的快照。
func (m *MemoryStore) Get(_ context.Context, kickoffID string) (*Record, error) {
	e := m.lookup(kickoffID)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), nil
}

// Update 在记录锁内对副本执行 fn，成功后整体替换。
func (m *MemoryStore) Update(ctx context.Context, kickoffID string, fn Mutator) (*Record, error) {
	e := m.lookup(kickoffID)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	working := e.record.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.record = working
	return working.Clone(), nil
}

// Len 返回记录数量。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) lookup(kickoffID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[kickoffID]
}

var _ Store = (*MemoryStore)(nil)

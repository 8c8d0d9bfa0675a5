package execution

import "context"

// Mutator 在记录的独占窗口内修改记录。返回错误时修改被丢弃。
type Mutator func(record *Record) error

// Store 抽象了执行记录表。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, kickoffID string) (*Record, error)
	// Update 对单条记录执行读-改-写，同一执行 ID 上的 Update 互斥。
	Update(ctx context.Context, kickoffID string, fn Mutator) (*Record, error)
	Len() int
}

package events

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"CrewRelay/pkg/logger"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
)

var (
	// ErrQueueFull 表示异步队列已满，事件被丢弃。
	ErrQueueFull = stdErrors.New("事件日志队列已满")
	// ErrClosed 表示事件日志已关闭。
	ErrClosed = stdErrors.New("事件日志已关闭")
)

// Flusher 由带缓冲的 Sink 实现，等待此前提交的事件全部写出。
type Flusher interface {
	Flush(ctx context.Context) error
}

// AsyncOptions 控制异步投递。
type AsyncOptions struct {
	// QueueSize 为缓冲队列长度，默认 1024。
	QueueSize int
	// PublishTimeout 限制单次写入底层日志的时长，默认 5s，与请求上下文无关。
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

type asyncItem struct {
	event Event
	flush chan struct{}
}

// AsyncSink 把事件放入有界队列，由单个后台协程按提交顺序写入底层 Sink。
// Publish 从不阻塞，队列满时丢弃事件并返回 ErrQueueFull。
type AsyncSink struct {
	inner   Sink
	timeout time.Duration
	log     *slog.Logger
	queue   chan asyncItem
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink 包装 inner 并启动后台写入协程。关闭 AsyncSink 时会一并关闭 inner。
func NewAsyncSink(inner Sink, opts AsyncOptions) *AsyncSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("events")
	}
	s := &AsyncSink{
		inner:   inner,
		timeout: opts.PublishTimeout,
		log:     opts.Logger,
		queue:   make(chan asyncItem, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for item := range s.queue {
		if item.flush != nil {
			close(item.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.inner.Publish(ctx, item.event)
		cancel()
		if err != nil {
			s.log.Warn("写入事件日志失败",
				slog.String("event_id", item.event.ID),
				slog.String("kind", string(item.event.Kind)),
				slog.String("kickoff_id", item.event.KickoffID),
				slog.Any("error", err),
			)
		}
	}
}

// Publish 把事件放入队列后立即返回。
func (s *AsyncSink) Publish(_ context.Context, event Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- asyncItem{event: event}:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Flush 等待调用前已入队的事件全部写出，或 ctx 结束。
func (s *AsyncSink) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- asyncItem{flush: marker}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped 返回因队列已满被丢弃的事件数。
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Unwrap 返回底层 Sink。
func (s *AsyncSink) Unwrap() Sink {
	return s.inner
}

// Close 停止接收新事件，写完队列中剩余的事件后关闭底层 Sink。
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.inner.Close()
}

// AsReader 返回 sink 或其底层 Sink 的 Reader 实现。
func AsReader(sink Sink) (Reader, bool) {
	for sink != nil {
		if reader, ok := sink.(Reader); ok {
			return reader, true
		}
		wrapper, ok := sink.(interface{ Unwrap() Sink })
		if !ok {
			return nil, false
		}
		sink = wrapper.Unwrap()
	}
	return nil, false
}

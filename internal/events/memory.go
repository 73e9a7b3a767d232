package events

import (
	"context"
	"sync"
)

// MemoryPublisher 在进程内缓存最近的事件，用于开发与测试。
type MemoryPublisher struct {
	mu       sync.Mutex
	events   []Event
	capacity int
}

// NewMemoryPublisher 创建内存发布器，capacity 限制保留的事件数量。
func NewMemoryPublisher(capacity int) *MemoryPublisher {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryPublisher{capacity: capacity}
}

// Publish 记录事件，超出容量时丢弃最旧的。
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if len(p.events) > p.capacity {
		p.events = p.events[len(p.events)-p.capacity:]
	}
	return nil
}

// Events 返回当前缓存事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Close 实现 Publisher 接口。
func (p *MemoryPublisher) Close() error { return nil }

var _ Publisher = (*MemoryPublisher)(nil)

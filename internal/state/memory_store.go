package state

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "MAS-Coordinator/internal/errors"
)

// MemoryStore 在进程内保存会话状态，主要用于开发与测试。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore 创建内存状态存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get 返回键对应的状态副本。
func (s *MemoryStore) Get(_ context.Context, key string) (map[string]any, error) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码内存状态失败")
	}
	return value, nil
}

// Set 保存状态。通过 JSON 序列化做深拷贝，避免调用方后续修改影响存量数据。
func (s *MemoryStore) Set(_ context.Context, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话状态失败")
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

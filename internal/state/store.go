package state

import "context"

// Store 是宿主提供的不透明键值存取契约。
// 编排核心从不直接读写它；HTTP 宿主用它在轮次之间保管会话状态。
// 读写的原子性完全由具体驱动保证。
type Store interface {
	// Get 返回键对应的状态映射，键不存在时返回 (nil, nil)。
	Get(ctx context.Context, key string) (map[string]any, error)
	// Set 原样保存状态映射，覆盖旧值。
	Set(ctx context.Context, key string, value map[string]any) error
	Close() error
}

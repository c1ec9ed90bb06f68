// Package memory 提供基于进程内存的已读 ID 存储（默认实现）。
package memory

import (
	"context"
	"sync"
)

// SeenStore 进程内的已读邮件 ID 集合，按地址分组。
type SeenStore struct {
	mu   sync.RWMutex
	seen map[string]map[string]struct{} // address -> messageID 集合
}

// NewSeenStore 创建内存已读存储。
func NewSeenStore() *SeenStore {
	return &SeenStore{
		seen: make(map[string]map[string]struct{}),
	}
}

// Seen 返回 messageID 是否已对 address 投递过。
func (s *SeenStore) Seen(_ context.Context, address, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.seen[address]
	if !ok {
		return false, nil
	}
	_, ok = ids[messageID]
	return ok, nil
}

// Mark 将 messageID 标记为已对 address 投递。
func (s *SeenStore) Mark(_ context.Context, address, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.seen[address]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[address] = ids
	}
	ids[messageID] = struct{}{}
	return nil
}

// Count 返回某地址已标记的 ID 数量（仅用于测试与指标）。
func (s *SeenStore) Count(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen[address])
}

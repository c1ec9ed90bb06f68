// Package storage 定义已投递邮件 ID 的存储抽象。
//
// 每个邮箱地址维护一个只增不减的已读 ID 集合；一个 ID 一旦标记，
// 该地址的会话不会再次投递对应邮件。集合抽象为接口以便在长期
// 部署中替换为可控制内存上限的实现（如 Redis）。
package storage

import "context"

// SeenStore 记录每个地址已投递过的邮件 ID。
//
// 实现必须是并发安全的。
type SeenStore interface {
	// Seen 返回 messageID 是否已对 address 投递过
	Seen(ctx context.Context, address, messageID string) (bool, error)
	// Mark 将 messageID 标记为已对 address 投递
	Mark(ctx context.Context, address, messageID string) error
}

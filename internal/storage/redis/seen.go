// Package redis 提供基于 Redis 集合的已读 ID 存储。
//
// 相比内存实现，Redis 版本允许通过键过期控制长期运行下的内存
// 占用，并在进程重启后保留已读状态（尽力而为，不作为正确性依赖）。
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tempmail/relay/internal/config"
)

// 键过期时间：临时邮箱的生命周期远短于一天
const seenKeyTTL = 24 * time.Hour

// SeenStore 基于 Redis SET 的已读邮件 ID 集合。
type SeenStore struct {
	client *redis.Client
}

// NewSeenStore 创建 Redis 已读存储并验证连通性。
func NewSeenStore(cfg config.RedisConfig) (*SeenStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}

	return &SeenStore{client: client}, nil
}

func key(address string) string {
	return "tempmail:seen:" + address
}

// Seen 返回 messageID 是否已对 address 投递过。
func (s *SeenStore) Seen(ctx context.Context, address, messageID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key(address), messageID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: sismember: %w", err)
	}
	return ok, nil
}

// Mark 将 messageID 标记为已对 address 投递，并刷新键过期时间。
func (s *SeenStore) Mark(ctx context.Context, address, messageID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key(address), messageID)
	pipe.Expire(ctx, key(address), seenKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: sadd: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (s *SeenStore) Close() error {
	return s.client.Close()
}

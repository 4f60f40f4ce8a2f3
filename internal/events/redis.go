package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient RedisPublisher 需要的 Redis 操作，*redis.Client 直接滿足
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher 把事件以 JSON 發布到 Redis 頻道
//
// 訂閱端可以用 SUBSCRIBE 即時追蹤房間狀態，不保證送達。
type RedisPublisher struct {
	client  RedisClient
	channel string
}

// NewRedisPublisher 創建 Redis 發布端
func NewRedisPublisher(client RedisClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

// Publish 發布事件
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

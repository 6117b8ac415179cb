package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 使用 Redis 实现 Store。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// casScript 在服务端原子地完成比较与替换，保留键的剩余 TTL。
// 返回 1 表示替换成功，0 表示值不匹配，-1 表示键不存在。
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
return 1
`)

// NewRedisStore 创建 Redis 存储实例。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "openacp:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Redis 读取失败: %w", err)
	}
	return value, nil
}

// Set 实现 Store 接口。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入失败: %w", err)
	}
	return nil
}

// SetNX 实现 Store 接口。
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis SetNX 失败: %w", err)
	}
	return ok, nil
}

// CompareAndSwap 实现 Store 接口。
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expect, value []byte) error {
	result, err := casScript.Run(ctx, s.client, []string{s.prefix + key}, expect, value).Int()
	if err != nil {
		return fmt.Errorf("Redis CAS 失败: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 0:
		return ErrCASMismatch
	default:
		return ErrNotFound
	}
}

// Delete 实现 Store 接口。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("Redis 删除失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

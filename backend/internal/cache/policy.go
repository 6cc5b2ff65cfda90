package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL       = 10 * time.Minute // 基础过期时间
	Jitter           = time.Minute      // 随机抖动范围
	NullTTL          = time.Minute      // 空值缓存时间
	EmptyCacheMarker = "-1"             // 空值标记
)

// 获取随机 TTL，防止缓存雪崩
func randomTTL(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(Jitter)))
}

// cachedStatus redis 里存的内容
type cachedStatus struct {
	Status          json.RawMessage `json:"status"`
	StatusTimestamp time.Time       `json:"statusTimestamp"`
}

// readCache 返回 (值, 是否命中, 是否空值标记, err)
func (s *redisAgentStatus) readCache(ctx context.Context, key string) (*cachedStatus, bool, bool, error) {
	res, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, false, nil
		}
		return nil, false, false, err
	}
	if res == EmptyCacheMarker {
		return nil, true, true, nil
	}
	var v cachedStatus
	if err := json.Unmarshal([]byte(res), &v); err != nil {
		// 坏数据当作未命中，回源后会被覆盖
		return nil, false, false, nil
	}
	return &v, true, false, nil
}

func (s *redisAgentStatus) writeCache(ctx context.Context, key string, v *cachedStatus) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, randomTTL(s.ttl)).Err()
}

// 标记空值缓存，防止缓存穿透
func (s *redisAgentStatus) writeNullCache(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, EmptyCacheMarker, NullTTL).Err()
}

// getWithProtection singleflight 包住 "读缓存 -> 回源 -> 回填" 整个流程。
// 返回 nil 表示确实不存在。redis 出错时直接回源，缓存不可用不影响读。
func (s *redisAgentStatus) getWithProtection(
	ctx context.Context,
	key string,
	fetchDB func() (*cachedStatus, error),
) (*cachedStatus, error) {
	val, err, _ := s.sf.Do(key, func() (interface{}, error) {
		v, hit, empty, err := s.readCache(ctx, key)
		if err == nil && hit {
			s.metrics.CacheResult(true)
			if empty {
				return (*cachedStatus)(nil), nil
			}
			return v, nil
		}
		s.metrics.CacheResult(false)
		redisDown := err != nil

		// 回源 (Redis Miss)，查数据库
		fresh, err := fetchDB()
		if err != nil {
			return nil, err
		}
		if redisDown {
			return fresh, nil
		}

		// 填入真实值或者空值缓存，防止缓存穿透
		if fresh == nil {
			_ = s.writeNullCache(ctx, key)
			return (*cachedStatus)(nil), nil
		}
		_ = s.writeCache(ctx, key, fresh)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会 panic
	v, ok := val.(*cachedStatus)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return v, nil
}

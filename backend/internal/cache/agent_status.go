package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/metrics"
	"link-relay/backend/internal/repo"
)

// redisAgentStatus agent 状态的读穿透缓存，落库仍由 backing 负责
type redisAgentStatus struct {
	rdb     redis.UniversalClient
	sf      singleflight.Group
	backing repo.AgentStatusRepo
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
}

// 确保 redisAgentStatus 实现了 repo.AgentStatusRepo 接口
var _ repo.AgentStatusRepo = (*redisAgentStatus)(nil)

func NewRedisAgentStatus(rdb redis.UniversalClient, backing repo.AgentStatusRepo, ttl time.Duration, logger *zap.Logger, m *metrics.Collector) repo.AgentStatusRepo {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisAgentStatus{
		rdb:     rdb,
		backing: backing,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "status_cache")),
		metrics: m,
	}
}

func (s *redisAgentStatus) GetStatus(ctx context.Context, did, linkLanguageUUID string) (*entity.AgentStatus, error) {
	key := statusKey(linkLanguageUUID, did)
	v, err := s.getWithProtection(ctx, key, func() (*cachedStatus, error) {
		st, err := s.backing.GetStatus(ctx, did, linkLanguageUUID)
		if errors.Is(err, repo.ErrStatusNotFound) {
			// 触发空值缓存
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		raw := json.RawMessage(st.Status)
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		return &cachedStatus{Status: raw, StatusTimestamp: st.StatusTimestamp}, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, repo.ErrStatusNotFound
	}
	return &entity.AgentStatus{
		DID:              did,
		LinkLanguageUUID: linkLanguageUUID,
		Status:           string(v.Status),
		StatusTimestamp:  v.StatusTimestamp,
	}, nil
}

// UpsertStatus 先写库再删缓存，下次读时回填
func (s *redisAgentStatus) UpsertStatus(ctx context.Context, did, linkLanguageUUID string, status json.RawMessage) error {
	if err := s.backing.UpsertStatus(ctx, did, linkLanguageUUID, status); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, statusKey(linkLanguageUUID, did)).Err(); err != nil {
		// 删失败最多读到 TTL 内的旧值
		s.logger.Warn("invalidate status cache failed",
			zap.String("did", did),
			zap.String("linkLanguageUUID", linkLanguageUUID),
			zap.Error(err))
	}
	return nil
}

package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ringnet/internal/core/ports"
	"ringnet/internal/infrastructure/repositories/memory"
	redisrepo "ringnet/internal/infrastructure/repositories/redis"
	"ringnet/pkg/config"
)

// RepositoryFactory creates signaling repositories with fallback support.
// Memory repositories are process-local: a multi-node deployment needs Redis
// or the two call parties may land on nodes that cannot see each other.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateSignalingChannel creates the signaling channel (Redis or memory with fallback)
func (f *RepositoryFactory) CreateSignalingChannel() ports.SignalingChannel {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSignalingRepository(f.redisClient, f.logger)
	}
	return memory.NewMemorySignalingRepository()
}

// CreateInviteMailbox creates the invitation mailbox (Redis or memory with fallback)
func (f *RepositoryFactory) CreateInviteMailbox() ports.InviteMailbox {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisMailboxRepository(f.redisClient, f.logger)
	}
	return memory.NewMemoryMailboxRepository()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState прогревает L1 (RAM) и L2 (Redis) из источника правды (БД).
func WarmupState(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	updateL1(ids)
	if rdb == nil {
		return nil
	}

	// Только один инстанс заливает Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil
	}

	// Состояние в Redis могло появиться от других инстансов: подтягиваем его в L1
	members, err := rdb.SMembers(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("could not read Redis set, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	} else if len(members) > 0 {
		updateL1(members)
	}

	if len(members) == 0 && len(ids) > 0 {
		logger.Info("Redis cache is empty, performing warm-up from DB",
			zap.String("key", redisKey), zap.Int("count", len(ids)))

		pipe := rdb.Pipeline()
		for _, id := range ids {
			pipe.SAdd(ctx, redisKey, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

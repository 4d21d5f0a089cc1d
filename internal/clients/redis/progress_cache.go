package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/verbata/codeframe-backend/internal/logger"
)

// ProgressCache gives status pollers a cheap read path for live generation
// progress and carries the cross-process cancellation flag. Every write is a
// whole snapshot, so a mid-run poll never sees torn counters.
type ProgressCache interface {
	SetProgress(ctx context.Context, generationID uuid.UUID, snapshot any, ttl time.Duration) error
	GetProgress(ctx context.Context, generationID uuid.UUID, out any) (bool, error)
	ClearProgress(ctx context.Context, generationID uuid.UUID) error
	MarkCancelled(ctx context.Context, generationID uuid.UUID) error
	IsCancelled(ctx context.Context, generationID uuid.UUID) (bool, error)
	Close() error
}

type progressCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewProgressCache(log *logger.Logger, addr string) (ProgressCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &progressCache{
		log: log.With("service", "RedisProgressCache"),
		rdb: rdb,
	}, nil
}

func progressKey(id uuid.UUID) string  { return "codeframe:progress:" + id.String() }
func cancelledKey(id uuid.UUID) string { return "codeframe:cancelled:" + id.String() }

func (c *progressCache) SetProgress(ctx context.Context, generationID uuid.UUID, snapshot any, ttl time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return c.rdb.Set(ctx, progressKey(generationID), raw, ttl).Err()
}

func (c *progressCache) GetProgress(ctx context.Context, generationID uuid.UUID, out any) (bool, error) {
	raw, err := c.rdb.Get(ctx, progressKey(generationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode progress: %w", err)
	}
	return true, nil
}

func (c *progressCache) ClearProgress(ctx context.Context, generationID uuid.UUID) error {
	return c.rdb.Del(ctx, progressKey(generationID)).Err()
}

func (c *progressCache) MarkCancelled(ctx context.Context, generationID uuid.UUID) error {
	return c.rdb.Set(ctx, cancelledKey(generationID), "1", 24*time.Hour).Err()
}

func (c *progressCache) IsCancelled(ctx context.Context, generationID uuid.UUID) (bool, error) {
	n, err := c.rdb.Exists(ctx, cancelledKey(generationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *progressCache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

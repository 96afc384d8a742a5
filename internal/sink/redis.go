// Package sink fans recorded traffic points out to message buses and stores.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"trafficwatch/internal/config"
	"trafficwatch/internal/store"
	"trafficwatch/internal/traffic"
)

const roadIndex = "idx:roads"

// Redis publishes every update on a pub/sub channel and keeps one hash per road
// with its latest snapshot, indexed with RediSearch.
type Redis struct {
	rdb     *redis.Client
	channel string
	prefix  string
}

// NewRedis connects and makes sure the road index exists. A failed index
// bootstrap is logged, not fatal; hashes are still written.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: "",
		DB:       cfg.DB,
		Protocol: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	r := &Redis{rdb: rdb, channel: cfg.Channel, prefix: cfg.KeyPrefix}
	if err := r.ensureIndex(ctx); err != nil {
		slog.Error("redis: creating road index failed", "index", roadIndex, "error", err)
	}
	slog.Info("redis: connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return r, nil
}

func (r *Redis) Name() string { return "redis" }

// ensureIndex creates the road index if it doesn't exist.
func (r *Redis) ensureIndex(ctx context.Context) error {
	if _, err := r.rdb.FTInfo(ctx, roadIndex).Result(); err == nil {
		slog.Debug("redis: index already exists", "index", roadIndex)
		return nil
	}

	_, err := r.rdb.FTCreate(
		ctx,
		roadIndex,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{r.prefix},
		},
		&redis.FieldSchema{
			FieldName: "total",
			As:        "total",
			FieldType: redis.SearchFieldTypeNumeric,
		},
		&redis.FieldSchema{
			FieldName: "updated_at",
			As:        "updated_at",
			FieldType: redis.SearchFieldTypeNumeric,
		},
		&redis.FieldSchema{
			FieldName: "density_status",
			As:        "density_status",
			FieldType: redis.SearchFieldTypeTag,
		},
	).Result()
	if err != nil {
		return err
	}
	slog.Info("redis: index created", "index", roadIndex, "prefix", r.prefix)
	return nil
}

// Publish writes the per-road hashes and broadcasts the update in one pipeline.
func (r *Redis) Publish(ctx context.Context, u store.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("redis: encode update: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for road, snap := range u.Traffic {
			pipe.HSet(ctx, r.prefix+road, roadFields(snap, u.Time))
		}
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish update: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func roadFields(s traffic.Snapshot, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"count_car":      s.CountCar,
		"count_motor":    s.CountMotor,
		"speed_car":      s.SpeedCar,
		"speed_motor":    s.SpeedMotor,
		"total":          s.Total(),
		"density_status": s.DensityStatus,
		"speed_status":   s.SpeedStatus,
		"updated_at":     at.Unix(),
	}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/correlation/internal/config"
	"fleet-monitor/correlation/internal/domain"
)

const (
	CaseUpdatesChannel   = "cases:updates"
	CaseEscalatedChannel = "cases:escalated"
	unitGeoKey           = "units:geo"

	// A case stops receiving alerts when its hour ends; keep the mirror a
	// little longer so late readers still find it.
	caseStateTTL = 2 * time.Hour
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func caseStateKey(id string) string {
	return fmt.Sprintf("case:%s:state", id)
}

// PipelineCaseState mirrors a case snapshot into its state hash, records the
// unit's latest known position and publishes the snapshot, in one round trip.
func (r *RedisStore) PipelineCaseState(ctx context.Context, c domain.Case) error {
	reps, err := json.Marshal(c.Repetitions)
	if err != nil {
		return fmt.Errorf("failed to marshal repetitions: %w", err)
	}
	geofences, err := json.Marshal(c.GeofenceNames())
	if err != nil {
		return fmt.Errorf("failed to marshal geofences: %w", err)
	}

	stateData := map[string]interface{}{
		"case_id":     c.ID,
		"unit":        c.Unit,
		"bucket":      c.Bucket.Unix(),
		"state":       string(c.State),
		"critical":    c.Critical,
		"combination": c.Combination,
		"alert_count": len(c.Alerts),
		"repetitions": string(reps),
		"geofences":   string(geofences),
		"updated_at":  c.UpdatedAt.Unix(),
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	key := caseStateKey(c.ID)
	pipe := r.client.Pipeline()

	pipe.HSet(ctx, key, stateData)
	pipe.Expire(ctx, key, caseStateTTL)
	if pos := latestPosition(c); pos != nil {
		pipe.GeoAdd(ctx, unitGeoKey, &redis.GeoLocation{
			Name:      c.Unit,
			Longitude: pos.Lon,
			Latitude:  pos.Lat,
		})
	}
	pipe.Publish(ctx, CaseUpdatesChannel, pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// DeleteCaseState drops the mirror of a closed case and announces removal.
func (r *RedisStore) DeleteCaseState(ctx context.Context, id string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"case_id": id,
		"state":   string(domain.StateClosed),
		"removed": true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal removal: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, caseStateKey(id))
	pipe.Publish(ctx, CaseUpdatesChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (r *RedisStore) PublishEscalation(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, CaseEscalatedChannel, payload).Err()
}

func apiKeyKey(apiKey string) string {
	return fmt.Sprintf("operator:auth:%s", apiKey)
}

// SetAPIKey binds apiKey to operator with no expiry.
func (r *RedisStore) SetAPIKey(ctx context.Context, apiKey, operator string) error {
	if err := r.client.Set(ctx, apiKeyKey(apiKey), operator, 0).Err(); err != nil {
		return fmt.Errorf("redis set api key failed: %w", err)
	}
	return nil
}

// GetAPIKey returns the operator name bound to apiKey, or "" when unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	val, err := r.client.Get(ctx, apiKeyKey(apiKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// latestPosition returns the position of the newest alert that carries one.
func latestPosition(c domain.Case) *domain.Point {
	for _, a := range c.Alerts {
		if a.Position != nil {
			return a.Position
		}
	}
	return nil
}

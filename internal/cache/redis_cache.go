package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"apotekpos/backend/internal/domain"
)

type RedisPatientSearchCache struct {
	client *redis.Client
}

func NewRedisPatientSearchCache(addr string, password string, db int) *RedisPatientSearchCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPatientSearchCache{client: client}
}

func (c *RedisPatientSearchCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPatientSearchCache) Close() error {
	return c.client.Close()
}

func (c *RedisPatientSearchCache) Get(ctx context.Context, term string) ([]domain.Patient, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(term)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var patients []domain.Patient
	if err := json.Unmarshal([]byte(val), &patients); err != nil {
		return nil, false, err
	}
	return patients, true, nil
}

func (c *RedisPatientSearchCache) Set(ctx context.Context, term string, patients []domain.Patient, ttl time.Duration) error {
	payload, err := json.Marshal(patients)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(term), payload, ttl).Err()
}

func cacheKey(term string) string {
	return "patient-search:" + term
}

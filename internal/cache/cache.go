// Package cache provides a patient read cache invalidated on terminal
// conversation outcomes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/risetaid/prima-sub007/internal/models"
)

// DefaultTTL bounds how long a cached patient record may be served.
const DefaultTTL = 15 * time.Minute

// PatientCache caches patient records keyed by patient ID.
type PatientCache interface {
	GetPatient(ctx context.Context, patientID string) (*models.Patient, error)
	SetPatient(ctx context.Context, p models.Patient) error
	// InvalidatePatient drops the cached record. Called whenever a terminal
	// outcome changes patient-visible state.
	InvalidatePatient(ctx context.Context, patientID string) error
}

// RedisCache implements PatientCache backed by Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache for the given address. The connection is
// verified before returning.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisCache ping failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	slog.Info("RedisCache connected", "addr", addr, "ttl", ttl)
	return &RedisCache{client: client, ttl: ttl}, nil
}

func patientKey(patientID string) string {
	return "prima:patient:" + patientID
}

// GetPatient returns the cached patient or nil on a miss. Errors other than a
// miss are returned for the caller to fall back to the store.
func (c *RedisCache) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	data, err := c.client.Get(ctx, patientKey(patientID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Warn("RedisCache GetPatient failed", "error", err, "patientID", patientID)
		return nil, err
	}

	var p models.Patient
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("RedisCache GetPatient unmarshal failed, invalidating", "error", err, "patientID", patientID)
		_ = c.client.Del(ctx, patientKey(patientID)).Err()
		return nil, nil
	}
	return &p, nil
}

// SetPatient stores the patient record with the configured TTL.
func (c *RedisCache) SetPatient(ctx context.Context, p models.Patient) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal patient %s: %w", p.ID, err)
	}
	if err := c.client.Set(ctx, patientKey(p.ID), data, c.ttl).Err(); err != nil {
		slog.Warn("RedisCache SetPatient failed", "error", err, "patientID", p.ID)
		return err
	}
	return nil
}

// InvalidatePatient drops the cached record.
func (c *RedisCache) InvalidatePatient(ctx context.Context, patientID string) error {
	if err := c.client.Del(ctx, patientKey(patientID)).Err(); err != nil {
		slog.Warn("RedisCache InvalidatePatient failed", "error", err, "patientID", patientID)
		return err
	}
	slog.Debug("RedisCache invalidated patient", "patientID", patientID)
	return nil
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NoopCache implements PatientCache without caching anything. Used when no
// Redis address is configured and in tests.
type NoopCache struct{}

// NewNoopCache creates a NoopCache.
func NewNoopCache() *NoopCache { return &NoopCache{} }

func (NoopCache) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	return nil, nil
}

func (NoopCache) SetPatient(ctx context.Context, p models.Patient) error { return nil }

func (NoopCache) InvalidatePatient(ctx context.Context, patientID string) error { return nil }

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/logger"
	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

var ErrCacheMiss = errors.New("exposure not cached")

// ExposureCache serves the latest per-hour exposure summary of a hospitalization from Redis.
type ExposureCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewExposureCache(client *redis.Client, ttl time.Duration) *ExposureCache {
	return &ExposureCache{client: client, ttl: ttl}
}

func exposureKey(hospitalizationID string) string {
	return fmt.Sprintf("exposure:%s", hospitalizationID)
}

func exposureRunKey(hospitalizationID string) string {
	return fmt.Sprintf("exposure:%s:run", hospitalizationID)
}

// Put caches rows grouped by hospitalization, overwriting any earlier run.
func (c *ExposureCache) Put(ctx context.Context, runID string, rows []models.ExposureHour) error {
	if c == nil || c.client == nil {
		return nil
	}
	grouped := make(map[string][]models.ExposureHour)
	for _, row := range rows {
		grouped[row.HospitalizationID] = append(grouped[row.HospitalizationID], row)
	}

	pipe := c.client.TxPipeline()
	for hosp, hours := range grouped {
		data, err := json.Marshal(hours)
		if err != nil {
			return fmt.Errorf("encoding exposure for %s: %w", hosp, err)
		}
		pipe.Set(ctx, exposureKey(hosp), data, c.ttl)
		pipe.Set(ctx, exposureRunKey(hosp), runID, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching exposure: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"run_id":           runID,
		"hospitalizations": len(grouped),
	}).Debug("exposure cached")
	return nil
}

// Get returns the cached rows in hour order and the run that produced them.
func (c *ExposureCache) Get(ctx context.Context, hospitalizationID string) ([]models.ExposureHour, string, error) {
	if c == nil || c.client == nil {
		return nil, "", ErrCacheMiss
	}
	data, err := c.client.Get(ctx, exposureKey(hospitalizationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrCacheMiss
	}
	if err != nil {
		return nil, "", err
	}
	var rows []models.ExposureHour
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, "", fmt.Errorf("decoding cached exposure: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].HourStart.Before(rows[j].HourStart)
	})

	runID, err := c.client.Get(ctx, exposureRunKey(hospitalizationID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", err
	}
	return rows, runID, nil
}

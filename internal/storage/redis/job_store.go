// Package redis provides a Redis-backed audit job store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const (
	defaultPrefix     = "audit"
	connectionTimeout = 5 * time.Second
)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	// KeyPrefix namespaces every key; defaults to "audit".
	KeyPrefix string
	// TTL expires job records automatically; zero keeps them until pruned.
	TTL time.Duration
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// JobStore keeps each job as a JSON document plus a created_at index used for pruning.
type JobStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config) (*JobStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &JobStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Ping verifies the server is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection.
func (s *JobStore) Close() error {
	return s.client.Close()
}

func (s *JobStore) jobKey(id string) string {
	return s.prefix + ":job:" + id
}

func (s *JobStore) indexKey() string {
	return s.prefix + ":jobs"
}

// CreateJob stores a new job; existing ids are rejected.
func (s *JobStore) CreateJob(ctx context.Context, job audit.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	member := redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.ID}
	if err := s.client.ZAdd(ctx, s.indexKey(), member).Err(); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

// SaveJob replaces an existing job document, keeping its expiry.
func (s *JobStore) SaveJob(ctx context.Context, job audit.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	updated, err := s.client.SetXX(ctx, s.jobKey(job.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if !updated {
		return fmt.Errorf("save job %s: %w", job.ID, audit.ErrNotFound)
	}
	return nil
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (audit.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return audit.Job{}, audit.ErrNotFound
		}
		return audit.Job{}, fmt.Errorf("get job: %w", err)
	}
	var job audit.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return audit.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// DeleteJobsBefore removes terminal jobs created before cutoff. Index entries
// whose documents already expired are dropped as well.
func (s *JobStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan job index: %w", err)
	}
	removed := 0
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		switch {
		case errors.Is(err, audit.ErrNotFound):
			if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
				return removed, fmt.Errorf("drop stale index entry: %w", err)
			}
			continue
		case err != nil:
			return removed, err
		}
		if !job.State.Terminal() || !job.CreatedAt.Before(cutoff) {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(id))
			pipe.ZRem(ctx, s.indexKey(), id)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("delete job %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

package idgen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by
// RedisSequence.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RedisConfig holds the connection settings of a RedisSequence.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisSequence numbers licenses with one INCR counter per project,
// customer and month, so several issuers can share a Redis instance.
type RedisSequence struct {
	client RedisClient
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisSequence connects to Redis and verifies the connection with PING.
func NewRedisSequence(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisSequence, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("license id sequence: ping %s: %w", cfg.Address, err)
	}
	return NewRedisSequenceWithClient(client, cfg.Prefix, logger), nil
}

// NewRedisSequenceWithClient wraps an existing client.
func NewRedisSequenceWithClient(client RedisClient, prefix string, logger *slog.Logger) *RedisSequence {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSequence{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger.With(slog.String("component", "id_sequence")),
	}
}

// Next returns the next identifier, e.g. DOCX-ACME-202509-001.
func (s *RedisSequence) Next(ctx context.Context, projectID, customer string) (string, error) {
	project, cust, month := ShortCode(projectID), ShortCode(customer), period(s.now())
	key := counterKey(s.prefix, project, cust, month)

	seq, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("incr %s: %w", key, err)
	}

	id := formatID(project, cust, month, seq)
	s.logger.DebugContext(ctx, "license id allocated",
		slog.String("key", key),
		slog.Int64("sequence", seq),
		slog.String("license_id", id),
	)
	return id, nil
}

// Ping checks the Redis connection.
func (s *RedisSequence) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *RedisSequence) Close() error {
	return s.client.Close()
}

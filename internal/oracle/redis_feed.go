package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis price-cache configuration.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number
	DB int
	// KeyPrefix is prepended to all price keys
	KeyPrefix string
	// MaxAge marks answers older than this as stale (0 disables)
	MaxAge time.Duration
}

func RedisConfigDefaults() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "price",
		MaxAge:    time.Hour,
	}
}

// RedisFeed reads prices that an off-process pusher writes as hashes:
//
//	HSET <prefix>:<asset> answer <int> decimals <int> updated_at <unix seconds> [stale 1]
type RedisFeed struct {
	client    redis.Cmdable
	keyPrefix string
	maxAge    time.Duration
	now       func() time.Time
}

var _ PriceOracle = (*RedisFeed)(nil)

// NewRedisFeed connects a feed to a Redis server.
func NewRedisFeed(cfg RedisConfig) (*RedisFeed, *redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return NewRedisFeedFromClient(client, cfg.KeyPrefix, cfg.MaxAge), client, nil
}

// NewRedisFeedFromClient wraps an existing client.
func NewRedisFeedFromClient(client redis.Cmdable, keyPrefix string, maxAge time.Duration) *RedisFeed {
	return &RedisFeed{
		client:    client,
		keyPrefix: keyPrefix,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

func (f *RedisFeed) key(asset string) string {
	return fmt.Sprintf("%s:%s", f.keyPrefix, asset)
}

// Ping checks the Redis connection.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFeed) GetPrice(ctx context.Context, asset string) (Quote, error) {
	fields, err := f.client.HGetAll(ctx, f.key(asset)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("read price %s: %w", asset, err)
	}
	if len(fields) == 0 {
		return Quote{}, fmt.Errorf("%s: %w", asset, ErrNoPrice)
	}

	answer, err := strconv.ParseInt(fields["answer"], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("price %s: bad answer %q: %w", asset, fields["answer"], err)
	}

	decimals := DefaultDecimals
	if raw, ok := fields["decimals"]; ok {
		d, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return Quote{}, fmt.Errorf("price %s: bad decimals %q: %w", asset, raw, err)
		}
		decimals = uint8(d)
	}

	var updatedAt time.Time
	if raw, ok := fields["updated_at"]; ok {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Quote{}, fmt.Errorf("price %s: bad updated_at %q: %w", asset, raw, err)
		}
		updatedAt = time.Unix(secs, 0)
	}

	// No timestamp means the age is unknown, which counts as stale when
	// an age limit is configured.
	stale := fields["stale"] == "1" || isExpired(updatedAt, f.now(), f.maxAge)

	return Quote{
		Answer:    answer,
		Decimals:  decimals,
		UpdatedAt: updatedAt,
		Stale:     stale,
	}, nil
}

// PublishPrice writes an answer in the format GetPrice reads.
func (f *RedisFeed) PublishPrice(ctx context.Context, asset string, answer int64, decimals uint8, at time.Time) error {
	err := f.client.HSet(ctx, f.key(asset),
		"answer", strconv.FormatInt(answer, 10),
		"decimals", strconv.FormatUint(uint64(decimals), 10),
		"updated_at", strconv.FormatInt(at.Unix(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("publish price %s: %w", asset, err)
	}
	return nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const redisKeyPrefix = "tile:"

// RedisCache shares fetched tiles between processes. Items expire after ttl.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// redisItem is the wire form of Item; decoded textures are never shared.
type redisItem struct {
	TilesetID    string `msgpack:"ts"`
	Z            int    `msgpack:"z"`
	X            int    `msgpack:"x"`
	Y            int    `msgpack:"y"`
	Data         []byte `msgpack:"d"`
	ETag         string `msgpack:"e,omitempty"`
	LastModified string `msgpack:"lm,omitempty"`
	ExpiresAt    int64  `msgpack:"exp,omitempty"`
	AddedAt      int64  `msgpack:"at,omitempty"`
}

func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

var _ Tier = (*RedisCache)(nil)

func (c *RedisCache) Name() string {
	return "redis"
}

func (c *RedisCache) keyFor(k Key) string {
	return fmt.Sprintf("%s%s:%d:%d:%d", redisKeyPrefix, k.TilesetID, k.TileID.Z, k.TileID.X, k.TileID.Y)
}

func (c *RedisCache) Get(ctx context.Context, k Key) (*Item, bool, error) {
	raw, err := c.client.Get(ctx, c.keyFor(k)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}

	item, err := unmarshalItem(raw)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (c *RedisCache) Add(ctx context.Context, item *Item, forceInsert bool) error {
	raw, err := marshalItem(item)
	if err != nil {
		return err
	}

	key := c.keyFor(item.Key())
	if forceInsert {
		err = c.client.Set(ctx, key, raw, c.ttl).Err()
	} else {
		err = c.client.SetNX(ctx, key, raw, c.ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, k Key) (bool, error) {
	n, err := c.client.Exists(ctx, c.keyFor(k)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Remove(ctx context.Context, k Key) error {
	if err := c.client.Del(ctx, c.keyFor(k)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Clear deletes every tile key; other keys in the database are left alone.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del error: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan error: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del error: %w", err)
		}
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func marshalItem(item *Item) ([]byte, error) {
	w := redisItem{
		TilesetID:    item.TilesetID,
		Z:            item.TileID.Z,
		X:            item.TileID.X,
		Y:            item.TileID.Y,
		Data:         item.Data,
		ETag:         item.ETag,
		LastModified: item.LastModified,
	}
	if !item.AddedAt.IsZero() {
		w.AddedAt = item.AddedAt.UnixMilli()
	}
	if !item.ExpiresAt.IsZero() {
		w.ExpiresAt = item.ExpiresAt.UnixMilli()
	}

	raw, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("error marshalling tile item: %w", err)
	}
	return raw, nil
}

func unmarshalItem(raw []byte) (*Item, error) {
	var w redisItem
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("error unmarshalling tile item: %w", err)
	}

	item := &Item{
		TilesetID:    w.TilesetID,
		TileID:       tileid.CanonicalTileID{Z: w.Z, X: w.X, Y: w.Y},
		Data:         w.Data,
		ETag:         w.ETag,
		LastModified: w.LastModified,
	}
	if w.AddedAt != 0 {
		item.AddedAt = time.UnixMilli(w.AddedAt)
	}
	if w.ExpiresAt != 0 {
		item.ExpiresAt = time.UnixMilli(w.ExpiresAt)
	}
	return item, nil
}

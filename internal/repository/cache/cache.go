package cache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
)

var ErrInvalidSize = errors.New("cache: size limit must not be negative")

// Key identifies a cached tile. A tile id is only unique within its tileset.
type Key struct {
	TilesetID string
	TileID    tileid.CanonicalTileID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.TilesetID, k.TileID)
}

// Item is one cached tile payload with its HTTP cache metadata. A missing
// ETag or a zero ExpiresAt is a valid state, not an error.
type Item struct {
	TilesetID    string
	TileID       tileid.CanonicalTileID
	Data         []byte
	ETag         string
	LastModified string
	ExpiresAt    time.Time
	AddedAt      time.Time

	// FilePath and Texture are set for texture items kept by the file tier.
	FilePath string
	Texture  image.Image
}

func (i *Item) Key() Key {
	return Key{TilesetID: i.TilesetID, TileID: i.TileID}
}

// Tier is one cache level. Add with forceInsert overwrites an existing entry;
// without it Add is a no-op when the key exists.
type Tier interface {
	Name() string
	Get(ctx context.Context, key Key) (*Item, bool, error)
	Add(ctx context.Context, item *Item, forceInsert bool) error
	Exists(ctx context.Context, key Key) (bool, error)
	Remove(ctx context.Context, key Key) error
	Clear(ctx context.Context) error
}

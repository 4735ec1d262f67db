package usecase

import "errors"

var (
	ErrMissingTilesetID    = errors.New("usecase: tileset id is required")
	ErrMemoryCacheRequired = errors.New("usecase: memory cache is required")
)

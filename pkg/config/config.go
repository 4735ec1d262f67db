package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		Mapbox    Mapbox    `envPrefix:"MAPBOX_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Map       Map       `envPrefix:"MAP_"`
	}

	HTTP struct {
		Server  Server        `envPrefix:"SERVER_"`
		Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		Port         string        `env:"PORT" envDefault:"8080" validate:"required,numeric"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Logger struct {
		Level       string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error dpanic panic fatal"`
		Development bool   `env:"DEVELOPMENT" envDefault:"true"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"mapbox-tile-cache"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}

	Redis struct {
		Enabled  bool          `env:"ENABLED" envDefault:"false"`
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	Mapbox struct {
		AccessToken           string        `env:"ACCESS_TOKEN,required" validate:"required"`
		BaseURL               string        `env:"BASE_URL" envDefault:"https://api.mapbox.com" validate:"url"`
		SKUID                 string        `env:"SKU_ID" envDefault:"05" validate:"len=2,numeric"`
		RequestTimeout        time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s" validate:"gt=0"`
		MaxConcurrentRequests int64         `env:"MAX_CONCURRENT_REQUESTS" envDefault:"16" validate:"gte=1"`
		AutoRefresh           bool          `env:"AUTO_REFRESH" envDefault:"true"`
		// MaxStaleness bounds how old a cached item may be before it is refetched; 0 means unbounded.
		MaxStaleness time.Duration `env:"MAX_STALENESS" envDefault:"0s" validate:"gte=0"`
	}

	// Cache sizes of 0 disable the tier. Negative sizes are rejected.
	Cache struct {
		MemorySize     int    `env:"MEMORY_SIZE" envDefault:"500" validate:"gte=0"`
		FileDir        string `env:"FILE_DIR"`
		FileSizeLimit  int    `env:"FILE_SIZE_LIMIT" envDefault:"3000" validate:"gte=0"`
		WriteQueueSize int    `env:"WRITE_QUEUE_SIZE" envDefault:"64" validate:"gte=1"`
		SQLitePath     string `env:"SQLITE_PATH" envDefault:"cache.db"`
		SQLiteMaxTiles int    `env:"SQLITE_MAX_TILES" envDefault:"3000" validate:"gte=0"`
	}

	Map struct {
		Tileset       string    `env:"TILESET"`
		Kind          string    `env:"KIND" envDefault:"raster" validate:"oneof=raster vector classic_raster raw_png"`
		Bounds        []float64 `env:"BOUNDS" envSeparator:"," validate:"omitempty,len=4"`
		Zoom          int       `env:"ZOOM" envDefault:"10" validate:"gte=0,lte=22"`
		SplitDistance float64   `env:"SPLIT_DISTANCE" envDefault:"2" validate:"gt=0"`
	}
)

func New() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if cfg.Cache.FileDir == "" {
		cfg.Cache.FileDir = defaultFileDir()
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultFileDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "mapbox-tile-cache", "tiles")
}

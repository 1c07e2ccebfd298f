// Package config loads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/assets"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/ingest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retry"
)

// Storage and source backends.
const (
	StorageFilesystem = "filesystem"
	StorageGCS        = "gcs"

	SourceBlob          = "blob"
	SourceContentAPI    = "content-api"
	SourceSimpleContent = "simple-content"
)

// Config is the full process configuration.
type Config struct {
	HTTPAddr  string `validate:"required"`
	LogLevel  string `validate:"oneof=trace debug info warn warning error"`
	LogFormat string `validate:"oneof=json text"`

	StorageBackend     string `validate:"oneof=filesystem gcs"`
	StorageDir         string `validate:"required_if=StorageBackend filesystem"`
	GCSBucket          string `validate:"required_if=StorageBackend gcs"`
	GCSCredentialsJSON string
	PublicBaseURL      string `validate:"omitempty,url"`
	URLSigningSecret   string `validate:"omitempty,min=16"`

	SourceBackend string `validate:"oneof=blob content-api simple-content"`
	ContentAPIURL string `validate:"required_if=SourceBackend content-api"`

	DBOSDatabaseURL   string
	DBOSQueueName     string `validate:"required"`
	DBOSAppVersion    string
	WorkerConcurrency int `validate:"gte=1"`

	RedisAddress    string
	LockWait        time.Duration `validate:"gte=0"`
	PubSubProjectID string
	PubSubTopic     string `validate:"required_with=PubSubProjectID"`

	CORSAllowedOrigins []string
	RateLimitPerMinute int `validate:"gte=0"`

	AssetWorkers        int           `validate:"gte=1,lte=64"`
	AssetUploadAttempts int           `validate:"gte=1,lte=10"`
	AssetRetryBase      time.Duration `validate:"gt=0"`
	ChunkSize           int           `validate:"gte=1"`
	MaxTreeDepth        int           `validate:"gte=1,lte=50"`
	SignedURLTTL        time.Duration `validate:"gt=0"`
	BreakdownPatterns   []string      `validate:"dive,required"`
}

// Defaults returns the configuration used when no variable is set.
func Defaults() Config {
	d := ingest.DefaultConfig()
	return Config{
		HTTPAddr:            ":8081",
		LogLevel:            "info",
		LogFormat:           "json",
		StorageBackend:      StorageFilesystem,
		StorageDir:          "./data",
		PublicBaseURL:       "http://localhost:8081",
		SourceBackend:       SourceBlob,
		DBOSQueueName:       "ingestion",
		WorkerConcurrency:   4,
		LockWait:            ingest.DefaultLockWait,
		AssetWorkers:        d.Assets.Workers,
		AssetUploadAttempts: d.Retry.Attempts,
		AssetRetryBase:      d.Retry.BaseDelay,
		ChunkSize:           d.ChunkSize,
		MaxTreeDepth:        d.MaxDepth,
		SignedURLTTL:        time.Hour,
		BreakdownPatterns:   d.SheetPatterns,
	}
}

// Load reads .env if present, overlays the process environment on base
// and validates the result.
func Load(base Config) (Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()
	return FromEnv(base, os.LookupEnv)
}

// FromEnv overlays variables found by lookup on base and validates the
// result.
func FromEnv(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base
	p := parser{lookup: lookup}

	p.str("HTTP_ADDR", &cfg.HTTPAddr)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)
	p.str("STORAGE_BACKEND", &cfg.StorageBackend)
	p.str("STORAGE_DIR", &cfg.StorageDir)
	p.str("GCS_BUCKET", &cfg.GCSBucket)
	p.str("GCS_CREDENTIALS_JSON", &cfg.GCSCredentialsJSON)
	p.str("PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	p.str("URL_SIGNING_SECRET", &cfg.URLSigningSecret)
	p.str("SOURCE_BACKEND", &cfg.SourceBackend)
	p.str("CONTENT_API_URL", &cfg.ContentAPIURL)
	p.str("DBOS_SYSTEM_DATABASE_URL", &cfg.DBOSDatabaseURL)
	p.str("DBOS_QUEUE_NAME", &cfg.DBOSQueueName)
	p.str("DBOS_APPLICATION_VERSION", &cfg.DBOSAppVersion)
	p.int("WORKER_CONCURRENCY", &cfg.WorkerConcurrency)
	p.str("REDIS_ADDRESS", &cfg.RedisAddress)
	p.duration("LOCK_WAIT", &cfg.LockWait)
	p.str("PUBSUB_PROJECT_ID", &cfg.PubSubProjectID)
	p.str("PUBSUB_TOPIC", &cfg.PubSubTopic)
	p.list("CORS_ALLOWED_ORIGINS", &cfg.CORSAllowedOrigins)
	p.int("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	p.int("ASSET_WORKERS", &cfg.AssetWorkers)
	p.int("ASSET_UPLOAD_ATTEMPTS", &cfg.AssetUploadAttempts)
	p.duration("ASSET_RETRY_BASE", &cfg.AssetRetryBase)
	p.int("CHUNK_SIZE", &cfg.ChunkSize)
	p.int("MAX_TREE_DEPTH", &cfg.MaxTreeDepth)
	p.duration("SIGNED_URL_TTL", &cfg.SignedURLTTL)
	p.list("BREAKDOWN_SHEET_PATTERNS", &cfg.BreakdownPatterns)

	if p.err != nil {
		return cfg, p.err
	}
	return cfg, cfg.Validate()
}

var validate = validator.New()

// Validate checks field constraints and reports every violated field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", ve.Field(), ve.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
}

// Ingest returns the orchestrator configuration.
func (c Config) Ingest() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.ChunkSize = c.ChunkSize
	cfg.MaxDepth = c.MaxTreeDepth
	cfg.SheetPatterns = c.BreakdownPatterns
	cfg.Retry = retry.Policy{Attempts: c.AssetUploadAttempts, BaseDelay: c.AssetRetryBase}
	cfg.Assets = assets.Options{
		Workers:      c.AssetWorkers,
		Retry:        cfg.Retry,
		MaxDimension: cfg.Assets.MaxDimension,
		Quality:      cfg.Assets.Quality,
	}
	return cfg
}

// parser records the first malformed variable.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) {
	v, ok := p.get(key)
	if !ok || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %q is not an integer", key, v)
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %q is not a duration", key, v)
		return
	}
	*dst = d
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

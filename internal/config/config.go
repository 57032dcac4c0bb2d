// Package config loads service settings from an optional TOML file and
// EVIDENCESYNC_* environment overrides. Env always wins over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddr string `toml:"listen_addr"`

	// StoreDSN selects vault + ledger persistence: empty or memory:// for
	// in-process, postgres://... for Postgres.
	StoreDSN string `toml:"store_dsn"`
	// LockDSN selects the case lock arena: empty for in-process,
	// redis://... for a shared arena.
	LockDSN string `toml:"lock_dsn"`

	JWTSecret      string `toml:"jwt_secret"`
	CallbackSecret string `toml:"callback_secret"`

	EditorURL   string `toml:"editor_url"`
	CallbackURL string `toml:"callback_url"`

	SessionTTL      duration `toml:"session_ttl"`
	CallbackMaxSkew duration `toml:"callback_max_skew"`
	SyncDebounce    duration `toml:"sync_debounce"`
	SyncInterval    duration `toml:"sync_interval"`
	LockTTL         duration `toml:"lock_ttl"`
	SkewTolerance   duration `toml:"skew_tolerance"`

	HubQueueSize     int      `toml:"hub_queue_size"`
	HeartbeatTimeout duration `toml:"heartbeat_timeout"`

	RateLimitMax    int      `toml:"rate_limit_max"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`

	Mirror MirrorConfig `toml:"mirror"`
	Blobs  BlobConfig   `toml:"blobs"`
}

// MirrorConfig selects the mirror adapter. Kind is "memory" or "minio".
type MirrorConfig struct {
	Kind      string `toml:"kind"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// BlobConfig selects the blob store. Kind is "memory" or "minio".
type BlobConfig struct {
	Kind      string `toml:"kind"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		JWTSecret:        "dev-secret",
		CallbackSecret:   "dev-callback-secret",
		EditorURL:        "http://localhost:9000",
		CallbackURL:      "http://localhost:8080/v1/evidence/edit-callback",
		SessionTTL:       duration{30 * time.Minute},
		CallbackMaxSkew:  duration{2 * time.Minute},
		SyncDebounce:     duration{2 * time.Second},
		SyncInterval:     duration{0},
		LockTTL:          duration{5 * time.Minute},
		SkewTolerance:    duration{2 * time.Second},
		HubQueueSize:     64,
		HeartbeatTimeout: duration{60 * time.Second},
		RateLimitWindow:  duration{time.Minute},
		MaxBodyBytes:     32 << 20,
		Mirror:           MirrorConfig{Kind: "memory"},
		Blobs:            BlobConfig{Kind: "memory"},
	}
}

// Load reads path (when non-empty) and then applies env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	stringEnv("EVIDENCESYNC_LISTEN_ADDR", &cfg.ListenAddr)
	stringEnv("EVIDENCESYNC_STORE_DSN", &cfg.StoreDSN)
	stringEnv("EVIDENCESYNC_LOCK_DSN", &cfg.LockDSN)
	stringEnv("EVIDENCESYNC_JWT_SECRET", &cfg.JWTSecret)
	stringEnv("EVIDENCESYNC_CALLBACK_SECRET", &cfg.CallbackSecret)
	stringEnv("EVIDENCESYNC_EDITOR_URL", &cfg.EditorURL)
	stringEnv("EVIDENCESYNC_CALLBACK_URL", &cfg.CallbackURL)
	durationEnv("EVIDENCESYNC_SESSION_TTL", &cfg.SessionTTL)
	durationEnv("EVIDENCESYNC_CALLBACK_MAX_SKEW", &cfg.CallbackMaxSkew)
	durationEnv("EVIDENCESYNC_SYNC_DEBOUNCE", &cfg.SyncDebounce)
	durationEnv("EVIDENCESYNC_SYNC_INTERVAL", &cfg.SyncInterval)
	durationEnv("EVIDENCESYNC_LOCK_TTL", &cfg.LockTTL)
	durationEnv("EVIDENCESYNC_SKEW_TOLERANCE", &cfg.SkewTolerance)
	intEnv("EVIDENCESYNC_HUB_QUEUE_SIZE", &cfg.HubQueueSize)
	durationEnv("EVIDENCESYNC_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	intEnv("EVIDENCESYNC_RATE_LIMIT_MAX", &cfg.RateLimitMax)
	durationEnv("EVIDENCESYNC_RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	int64Env("EVIDENCESYNC_MAX_BODY_BYTES", &cfg.MaxBodyBytes)

	stringEnv("EVIDENCESYNC_MIRROR_KIND", &cfg.Mirror.Kind)
	stringEnv("EVIDENCESYNC_MIRROR_ENDPOINT", &cfg.Mirror.Endpoint)
	stringEnv("EVIDENCESYNC_MIRROR_ACCESS_KEY", &cfg.Mirror.AccessKey)
	stringEnv("EVIDENCESYNC_MIRROR_SECRET_KEY", &cfg.Mirror.SecretKey)
	stringEnv("EVIDENCESYNC_MIRROR_BUCKET", &cfg.Mirror.Bucket)
	boolEnv("EVIDENCESYNC_MIRROR_USE_SSL", &cfg.Mirror.UseSSL)

	stringEnv("EVIDENCESYNC_BLOBS_KIND", &cfg.Blobs.Kind)
	stringEnv("EVIDENCESYNC_BLOBS_ENDPOINT", &cfg.Blobs.Endpoint)
	stringEnv("EVIDENCESYNC_BLOBS_ACCESS_KEY", &cfg.Blobs.AccessKey)
	stringEnv("EVIDENCESYNC_BLOBS_SECRET_KEY", &cfg.Blobs.SecretKey)
	stringEnv("EVIDENCESYNC_BLOBS_BUCKET", &cfg.Blobs.Bucket)
	boolEnv("EVIDENCESYNC_BLOBS_USE_SSL", &cfg.Blobs.UseSSL)
}

func stringEnv(name string, target *string) {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		*target = value
	}
}

func intEnv(name string, target *int) {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func int64Env(name string, target *int64) {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func boolEnv(name string, target *bool) {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func durationEnv(name string, target *duration) {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			target.Duration = parsed
		}
	}
}

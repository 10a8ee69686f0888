package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdminToken guards the /v1/admin surface when non-empty.
	AdminToken string `yaml:"adminToken"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	// MigrationsDir overrides where schema migrations are read from;
	// empty means db/migrations.
	MigrationsDir string `yaml:"migrationsDir"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	// KeyPrefix namespaces all broker keys so several deployments can
	// share one Redis.
	KeyPrefix string `yaml:"keyPrefix"`
}

// LaneConfig describes one priority lane: its relative weight and the
// bounds the autoscaler must respect.
type LaneConfig struct {
	Weight     int `yaml:"weight"`
	MinWorkers int `yaml:"minWorkers"`
	MaxWorkers int `yaml:"maxWorkers"`
	// MaxConcurrent caps in-flight jobs independently of pool size.
	// Zero means no dedicated cap beyond MaxWorkers.
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// RouterConfig maps job kinds to lanes. Kinds is a literal kind→lane
// table; unmatched kinds fall back to the default lane.
type RouterConfig struct {
	Kinds map[string]string `yaml:"kinds"`
}

type WorkerConfig struct {
	PollIntervalMs      int `yaml:"pollIntervalMs"`
	DequeueTimeoutMs    int `yaml:"dequeueTimeoutMs"`
	LeaseSeconds        int `yaml:"leaseSeconds"`
	HeartbeatSeconds    int `yaml:"heartbeatSeconds"`
	JobTimeoutSeconds   int `yaml:"jobTimeoutSeconds"`
	ScaleIntervalSec    int `yaml:"scaleIntervalSec"`
	ScaleCooldownSec    int `yaml:"scaleCooldownSec"`
	ScaleUpIncrement    int `yaml:"scaleUpIncrement"`
	ScaleDownIdleCycles int `yaml:"scaleDownIdleCycles"`
	// SyncFallback runs the job body inline when enqueue fails, instead
	// of surfacing a creation error to the caller. Off by default and
	// never triggered by availability probing.
	SyncFallback bool `yaml:"syncFallback"`
}

type RetryConfig struct {
	MaxAttempts   int `yaml:"maxAttempts"`
	BaseDelayMs   int `yaml:"baseDelayMs"`
	MaxDelayMs    int `yaml:"maxDelayMs"`
	JitterPercent int `yaml:"jitterPercent"`
}

// EngineConfig points at the external transcription engine service.
type EngineConfig struct {
	BaseURL   string `yaml:"baseURL"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// RetentionConfig controls TTL-like deletion of terminal jobs so that
// the database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool           `yaml:"enabled"`
	CleanupIntervalMinutes int            `yaml:"cleanupIntervalMinutes"`
	DefaultDays            int            `yaml:"defaultDays"`
	LaneDays               map[string]int `yaml:"laneDays"`
}

type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  DatabaseConfig        `yaml:"database"`
	Redis     RedisConfig           `yaml:"redis"`
	Lanes     map[string]LaneConfig `yaml:"lanes"`
	Router    RouterConfig          `yaml:"router"`
	Worker    WorkerConfig          `yaml:"worker"`
	Retry     RetryConfig           `yaml:"retry"`
	Engine    EngineConfig          `yaml:"engine"`
	Retention RetentionConfig       `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}

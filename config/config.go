package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url"`

	// Server
	ServerPort string `yaml:"server_port"`

	// Redis (short-TTL cache + fast-KV storage tier)
	Redis RedisConfig `yaml:"redis"`

	// S3 object-store tier
	S3 S3Config `yaml:"s3"`

	// Template catalog service
	CatalogURL string `yaml:"catalog_url"`

	// Queue admission
	Queue QueueConfig `yaml:"queue"`

	// Downstream worker registry
	Workers []WorkerConfig `yaml:"workers"`

	// Resource pool limits
	Pools []PoolConfig `yaml:"pools"`

	// Shared secret for worker authentication
	WorkerAuthToken string `yaml:"worker_auth_token"`
	ServiceIdentity string `yaml:"service_identity"`
}

// RedisConfig configures the short-TTL cache connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// S3Config configures the object-store storage tier
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// QueueConfig bounds pipeline admission
type QueueConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	AdvanceInterval time.Duration `yaml:"advance_interval"`
	AllocationTTL   time.Duration `yaml:"allocation_ttl"`
}

// WorkerConfig describes one downstream worker service
type WorkerConfig struct {
	Name          string   `yaml:"name"`
	Endpoint      string   `yaml:"endpoint"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Capabilities  []string `yaml:"capabilities"`
}

// PoolConfig describes one finite resource pool
type PoolConfig struct {
	Type        string  `yaml:"type"`
	Name        string  `yaml:"name"`
	Limit       float64 `yaml:"limit"`
	Unit        string  `yaml:"unit"`
	ResetPeriod string  `yaml:"reset_period"`
	CostPerUnit float64 `yaml:"cost_per_unit"`
}

// Load loads configuration from the YAML file named by CONFIG_PATH,
// then applies environment-variable overrides for deploy-time values.
func Load() (*Config, error) {
	cfg := defaults()

	path := getEnv("CONFIG_PATH", "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.S3.Bucket = getEnv("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = getEnv("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnv("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.CatalogURL = getEnv("CATALOG_URL", cfg.CatalogURL)
	cfg.WorkerAuthToken = getEnv("WORKER_AUTH_TOKEN", cfg.WorkerAuthToken)
	cfg.ServiceIdentity = getEnv("SERVICE_IDENTITY", cfg.ServiceIdentity)

	if cfg.Queue.MaxConcurrent <= 0 {
		cfg.Queue.MaxConcurrent = 5
	}
	if cfg.Queue.AdvanceInterval <= 0 {
		cfg.Queue.AdvanceInterval = 5 * time.Second
	}
	if cfg.Queue.AllocationTTL <= 0 {
		cfg.Queue.AllocationTTL = time.Hour
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DatabaseURL:     "postgres://localhost/pipeline_orchestrator?sslmode=disable",
		ServerPort:      "8080",
		Redis:           RedisConfig{Addr: "localhost:6379"},
		S3:              S3Config{Region: "us-east-1"},
		CatalogURL:      "http://localhost:8081",
		ServiceIdentity: "pipeline-orchestrator",
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

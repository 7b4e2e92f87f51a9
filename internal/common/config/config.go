package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Serving  ServingConfig  `mapstructure:"serving"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	// Analytics indexing is optional; the delivery tracker works without it.
	Enabled bool `mapstructure:"enabled"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
	SES    struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"ses"`
	SNS struct {
		Enabled            bool   `mapstructure:"enabled"`
		DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
	} `mapstructure:"sns"`
}

// PipelineConfig bounds concurrency and external-call timeouts for one
// batch invocation.
type PipelineConfig struct {
	BatchSize           int `mapstructure:"batch_size"`
	ScoringConcurrency  int `mapstructure:"scoring_concurrency"`
	FilterConcurrency   int `mapstructure:"filter_concurrency"`
	DeliveryConcurrency int `mapstructure:"delivery_concurrency"`
	ScoringTimeout      int `mapstructure:"scoring_timeout"`  // milliseconds
	StoreTimeout        int `mapstructure:"store_timeout"`    // milliseconds
	DeliveryTimeout     int `mapstructure:"delivery_timeout"` // milliseconds
}

// ServingConfig tunes the read path.
type ServingConfig struct {
	DefaultLimit       int `mapstructure:"default_limit"`
	StalenessThreshold int `mapstructure:"staleness_threshold"` // minutes
	RefreshTimeout     int `mapstructure:"refresh_timeout"`     // milliseconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

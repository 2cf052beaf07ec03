package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kengibson1111/go-tenant-cache/internal/models"
)

const (
	// DefaultKeyPrefix namespaces every key written by this module
	DefaultKeyPrefix = "taskapi"
	// DefaultActivityDiscount is the TTL ratio applied to active tenants
	DefaultActivityDiscount = 0.7

	// DefaultActivityThreshold is the number of reads per activity window
	// that marks a tenant active
	DefaultActivityThreshold = 5

	envPrefix = "TENANTCACHE_"
)

// Config holds Redis connection configuration and the cache/rate-limit policy
type Config struct {
	// Redis connection settings
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`         // Redis server address (host:port)
	RedisPassword string `json:"redis_password" yaml:"redis_password"` // Redis password (optional)
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`             // Redis database number

	// Connection pool settings. MaxRetries is the driver's own retry count;
	// zero leaves retries to the resilience layer.
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`

	// Key space settings
	KeyPrefix       string `json:"key_prefix" yaml:"key_prefix"`
	ScanCount       int64  `json:"scan_count" yaml:"scan_count"`               // COUNT hint per SCAN call
	DeleteBatchSize int    `json:"delete_batch_size" yaml:"delete_batch_size"` // keys per DEL during pattern deletes

	TTL        TTLConfig              `json:"ttl" yaml:"ttl"`
	Token      TokenConfig            `json:"token" yaml:"token"`
	Resilience ResilienceConfig       `json:"resilience" yaml:"resilience"`
	Tiers      map[string]models.Tier `json:"tiers" yaml:"tiers"`
	// DefaultTier is used when a tenant's tier cannot be resolved
	DefaultTier string `json:"default_tier" yaml:"default_tier"`
}

// TTLConfig holds the per-category base TTLs
type TTLConfig struct {
	Task       time.Duration `json:"task" yaml:"task"`
	TaskList   time.Duration `json:"task_list" yaml:"task_list"`
	Overdue    time.Duration `json:"overdue" yaml:"overdue"`
	Statistics time.Duration `json:"statistics" yaml:"statistics"`

	// A tenant with at least ActivityThreshold reads inside one
	// ActivityWindow counts as active and gets TTLs multiplied by
	// ActivityDiscount.
	ActivityWindow    time.Duration `json:"activity_window" yaml:"activity_window"`
	ActivityThreshold int64         `json:"activity_threshold" yaml:"activity_threshold"`
	ActivityDiscount  float64       `json:"activity_discount" yaml:"activity_discount"`

	// Categories allowed to be written without expiry. Empty by default.
	NoExpiryCategories []Category `json:"no_expiry_categories" yaml:"no_expiry_categories"`
}

// TokenConfig holds the JWT validation cache settings
type TokenConfig struct {
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	SafetyMargin time.Duration `json:"safety_margin" yaml:"safety_margin"`
}

// RetryConfig defines retry behavior with exponential backoff
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`   // Total attempts including the first
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"` // Delay before the first retry
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`         // Maximum delay between retries
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`       // Backoff multiplier
	Jitter       bool          `json:"jitter" yaml:"jitter"`               // Whether to add random jitter
	RetryableOps []string      `json:"retryable_ops" yaml:"retryable_ops"` // Operations that may be retried; empty means all
}

// CircuitBreakerConfig defines when a per-class circuit opens and recovers
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`     // Consecutive failures that open the circuit
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`       // Cooldown before half-open
	MaxHalfOpenCalls uint32        `json:"max_half_open_calls" yaml:"max_half_open_calls"` // Probes allowed while half-open
}

// PolicyConfig combines retry and breaker settings for one operation class
type PolicyConfig struct {
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// ResilienceConfig holds one policy per operation class
type ResilienceConfig struct {
	Cache    PolicyConfig `json:"cache" yaml:"cache"`
	Database PolicyConfig `json:"database" yaml:"database"`
}

// DefaultRetryConfig returns the cache-class RetryConfig
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableOps: []string{"ping", "get", "set", "del", "exists", "ttl", "scan"},
	}
}

// DefaultDatabaseRetryConfig returns the database-class RetryConfig
func DefaultDatabaseRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		// create and delete are left out: a replay after a lost commit
		// reports a duplicate or a missing row
		RetryableOps: []string{"get", "list", "list_overdue", "statistics", "update", "update_status"},
	}
}

// DefaultCircuitBreakerConfig returns breaker settings suited to the cache class
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  10 * time.Second,
		MaxHalfOpenCalls: 1,
	}
}

// DefaultResilienceConfig returns the cache and database policies
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Cache: PolicyConfig{
			Retry:          *DefaultRetryConfig(),
			CircuitBreaker: *DefaultCircuitBreakerConfig(),
		},
		Database: PolicyConfig{
			Retry: *DefaultDatabaseRetryConfig(),
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 10,
				RecoveryTimeout:  30 * time.Second,
				MaxHalfOpenCalls: 2,
			},
		},
	}
}

// DefaultTTLConfig returns the base TTL table
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Task:              5 * time.Minute,
		TaskList:          2 * time.Minute,
		Overdue:           time.Minute,
		Statistics:        3 * time.Minute,
		ActivityWindow:    time.Minute,
		ActivityThreshold: DefaultActivityThreshold,
		ActivityDiscount:  DefaultActivityDiscount,
	}
}

// DefaultConfig returns a Config with sensible default values. Timeouts are
// sub-second because every call sits on the request path.
func DefaultConfig() *Config {
	return &Config{
		RedisAddr:       "localhost:6379",
		RedisPassword:   "",
		RedisDB:         0,
		MaxRetries:      0,
		DialTimeout:     500 * time.Millisecond,
		ReadTimeout:     250 * time.Millisecond,
		WriteTimeout:    250 * time.Millisecond,
		PoolSize:        10,
		KeyPrefix:       DefaultKeyPrefix,
		ScanCount:       100,
		DeleteBatchSize: 500,
		TTL:             DefaultTTLConfig(),
		Token: TokenConfig{
			CacheTTL:     5 * time.Minute,
			SafetyMargin: 5 * time.Second,
		},
		Resilience:  DefaultResilienceConfig(),
		Tiers:       models.DefaultTiers(),
		DefaultTier: "free",
	}
}

// ValidateConfig validates the configuration parameters
func ValidateConfig(config *Config) error {
	return validateConfig(config)
}

// validateConfig validates the configuration parameters
func validateConfig(config *Config) error {
	if config.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("redis database must be between 0 and 15, got %d", config.RedisDB)
	}

	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", config.MaxRetries)
	}

	if config.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %v", config.DialTimeout)
	}

	if config.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %v", config.ReadTimeout)
	}

	if config.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %v", config.WriteTimeout)
	}

	if config.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", config.PoolSize)
	}

	if config.KeyPrefix == "" {
		return fmt.Errorf("key prefix cannot be empty")
	}

	if config.ScanCount <= 0 {
		return fmt.Errorf("scan count must be positive, got %d", config.ScanCount)
	}

	if config.DeleteBatchSize <= 0 {
		return fmt.Errorf("delete batch size must be positive, got %d", config.DeleteBatchSize)
	}

	if err := validateTTLConfig(&config.TTL); err != nil {
		return fmt.Errorf("invalid ttl configuration: %w", err)
	}

	if config.Token.CacheTTL <= 0 {
		return fmt.Errorf("token cache TTL must be positive, got %v", config.Token.CacheTTL)
	}

	if config.Token.SafetyMargin < 0 {
		return fmt.Errorf("token safety margin cannot be negative, got %v", config.Token.SafetyMargin)
	}

	if err := validateRetryConfig(&config.Resilience.Cache.Retry); err != nil {
		return fmt.Errorf("invalid cache retry configuration: %w", err)
	}

	if err := validateRetryConfig(&config.Resilience.Database.Retry); err != nil {
		return fmt.Errorf("invalid database retry configuration: %w", err)
	}

	validator := NewInputValidator()
	for name, tier := range config.Tiers {
		if err := validator.ValidateTier(tier); err != nil {
			return fmt.Errorf("invalid tier %q: %w", name, err)
		}
	}

	if config.DefaultTier != "" {
		if _, ok := config.Tiers[config.DefaultTier]; !ok {
			return fmt.Errorf("default tier %q is not defined", config.DefaultTier)
		}
	}

	return nil
}

func validateTTLConfig(config *TTLConfig) error {
	durations := map[string]time.Duration{
		"task":            config.Task,
		"task list":       config.TaskList,
		"overdue":         config.Overdue,
		"statistics":      config.Statistics,
		"activity window": config.ActivityWindow,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s TTL must be positive, got %v", name, d)
		}
	}

	if config.ActivityThreshold < 1 {
		return fmt.Errorf("activity threshold must be at least 1, got %d", config.ActivityThreshold)
	}

	if config.ActivityDiscount <= 0 || config.ActivityDiscount >= 1 {
		return fmt.Errorf("activity discount must be between 0 and 1 exclusive, got %f", config.ActivityDiscount)
	}

	return nil
}

// validateRetryConfig validates the retry configuration parameters
func validateRetryConfig(config *RetryConfig) error {
	if config.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", config.MaxAttempts)
	}

	if config.InitialDelay < 0 {
		return fmt.Errorf("initial delay cannot be negative, got %v", config.InitialDelay)
	}

	if config.MaxDelay < 0 {
		return fmt.Errorf("max delay cannot be negative, got %v", config.MaxDelay)
	}

	if config.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %f", config.Multiplier)
	}

	if config.InitialDelay > config.MaxDelay {
		return fmt.Errorf("initial delay (%v) cannot be greater than max delay (%v)", config.InitialDelay, config.MaxDelay)
	}

	return nil
}

// LoadConfig reads a YAML file over the defaults, then applies TENANTCACHE_*
// environment variables. An empty path skips the file layer.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvironment(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnvironment(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(envPrefix + "REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := lookup(envPrefix + "REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_DB: %w", envPrefix, err)
		}
		cfg.RedisDB = db
	}
	if v, ok := lookup(envPrefix + "KEY_PREFIX"); ok {
		cfg.KeyPrefix = v
	}

	durations := map[string]*time.Duration{
		"DIAL_TIMEOUT":  &cfg.DialTimeout,
		"READ_TIMEOUT":  &cfg.ReadTimeout,
		"WRITE_TIMEOUT": &cfg.WriteTimeout,
		"TOKEN_TTL":     &cfg.Token.CacheTTL,
	}
	for name, target := range durations {
		v, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*target = d
	}

	return nil
}

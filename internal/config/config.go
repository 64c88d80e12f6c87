// Package config loads the Dispute Orchestration Core's environment-driven
// configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds every CORE_* environment key from the command API spec,
// decoded with envdecode so each field carries its own default inline.
type Config struct {
	Env Environment `env:"CORE_ENV,default=development"`

	DatabaseURL string `env:"CORE_DB_URL,default="`

	EventRetentionDays int `env:"CORE_EVENT_RETENTION_DAYS,default=365"`

	TaskBackoffBase time.Duration `env:"CORE_TASK_BACKOFF_BASE_S,default=30s"`
	TaskBackoffCap  time.Duration `env:"CORE_TASK_BACKOFF_CAP_S,default=3600s"`

	TenantMaxConcurrency int `env:"CORE_TENANT_MAX_CONCURRENCY,default=8"`

	LetterCostMinor int64 `env:"CORE_LETTER_COST_MINOR,default=1100"`

	SFTPHost   string `env:"CORE_SFTP_HOST,default="`
	SFTPUser   string `env:"CORE_SFTP_USER,default="`
	SFTPKeyRef string `env:"CORE_SFTP_KEY_REF,default="`

	AIEndpoint    string `env:"CORE_AI_ENDPOINT,default="`
	AIBudgetToken int    `env:"CORE_AI_BUDGET_TOKENS,default=50000"`

	PaymentWebhookSecret string `env:"CORE_PAYMENT_WEBHOOK_SECRET,default="`

	// CreditScraperMasterKeyHex is the hex-encoded 32-byte key bureau
	// credentials are sealed under; see creditscraper.DecryptCredentials.
	CreditScraperMasterKeyHex string `env:"CORE_CREDIT_SCRAPER_MASTER_KEY,default="`

	BusinessTZ string `env:"CORE_BUSINESS_TZ,default=America/New_York"`

	LogLevel  string `env:"CORE_LOG_LEVEL,default=info"`
	LogFormat string `env:"CORE_LOG_FORMAT,default=text"`

	HTTPAddr string `env:"CORE_HTTP_ADDR,default=:8080"`

	RedisURL string `env:"CORE_REDIS_URL,default="`
}

// Load reads a .env.<environment> file if present (missing files are not an
// error) and then decodes the process environment into a Config, the same
// two-step shape the teacher's configuration loader uses: an optional file
// layer followed by envdecode.Decode applying defaults and overrides.
func Load() (*Config, error) {
	env := Environment(os.Getenv("CORE_ENV"))
	if env == "" {
		env = Development
	}

	envFile := filepath.Join("config", fmt.Sprintf(".env.%s", env))
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Printf("warning: could not load %s: %v\n", envFile, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if cfg.Env == "" {
		cfg.Env = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration combinations that would silently produce
// invalid backoff schedules or concurrency limits.
func (c *Config) Validate() error {
	if c.TaskBackoffBase <= 0 {
		return fmt.Errorf("CORE_TASK_BACKOFF_BASE_S must be positive")
	}
	if c.TaskBackoffCap < c.TaskBackoffBase {
		return fmt.Errorf("CORE_TASK_BACKOFF_CAP_S must be >= CORE_TASK_BACKOFF_BASE_S")
	}
	if c.TenantMaxConcurrency <= 0 {
		return fmt.Errorf("CORE_TENANT_MAX_CONCURRENCY must be positive")
	}
	if c.LetterCostMinor < 0 {
		return fmt.Errorf("CORE_LETTER_COST_MINOR must not be negative")
	}
	if c.AIBudgetToken <= 0 {
		return fmt.Errorf("CORE_AI_BUDGET_TOKENS must be positive")
	}
	if c.Env == Production && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("CORE_PAYMENT_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool { return c.Env == Production }

const creditScraperMasterKeyLength = 32

// CreditScraperMasterKey decodes CreditScraperMasterKeyHex, tolerating an
// optional "0x" prefix. ok is false when the key is unset, which is valid
// outside production: the credit-report import command will simply reject
// requests until an operator configures one.
func (c *Config) CreditScraperMasterKey() (key []byte, ok bool, err error) {
	raw := strings.TrimSpace(c.CreditScraperMasterKeyHex)
	if raw == "" {
		return nil, false, nil
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	key, err = hex.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode CORE_CREDIT_SCRAPER_MASTER_KEY: %w", err)
	}
	if len(key) != creditScraperMasterKeyLength {
		return nil, false, fmt.Errorf("CORE_CREDIT_SCRAPER_MASTER_KEY must decode to %d bytes, got %d", creditScraperMasterKeyLength, len(key))
	}
	return key, true, nil
}

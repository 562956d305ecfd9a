package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Ledger (Supabase Postgres)
	PostgresDSN string

	// Cache
	RedisAddr string

	// n8n
	N8NAPIURL          string
	N8NAPIKey          string
	N8NPageSize        int // default: 1000
	N8NLimitedPageSize int // default: 250
	N8NMaxPages        int // default: 20

	// OpenAI organization costs
	OpenAIAdminKey string
	OpenAIBaseURL  string // default: https://api.openai.com/v1

	// Extraction and pricing
	CharsPerToken               int     // default: 4
	DefaultModel                string  // default: gpt-3.5-turbo
	DefaultPromptPricePer1K     float64 // default: 0.01
	DefaultCompletionPricePer1K float64 // default: 0.03

	// Sync
	CronSecret          string
	WorkflowTags        []string
	LookbackDays        int           // default: 7, 0 disables the window
	SyncInterval        time.Duration // default: 0 (disabled)
	SyncRateLimitPerMin int64         // default: 6
	WorkflowCacheTTL    time.Duration // default: 5m

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: info
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		N8NAPIURL:            strings.TrimRight(os.Getenv("N8N_API_URL"), "/"),
		N8NAPIKey:            os.Getenv("N8N_API_KEY"),
		OpenAIAdminKey:       os.Getenv("OPENAI_ADMIN_KEY"),
		OpenAIBaseURL:        strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		DefaultModel:         getEnv("DEFAULT_MODEL", "gpt-3.5-turbo"),
		CronSecret:           os.Getenv("CRON_SECRET"),
		WorkflowTags:         splitList(getEnv("SYNC_WORKFLOW_TAGS", "agent,openai,llm,ai,chatbot,gpt")),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.N8NPageSize, err = getInt("N8N_PAGE_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.N8NLimitedPageSize, err = getInt("N8N_LIMITED_PAGE_SIZE", 250); err != nil {
		return nil, err
	}
	if cfg.N8NMaxPages, err = getInt("N8N_MAX_PAGES", 20); err != nil {
		return nil, err
	}
	if cfg.CharsPerToken, err = getInt("CHARS_PER_TOKEN", 4); err != nil {
		return nil, err
	}
	if cfg.LookbackDays, err = getInt("SYNC_LOOKBACK_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.DefaultPromptPricePer1K, err = getFloat("DEFAULT_PROMPT_PRICE_PER_1K", 0.01); err != nil {
		return nil, err
	}
	if cfg.DefaultCompletionPricePer1K, err = getFloat("DEFAULT_COMPLETION_PRICE_PER_1K", 0.03); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getDuration("SYNC_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.WorkflowCacheTTL, err = getDuration("WORKFLOW_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	// Rate Limiting Default
	rateStr := getEnv("SYNC_RATE_LIMIT_PER_MINUTE", "6")
	rate, err := strconv.ParseInt(rateStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_RATE_LIMIT_PER_MINUTE: %w", err)
	}
	cfg.SyncRateLimitPerMin = rate

	// Validation
	if cfg.N8NPageSize <= 0 || cfg.N8NLimitedPageSize <= 0 || cfg.N8NMaxPages <= 0 {
		return nil, fmt.Errorf("n8n page sizes and N8N_MAX_PAGES must be positive")
	}
	if cfg.CharsPerToken <= 0 {
		return nil, fmt.Errorf("CHARS_PER_TOKEN must be positive")
	}

	return cfg, nil
}

// RequireLedger reports whether the ledger connection settings are present.
func (c *Config) RequireLedger() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	return nil
}

// RequireN8N reports whether the n8n API settings are present.
func (c *Config) RequireN8N() error {
	if c.N8NAPIURL == "" || c.N8NAPIKey == "" {
		return fmt.Errorf("N8N_API_URL and N8N_API_KEY are required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := getEnv(key, strconv.FormatFloat(fallback, 'f', -1, 64))
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

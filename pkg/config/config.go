package config

import (
	"os"
	"time"

	"github.com/arxlens/enrichd/pkg/errors"
	"github.com/arxlens/enrichd/pkg/logger/conf"
	"github.com/arxlens/enrichd/pkg/sql"
	"github.com/arxlens/enrichd/pkg/stage"
	"gopkg.in/yaml.v2"
)

type Config struct {
	MetricsPort int                  `json:"metricsPort" yaml:"metricsPort"`
	Database    sql.DatabaseConfig   `json:"database" yaml:"database"`
	Log         *conf.LogConfig      `json:"log" yaml:"log"`
	Pipeline    *PipelineConfig      `json:"pipeline" yaml:"pipeline"`
	RateLimits  map[string]RateLimit `json:"rateLimits" yaml:"rateLimits"`
	Stages      *StagesConfig        `json:"stages" yaml:"stages"`
}

// PipelineConfig tunes the worker pools and queue maintenance loops.
type PipelineConfig struct {
	// PoolSizes maps pool name (llm, citations, github, local) to the
	// initial worker count.
	PoolSizes map[string]int `json:"pool_sizes" yaml:"pool_sizes"`

	// MaxRetries is the default retry budget per job.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// ReclaimIntervalSeconds is how often expired leases are swept.
	ReclaimIntervalSeconds int `json:"reclaim_interval_seconds" yaml:"reclaim_interval_seconds"`

	// PollIntervalEmptyMS is the worker sleep when the queue is empty.
	PollIntervalEmptyMS int `json:"poll_interval_empty_ms" yaml:"poll_interval_empty_ms"`

	// ErrorCountThreshold: papers with more stage errors are skipped by
	// backfill until reset.
	ErrorCountThreshold int `json:"error_count_threshold" yaml:"error_count_threshold"`

	// LeaseDurationSeconds overrides the per-stage lease length.
	LeaseDurationSeconds map[string]int `json:"lease_duration_seconds" yaml:"lease_duration_seconds"`

	// RetentionDays is how long terminal jobs are kept before cleanup.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// BackfillCron optionally schedules a periodic backfill pass.
	BackfillCron  string `json:"backfill_cron" yaml:"backfill_cron"`
	BackfillLimit int    `json:"backfill_limit" yaml:"backfill_limit"`
}

// RateLimit configures one provider bucket.
type RateLimit struct {
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
	MinDelayMS    int `json:"min_delay_ms" yaml:"min_delay_ms"`
}

// StagesConfig holds the endpoints the default stage bodies talk to.
type StagesConfig struct {
	EmbeddingServiceURL string `json:"embedding_service_url" yaml:"embedding_service_url"`
	LLMGatewayURL       string `json:"llm_gateway_url" yaml:"llm_gateway_url"`
	LLMModel            string `json:"llm_model" yaml:"llm_model"`
	CitationsAPIURL     string `json:"citations_api_url" yaml:"citations_api_url"`
	GithubAPIURL        string `json:"github_api_url" yaml:"github_api_url"`
	GithubToken         string `json:"github_token" yaml:"github_token"`

	// RequestTimeoutSeconds bounds each outbound HTTP request; the
	// per-stage attempt timeout bounds the whole attempt.
	RequestTimeoutSeconds int `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

var config *Config

func LoadConfig() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	configFile, err := os.Open(configPath)
	if err != nil {
		return nil, errors.NewError().
			WithCode(errors.CodeInitializeError).
			WithMessage("failed to open config file").
			WithError(err)
	}
	defer configFile.Close()
	decoder := yaml.NewDecoder(configFile)
	err = decoder.Decode(&config)
	if err != nil {
		return nil, errors.NewError().
			WithCode(errors.CodeInitializeError).
			WithMessage("failed to parse config file").
			WithError(err)
	}
	return config, nil
}

var defaultPoolSizes = map[string]int{
	string(stage.PoolLLM):       15,
	string(stage.PoolCitations): 2,
	string(stage.PoolGithub):    3,
	string(stage.PoolLocal):     4,
}

func (p *PipelineConfig) GetPoolSize(pool stage.Pool) int {
	if p != nil {
		if n, ok := p.PoolSizes[string(pool)]; ok && n >= 0 {
			return n
		}
	}
	return defaultPoolSizes[string(pool)]
}

func (p *PipelineConfig) GetMaxRetries() int {
	if p == nil || p.MaxRetries <= 0 {
		return 5
	}
	return p.MaxRetries
}

func (p *PipelineConfig) GetReclaimInterval() time.Duration {
	if p == nil || p.ReclaimIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	if p.ReclaimIntervalSeconds > 60 {
		return 60 * time.Second
	}
	return time.Duration(p.ReclaimIntervalSeconds) * time.Second
}

func (p *PipelineConfig) GetPollIntervalEmpty() time.Duration {
	if p == nil || p.PollIntervalEmptyMS <= 0 {
		return 500 * time.Millisecond
	}
	if p.PollIntervalEmptyMS > 1000 {
		return time.Second
	}
	return time.Duration(p.PollIntervalEmptyMS) * time.Millisecond
}

func (p *PipelineConfig) GetErrorCountThreshold() int {
	if p == nil || p.ErrorCountThreshold <= 0 {
		return 5
	}
	return p.ErrorCountThreshold
}

func (p *PipelineConfig) GetLeaseDuration(s stage.Stage) time.Duration {
	if p != nil {
		if secs, ok := p.LeaseDurationSeconds[string(s)]; ok && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return stage.DefaultLeaseDuration(s)
}

func (p *PipelineConfig) GetRetention() time.Duration {
	if p == nil || p.RetentionDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

func (p *PipelineConfig) GetBackfillLimit() int {
	if p == nil || p.BackfillLimit <= 0 {
		return 500
	}
	return p.BackfillLimit
}

var defaultRateLimits = map[string]RateLimit{
	stage.BucketLLMProvider:       {MaxRequests: 60, WindowSeconds: 60, MinDelayMS: 100},
	stage.BucketCitationsProvider: {MaxRequests: 100, WindowSeconds: 300, MinDelayMS: 1000},
	stage.BucketGithub:            {MaxRequests: 5000, WindowSeconds: 3600, MinDelayMS: 100},
	stage.BucketLocal:             {MaxRequests: 1000000, WindowSeconds: 60},
}

// GetRateLimit returns the configured limit for a provider, falling
// back to the built-in default for that bucket.
func (c *Config) GetRateLimit(provider string) RateLimit {
	if c != nil {
		if rl, ok := c.RateLimits[provider]; ok && rl.MaxRequests > 0 && rl.WindowSeconds > 0 {
			return rl
		}
	}
	if rl, ok := defaultRateLimits[provider]; ok {
		return rl
	}
	return RateLimit{MaxRequests: 60, WindowSeconds: 60}
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r RateLimit) MinDelay() time.Duration {
	return time.Duration(r.MinDelayMS) * time.Millisecond
}

func (c *Config) GetMetricsPort() int {
	if c == nil || c.MetricsPort == 0 {
		return 9090
	}
	return c.MetricsPort
}

func (s *StagesConfig) GetRequestTimeout() time.Duration {
	if s == nil || s.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

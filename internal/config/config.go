// Package config provides configuration structures and loading logic for rootscope.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure for rootscope.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Index         IndexConfig         `mapstructure:"index"`
	Signals       SignalsConfig       `mapstructure:"signals"`
	Ranking       RankingConfig       `mapstructure:"ranking"`
	Reasoning     ReasoningConfig     `mapstructure:"reasoning"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Tempo         TempoConfig         `mapstructure:"tempo"`
	Loki          LokiConfig          `mapstructure:"loki"`
	Prometheus    PrometheusConfig    `mapstructure:"prometheus"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Harness       HarnessConfig       `mapstructure:"harness"`
	Chaos         ChaosConfig         `mapstructure:"chaos"`
	DB            DBConfig            `mapstructure:"db"`
	Output        OutputConfig        `mapstructure:"output"`
}

// AppConfig defines application-level settings such as host and port.
type AppConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	// AlertLookback widens webhook-driven window analyses before the alert start.
	AlertLookback string `mapstructure:"alert_lookback"`
}

// IndexConfig selects the telemetry backends and tunes the retrieval cache.
type IndexConfig struct {
	SpanBackend      string `mapstructure:"span_backend"`   // tempo, elasticsearch, memory
	LogBackend       string `mapstructure:"log_backend"`    // loki, elasticsearch, memory, none
	MetricBackend    string `mapstructure:"metric_backend"` // prometheus, memory, none
	RetrievalTimeout string `mapstructure:"retrieval_timeout"`
	CacheSize        int    `mapstructure:"cache_size"`
	CacheTTL         string `mapstructure:"cache_ttl"`
	BaselineWindow   string `mapstructure:"baseline_window"`
	SkewTolerance    string `mapstructure:"skew_tolerance"`
}

// SignalsConfig tunes the signal extractors.
type SignalsConfig struct {
	Enabled           []string `mapstructure:"enabled"`
	Decay             float64  `mapstructure:"decay"`
	ZScale            float64  `mapstructure:"z_scale"`
	MinBaselinePoints int      `mapstructure:"min_baseline_points"`
	IncidentPad       string   `mapstructure:"incident_pad"`
	LogKeywords       []string `mapstructure:"log_keywords"`
	ExtractorTimeout  string   `mapstructure:"extractor_timeout"`
}

// RankingConfig selects the fusion strategy.
type RankingConfig struct {
	Strategy string             `mapstructure:"strategy"`
	Weights  map[string]float64 `mapstructure:"weights"`
	Boost    float64            `mapstructure:"boost"`
}

// ReasoningConfig bounds the reasoning call and the context handed to it.
type ReasoningConfig struct {
	Timeout     string `mapstructure:"timeout"`
	MaxSuspects int    `mapstructure:"max_suspects"`
	MaxEdges    int    `mapstructure:"max_edges"`
	MaxHints    int    `mapstructure:"max_hints"`
}

// LLMConfig defines the selected Language Model provider and its operational parameters.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	BaseURL     string  `mapstructure:"base_url"`
	OllamaURL   string  `mapstructure:"ollama_url"`
	OllamaModel string  `mapstructure:"ollama_model"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	APIKey      string  `mapstructure:"-"`
}

// TempoConfig defines connection settings for the Grafana Tempo distributed tracing backend.
type TempoConfig struct {
	URL         string `mapstructure:"url"`
	Timeout     string `mapstructure:"timeout"`
	SearchLimit int    `mapstructure:"search_limit"`
}

// LokiConfig defines connection and timeout settings for the Grafana Loki log aggregation system.
type LokiConfig struct {
	URL          string `mapstructure:"url"`
	Timeout      string `mapstructure:"timeout"`
	ServiceLabel string `mapstructure:"service_label"`
	Limit        int    `mapstructure:"limit"`
}

// PrometheusConfig defines connection settings and the per-service range queries.
type PrometheusConfig struct {
	URL     string            `mapstructure:"url"`
	Step    string            `mapstructure:"step"`
	Queries map[string]string `mapstructure:"queries"`
}

// ElasticsearchConfig defines the cluster and indices holding spans and logs.
type ElasticsearchConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Username    string   `mapstructure:"username"`
	PasswordEnv string   `mapstructure:"password_env"`
	Password    string   `mapstructure:"-"`
	SpanIndex   string   `mapstructure:"span_index"`
	LogIndex    string   `mapstructure:"log_index"`
	MaxHits     int      `mapstructure:"max_hits"`
}

// IngestConfig enables the OTLP gRPC receiver feeding the in-memory store.
type IngestConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Retention string `mapstructure:"retention"`
}

// HarnessConfig tunes fault-injection experiments.
type HarnessConfig struct {
	K                int       `mapstructure:"k"`
	MaxFaultDuration string    `mapstructure:"max_fault_duration"`
	ObserveTimeout   string    `mapstructure:"observe_timeout"`
	PollInterval     string    `mapstructure:"poll_interval"`
	NoiseLevels      []float64 `mapstructure:"noise_levels"`
	Trials           int       `mapstructure:"trials"`
	Seed             int64     `mapstructure:"seed"`
	Concurrent       bool      `mapstructure:"concurrent"`
	Reason           bool      `mapstructure:"reason"`
}

// ChaosConfig selects how faults are injected.
type ChaosConfig struct {
	Mode    string `mapstructure:"mode"` // http, simulator
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
}

// DBConfig defines the SQLite archive location. An empty path disables it.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// OutputConfig defines where alert-triggered analyses are delivered.
type OutputConfig struct {
	Slack SlackOutputConfig `mapstructure:"slack"`
}

// SlackOutputConfig defines the Slack incoming webhook. An empty URL disables it.
type SlackOutputConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Timeout    string `mapstructure:"timeout"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d <= 0 {
		return fallback
	}
	return d
}

// GetAlertLookbackDuration parses the webhook lookback into a time.Duration.
func (c *AppConfig) GetAlertLookbackDuration() time.Duration {
	return parseDuration(c.AlertLookback, 5*time.Minute)
}

// GetRetrievalTimeoutDuration returns the per-request retrieval budget.
func (c *IndexConfig) GetRetrievalTimeoutDuration() time.Duration {
	return parseDuration(c.RetrievalTimeout, 10*time.Second)
}

// GetCacheTTLDuration returns how long retrieved traces stay cached.
func (c *IndexConfig) GetCacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// GetBaselineWindowDuration returns the metric baseline length.
func (c *IndexConfig) GetBaselineWindowDuration() time.Duration {
	return parseDuration(c.BaselineWindow, 15*time.Minute)
}

// GetSkewToleranceDuration returns the clock skew tolerance.
func (c *IndexConfig) GetSkewToleranceDuration() time.Duration {
	return parseDuration(c.SkewTolerance, 2*time.Second)
}

// GetIncidentPadDuration returns how far the metric incident window extends around the trace.
func (c *SignalsConfig) GetIncidentPadDuration() time.Duration {
	return parseDuration(c.IncidentPad, time.Minute)
}

// GetExtractorTimeoutDuration returns the per-extractor budget.
func (c *SignalsConfig) GetExtractorTimeoutDuration() time.Duration {
	return parseDuration(c.ExtractorTimeout, 2*time.Second)
}

// GetTimeoutDuration returns the reasoning call budget.
func (c *ReasoningConfig) GetTimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 60*time.Second)
}

// GetTimeoutDuration parses the configured string timeout into a time.Duration.
func (c *TempoConfig) GetTimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// GetTimeoutDuration parses the configured string timeout into a time.Duration.
func (c *LokiConfig) GetTimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// GetStepDuration returns the range query resolution.
func (c *PrometheusConfig) GetStepDuration() time.Duration {
	return parseDuration(c.Step, 15*time.Second)
}

// GetRetentionDuration returns how long the in-memory store keeps data.
func (c *IngestConfig) GetRetentionDuration() time.Duration {
	return parseDuration(c.Retention, time.Hour)
}

func (c *HarnessConfig) GetMaxFaultDuration() time.Duration {
	return parseDuration(c.MaxFaultDuration, 10*time.Minute)
}

func (c *HarnessConfig) GetObserveTimeoutDuration() time.Duration {
	return parseDuration(c.ObserveTimeout, 2*time.Minute)
}

func (c *HarnessConfig) GetPollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, 5*time.Second)
}

// GetTimeoutDuration parses the chaos endpoint timeout.
func (c *ChaosConfig) GetTimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

func (c *SlackOutputConfig) GetTimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "text")
	v.SetDefault("app.alert_lookback", "5m")
	v.SetDefault("index.span_backend", "tempo")
	v.SetDefault("index.log_backend", "loki")
	v.SetDefault("index.metric_backend", "prometheus")
	v.SetDefault("index.retrieval_timeout", "10s")
	v.SetDefault("index.cache_size", 256)
	v.SetDefault("index.cache_ttl", "5m")
	v.SetDefault("index.baseline_window", "15m")
	v.SetDefault("index.skew_tolerance", "2s")
	v.SetDefault("signals.decay", 0.7)
	v.SetDefault("signals.z_scale", 3.0)
	v.SetDefault("signals.min_baseline_points", 3)
	v.SetDefault("signals.incident_pad", "1m")
	v.SetDefault("signals.extractor_timeout", "2s")
	v.SetDefault("ranking.strategy", "weighted_sum")
	v.SetDefault("ranking.boost", 0.25)
	v.SetDefault("reasoning.timeout", "60s")
	v.SetDefault("reasoning.max_suspects", 5)
	v.SetDefault("reasoning.max_edges", 30)
	v.SetDefault("reasoning.max_hints", 6)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("tempo.url", "http://localhost:3200")
	v.SetDefault("tempo.timeout", "30s")
	v.SetDefault("tempo.search_limit", 20)
	v.SetDefault("loki.url", "http://localhost:3100")
	v.SetDefault("loki.timeout", "30s")
	v.SetDefault("loki.service_label", "service_name")
	v.SetDefault("loki.limit", 5000)
	v.SetDefault("prometheus.url", "http://localhost:9090")
	v.SetDefault("prometheus.step", "15s")
	v.SetDefault("elasticsearch.span_index", "span_index")
	v.SetDefault("elasticsearch.log_index", "log_index")
	v.SetDefault("elasticsearch.max_hits", 5000)
	v.SetDefault("ingest.addr", ":4317")
	v.SetDefault("ingest.retention", "1h")
	v.SetDefault("harness.k", 3)
	v.SetDefault("harness.max_fault_duration", "10m")
	v.SetDefault("harness.observe_timeout", "2m")
	v.SetDefault("harness.poll_interval", "5s")
	v.SetDefault("harness.trials", 5)
	v.SetDefault("harness.seed", 1)
	v.SetDefault("chaos.mode", "http")
	v.SetDefault("chaos.url", "http://localhost:8089")
	v.SetDefault("chaos.timeout", "10s")
	v.SetDefault("db.path", "rootscope.db")
	v.SetDefault("output.slack.webhook_url", "")
	v.SetDefault("output.slack.timeout", "10s")
}

// Load loads configuration from config.yaml or environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or searches the default
// locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/rootscope")
	}

	// Allow environment variables to override config
	v.SetEnvPrefix("ROOTSCOPE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets come from the environment only.
	if cfg.LLM.ProviderType() != "ollama" && cfg.LLM.ProviderType() != "none" {
		apiKeyEnv := cfg.LLM.APIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "OPENAI_API_KEY"
			if cfg.LLM.ProviderType() == "anthropic" {
				apiKeyEnv = "ANTHROPIC_API_KEY"
			}
		}
		cfg.LLM.APIKey = os.Getenv(apiKeyEnv)
	}
	if cfg.Elasticsearch.PasswordEnv != "" {
		cfg.Elasticsearch.Password = os.Getenv(cfg.Elasticsearch.PasswordEnv)
	}

	return &cfg, nil
}

// ProviderType returns the LLM provider type
func (c *LLMConfig) ProviderType() string {
	return strings.ToLower(c.Provider)
}

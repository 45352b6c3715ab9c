package config

import (
	"bytes"
	"fmt"
	"net"
	neturl "net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 3010
	defaultEnv        = "development"
	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "storyloom"
	defaultDBCharset  = "utf8mb4"
	defaultDBLoc      = "Local"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultRedisDB    = 0
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int                   `yaml:"port"`
	DSN            string                `yaml:"dsn"` // MySQL DSN
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	Env            string                `yaml:"env"` // "development" | "production"
	AdminToken     string                `yaml:"admin_token"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	LogDir         string                `yaml:"log_dir"`
	Analysis       AnalysisConfig        `yaml:"analysis"`
	AI             AIConfig              `yaml:"ai"`
}

type DatabaseRuntimeConfig struct {
	DSN       string `yaml:"dsn"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Name      string `yaml:"name"`
	Charset   string `yaml:"charset"`
	ParseTime bool   `yaml:"parse_time"`
	Loc       string `yaml:"loc"`
}

type RedisRuntimeConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

// AnalysisConfig tunes the AI analysis pipeline.
type AnalysisConfig struct {
	// Endpoint of the external analysis boundary. Empty means insights are
	// produced directly through a configured AI provider.
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// LimitsEndpoint of the remote quota service. Empty means quota is tracked
	// in local redis counters.
	LimitsEndpoint string `yaml:"limits_endpoint"`

	TimeoutSeconds   int `yaml:"timeout_seconds"`
	BatchSize        int `yaml:"batch_size"`
	BatchPauseMS     int `yaml:"batch_pause_ms"`
	CacheTTLSeconds  int `yaml:"cache_ttl_seconds"`
	RetryCount       int `yaml:"retry_count"`
	RetryDelayMS     int `yaml:"retry_delay_ms"`
	HourlyLimit      int `yaml:"hourly_limit"`
	DailyLimit       int `yaml:"daily_limit"`
	LimiterRefreshS  int `yaml:"limiter_refresh_seconds"`
	LimiterMaxAgeS   int `yaml:"limiter_max_age_seconds"`
	MaxContentRunes  int `yaml:"max_content_runes"`
	MaxOutputTokens  int `yaml:"max_output_tokens"`
	InsightCacheSize int `yaml:"insight_cache_size"`
}

func (c AnalysisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c AnalysisConfig) BatchPause() time.Duration {
	return time.Duration(c.BatchPauseMS) * time.Millisecond
}

func (c AnalysisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c AnalysisConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c AnalysisConfig) LimiterRefresh() time.Duration {
	return time.Duration(c.LimiterRefreshS) * time.Second
}

func (c AnalysisConfig) LimiterMaxAge() time.Duration {
	return time.Duration(c.LimiterMaxAgeS) * time.Second
}

// AIConfig selects the provider used when no external analysis endpoint is set.
type AIConfig struct {
	Providers     []AIProvider       `yaml:"providers"      json:"providers"`
	AnalysisModel *AIModelAssignment `yaml:"analysis_model" json:"analysis_model,omitempty"`
}

type AIProvider struct {
	ID           string `yaml:"id"            json:"id"`
	Name         string `yaml:"name"          json:"name"`
	Type         string `yaml:"type"          json:"type"` // OpenAI | OpenAI-Compatible | Anthropic
	APIKey       string `yaml:"api_key"       json:"api_key"`
	Endpoint     string `yaml:"endpoint"      json:"endpoint,omitempty"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
	Enabled      bool   `yaml:"enabled"       json:"enabled"`
}

type AIModelAssignment struct {
	ProviderID string `yaml:"provider_id" json:"provider_id"`
	Model      string `yaml:"model"       json:"model"`
}

func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := defaultAppConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	normalizeAppConfig(&cfg)
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d in %q, expected 1-65535", cfg.Port, path)
	}
	if cfg.Analysis.BatchSize < 1 {
		return nil, fmt.Errorf("invalid analysis.batch_size %d in %q, expected >= 1", cfg.Analysis.BatchSize, path)
	}
	if cfg.Analysis.RetryCount < 0 {
		return nil, fmt.Errorf("invalid analysis.retry_count %d in %q, expected >= 0", cfg.Analysis.RetryCount, path)
	}

	return &cfg, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
			Loc:       defaultDBLoc,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Analysis: DefaultAnalysisConfig(),
	}
}

// DefaultAnalysisConfig returns the pipeline defaults.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		TimeoutSeconds:  30,
		BatchSize:       3,
		BatchPauseMS:    1000,
		CacheTTLSeconds: 300,
		RetryCount:      2,
		RetryDelayMS:    500,
		HourlyLimit:     50,
		DailyLimit:      500,
		LimiterRefreshS: 300,
		LimiterMaxAgeS:  300,
		MaxContentRunes: 60000,
		MaxOutputTokens: 1200,
	}
}

func normalizeAppConfig(cfg *AppConfig) {
	cfg.Env = normalizeEnv(cfg.Env)
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	cfg.LogDir = strings.TrimSpace(cfg.LogDir)
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)

	if cfg.DSN = strings.TrimSpace(cfg.DSN); cfg.DSN == "" {
		cfg.DSN = cfg.Database.DSNValue()
	}
	if cfg.RedisURL = strings.TrimSpace(cfg.RedisURL); cfg.RedisURL == "" {
		cfg.RedisURL = cfg.Redis.URLValue()
	}

	defaults := DefaultAnalysisConfig()
	a := &cfg.Analysis
	a.Endpoint = strings.TrimRight(strings.TrimSpace(a.Endpoint), "/")
	a.APIKey = strings.TrimSpace(a.APIKey)
	a.LimitsEndpoint = strings.TrimRight(strings.TrimSpace(a.LimitsEndpoint), "/")
	if a.TimeoutSeconds <= 0 {
		a.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if a.BatchSize == 0 {
		a.BatchSize = defaults.BatchSize
	}
	if a.BatchPauseMS <= 0 {
		a.BatchPauseMS = defaults.BatchPauseMS
	}
	if a.CacheTTLSeconds <= 0 {
		a.CacheTTLSeconds = defaults.CacheTTLSeconds
	}
	if a.RetryCount == 0 {
		a.RetryCount = defaults.RetryCount
	}
	if a.RetryDelayMS <= 0 {
		a.RetryDelayMS = defaults.RetryDelayMS
	}
	if a.HourlyLimit <= 0 {
		a.HourlyLimit = defaults.HourlyLimit
	}
	if a.DailyLimit <= 0 {
		a.DailyLimit = defaults.DailyLimit
	}
	if a.LimiterRefreshS <= 0 {
		a.LimiterRefreshS = defaults.LimiterRefreshS
	}
	if a.LimiterMaxAgeS <= 0 {
		a.LimiterMaxAgeS = defaults.LimiterMaxAgeS
	}
	if a.MaxContentRunes <= 0 {
		a.MaxContentRunes = defaults.MaxContentRunes
	}
	if a.MaxOutputTokens <= 0 {
		a.MaxOutputTokens = defaults.MaxOutputTokens
	}
}

func (c DatabaseRuntimeConfig) DSNValue() string {
	if v := strings.TrimSpace(c.DSN); v != "" {
		return v
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = defaultDBHost
	}
	port := c.Port
	if port == 0 {
		port = defaultDBPort
	}
	user := strings.TrimSpace(c.User)
	if user == "" {
		user = defaultDBUser
	}
	password := strings.TrimSpace(c.Password)
	if password == "" {
		password = defaultDBPassword
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = defaultDBName
	}
	charset := strings.TrimSpace(c.Charset)
	if charset == "" {
		charset = defaultDBCharset
	}
	loc := strings.TrimSpace(c.Loc)
	if loc == "" {
		loc = defaultDBLoc
	}

	params := neturl.Values{}
	params.Set("charset", charset)
	params.Set("parseTime", strconv.FormatBool(c.ParseTime))
	params.Set("loc", loc)

	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
		user, password, net.JoinHostPort(host, strconv.Itoa(port)), name, params.Encode())
}

func (c RedisRuntimeConfig) URLValue() string {
	if u := strings.TrimSpace(c.URL); u != "" {
		if strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://") {
			return u
		}
		return "redis://" + u
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = defaultRedisHost
	}
	port := c.Port
	if port == 0 {
		port = defaultRedisPort
	}
	db := c.DB
	if db < 0 {
		db = defaultRedisDB
	}

	scheme := "redis"
	if c.TLS {
		scheme = "rediss"
	}

	u := &neturl.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strconv.Itoa(db),
	}
	username := strings.TrimSpace(c.Username)
	password := strings.TrimSpace(c.Password)
	if username != "" {
		if password != "" {
			u.User = neturl.UserPassword(username, password)
		} else {
			u.User = neturl.User(username)
		}
	} else if password != "" {
		u.User = neturl.UserPassword("", password)
	}
	return u.String()
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(env string) string {
	trimmed := strings.ToLower(strings.TrimSpace(env))
	if trimmed == "" {
		return defaultEnv
	}
	return trimmed
}

func (c *AppConfig) IsDev() bool {
	return strings.EqualFold(c.Env, defaultEnv)
}

// Package config loads service settings from the environment, an optional
// .env file and an optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the tool runner reads at startup.
type Config struct {
	Env      string
	LogLevel string

	HTTPPort string
	GRPCPort string

	PostgresDSN   string
	ClickHouseDSN string
	RedisAddr     string

	DefaultTimeoutMs  int
	ToolCacheTTL      time.Duration
	AuthCacheTTL      time.Duration
	SchemaCacheTTL    time.Duration
	RateLimitSweep    time.Duration
	MemoryLogCapacity int

	InternalBaseURL string
	UserAgent       string
	StaticTenantID  string

	// AllowedDomains is the global base allow-list for absolute endpoints.
	AllowedDomains []string
	// ForbiddenTerms are added to the built-in forbidden parameter substrings.
	ForbiddenTerms []string
}

// PolicyFile is the YAML document named by TOOL_RUNNER_POLICY_FILE.
type PolicyFile struct {
	AllowedDomains []string `yaml:"allowed_domains"`
	ForbiddenTerms []string `yaml:"forbidden_parameter_terms"`
	SchemaCacheTTL string   `yaml:"schema_cache_ttl"`
}

// Load reads the configuration. Outside production a .env file in the
// working directory is loaded first; variables already set take precedence.
func Load() (*Config, error) {
	env := envOrDefault("TOOL_RUNNER_ENV", "development")
	if env != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("Load: .env: %w", err)
		}
	}

	cfg := &Config{
		Env:               env,
		LogLevel:          envOrDefault("TOOL_RUNNER_LOG_LEVEL", "info"),
		HTTPPort:          envOrDefault("TOOL_RUNNER_HTTP_PORT", "8090"),
		GRPCPort:          envOrDefault("TOOL_RUNNER_GRPC_PORT", "50054"),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN:     os.Getenv("CLICKHOUSE_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		DefaultTimeoutMs:  envOrDefaultInt("TOOL_RUNNER_DEFAULT_TIMEOUT_MS", 10000),
		ToolCacheTTL:      envOrDefaultSeconds("TOOL_RUNNER_TOOL_CACHE_TTL_S", 60),
		AuthCacheTTL:      envOrDefaultSeconds("TOOL_RUNNER_AUTH_CACHE_TTL_S", 30),
		SchemaCacheTTL:    envOrDefaultSeconds("TOOL_RUNNER_SCHEMA_CACHE_TTL_S", 30),
		RateLimitSweep:    envOrDefaultSeconds("TOOL_RUNNER_RATE_LIMIT_SWEEP_S", 60),
		MemoryLogCapacity: envOrDefaultInt("TOOL_RUNNER_MEMORY_LOG_CAPACITY", 10000),
		InternalBaseURL:   envOrDefault("TOOL_RUNNER_INTERNAL_BASE_URL", "http://localhost:8080"),
		UserAgent:         envOrDefault("TOOL_RUNNER_USER_AGENT", "palisade-tool-runner/1.0"),
		StaticTenantID:    envOrDefault("TOOL_RUNNER_STATIC_TENANT", "dev"),
	}

	if path := os.Getenv("TOOL_RUNNER_POLICY_FILE"); path != "" {
		pf, err := LoadPolicyFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
		if err := cfg.applyPolicy(pf); err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
	}
	cfg.AllowedDomains = mergeUnique(cfg.AllowedDomains, splitList(os.Getenv("TOOL_RUNNER_ALLOWED_DOMAINS")))
	cfg.ForbiddenTerms = mergeUnique(cfg.ForbiddenTerms, splitList(os.Getenv("TOOL_RUNNER_FORBIDDEN_TERMS")))

	return cfg, nil
}

// LoadPolicyFile parses a YAML policy file. Unknown keys are rejected.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadPolicyFile: %w", err)
	}
	defer f.Close()

	var pf PolicyFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("LoadPolicyFile: %s: %w", path, err)
	}
	return &pf, nil
}

func (c *Config) applyPolicy(pf *PolicyFile) error {
	c.AllowedDomains = mergeUnique(c.AllowedDomains, pf.AllowedDomains)
	c.ForbiddenTerms = mergeUnique(c.ForbiddenTerms, pf.ForbiddenTerms)
	if pf.SchemaCacheTTL != "" && os.Getenv("TOOL_RUNNER_SCHEMA_CACHE_TTL_S") == "" {
		d, err := time.ParseDuration(pf.SchemaCacheTTL)
		if err != nil {
			return fmt.Errorf("schema_cache_ttl: %w", err)
		}
		c.SchemaCacheTTL = d
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultVal)) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// Package config loads the orchestrator's runtime configuration from the
// environment. A .env file, when present, is folded in by the caller before
// Load runs.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Backend and topology selections. Each is fixed at process start.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"

	ProviderMachines = "machines"
	ProviderJobs     = "jobs"
	ProviderMock     = "mock"

	TopologyHub          = "hub"
	TopologyHierarchical = "hierarchical"
	TopologyMesh         = "mesh"
)

// Config is the process-wide runtime configuration.
type Config struct {
	HTTPPort  string
	JWTSecret string

	StoreBackend string
	BoltPath     string

	Provider         string
	ProviderBaseURL  string
	ProviderAPIToken string
	ProviderApp      string
	WorkerImage      string
	JobTemplate      string
	LLMAPIKey        string
	SCMToken         string

	Topology string

	DailyLimitCents  int
	WeeklyLimitCents int
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Load reads configuration from the environment. A missing JWT secret is
// fatal: the process must not start with an unauthenticated API surface.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		StoreBackend: getEnv("STORE_BACKEND", StoreMemory),
		BoltPath:     getEnv("BOLT_PATH", "./swarmd.db"),

		Provider:         getEnv("EXECUTION_PROVIDER", ProviderMock),
		ProviderBaseURL:  os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIToken: os.Getenv("PROVIDER_API_TOKEN"),
		ProviderApp:      getEnv("PROVIDER_APP", "swarmd-workers"),
		WorkerImage:      getEnv("WORKER_IMAGE", "swarmd-worker:latest"),
		JobTemplate:      getEnv("JOB_TEMPLATE", "swarmd-worker"),
		LLMAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		SCMToken:         os.Getenv("GITHUB_TOKEN"),

		Topology: getEnv("TOPOLOGY", TopologyHub),

		DailyLimitCents:  getEnvInt("BUDGET_DAILY_CENTS", 0),
		WeeklyLimitCents: getEnvInt("BUDGET_WEEKLY_CENTS", 0),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.StoreBackend {
	case StoreMemory, StoreBolt:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	switch cfg.Provider {
	case ProviderMock:
	case ProviderMachines, ProviderJobs:
		if cfg.ProviderBaseURL == "" || cfg.ProviderAPIToken == "" {
			return nil, fmt.Errorf("provider %q requires PROVIDER_BASE_URL and PROVIDER_API_TOKEN", cfg.Provider)
		}
	default:
		return nil, fmt.Errorf("unknown EXECUTION_PROVIDER %q", cfg.Provider)
	}
	switch cfg.Topology {
	case TopologyHub, TopologyHierarchical, TopologyMesh:
	default:
		return nil, fmt.Errorf("unknown TOPOLOGY %q", cfg.Topology)
	}
	return cfg, nil
}

// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Session pool
	MaxSessions    int
	SessionTimeout time.Duration
	ChildCommand   string

	// Scheduler
	EmptyResponsePenalty int
	TaskCooldown         time.Duration
	SweepIdleDelay       time.Duration

	// Proxy selection
	AllowUnprobedProxies bool

	// Latency probe
	ProbeConcurrency  int
	ProbeTimeout      time.Duration
	ProbeInitialDelay time.Duration
	ProbeSchedule     string

	// Subscriptions
	SubscriptionSchedule string
	SubscriptionBasePort int
	SubscriptionTimeout  time.Duration
	ForwarderConfigDir   string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("TOKSPIDER_STATE_DIR", "/var/lib/tokspider")

	// --- Session pool ---
	cfg.MaxSessions = envInt("TOKSPIDER_MAX_SESSIONS", 5, &errs)
	cfg.SessionTimeout = envDuration("TOKSPIDER_SESSION_TIMEOUT", 60*time.Second, &errs)
	cfg.ChildCommand = envStr("TOKSPIDER_CHILD_COMMAND", "python3 playwright_session.py")

	// --- Scheduler ---
	cfg.EmptyResponsePenalty = envInt("TOKSPIDER_EMPTY_RESPONSE_PENALTY", 2, &errs)
	cfg.TaskCooldown = envDuration("TOKSPIDER_TASK_COOLDOWN", 3*time.Second, &errs)
	cfg.SweepIdleDelay = envDuration("TOKSPIDER_SWEEP_IDLE_DELAY", 5*time.Second, &errs)

	// --- Proxy selection ---
	cfg.AllowUnprobedProxies = envBool("TOKSPIDER_ALLOW_UNPROBED_PROXIES", false, &errs)

	// --- Latency probe ---
	cfg.ProbeConcurrency = envInt("TOKSPIDER_PROBE_CONCURRENCY", 10, &errs)
	cfg.ProbeTimeout = envDuration("TOKSPIDER_PROBE_TIMEOUT", 5*time.Second, &errs)
	cfg.ProbeInitialDelay = envDuration("TOKSPIDER_PROBE_INITIAL_DELAY", 10*time.Second, &errs)
	cfg.ProbeSchedule = envStr("TOKSPIDER_PROBE_SCHEDULE", "@every 1h")

	// --- Subscriptions ---
	cfg.SubscriptionSchedule = envStr("TOKSPIDER_SUBSCRIPTION_SCHEDULE", "@every 6h")
	cfg.SubscriptionBasePort = envInt("TOKSPIDER_SUBSCRIPTION_BASE_PORT", 40001, &errs)
	cfg.SubscriptionTimeout = envDuration("TOKSPIDER_SUBSCRIPTION_TIMEOUT", 30*time.Second, &errs)
	cfg.ForwarderConfigDir = envStr("TOKSPIDER_FORWARDER_CONFIG_DIR", "environment")

	// --- Validation ---
	if cfg.StateDir == "" {
		errs = append(errs, "TOKSPIDER_STATE_DIR must not be empty")
	}
	validatePositive("TOKSPIDER_MAX_SESSIONS", cfg.MaxSessions, &errs)
	if cfg.SessionTimeout <= 0 {
		errs = append(errs, "TOKSPIDER_SESSION_TIMEOUT must be positive")
	}
	if strings.TrimSpace(cfg.ChildCommand) == "" {
		errs = append(errs, "TOKSPIDER_CHILD_COMMAND must not be empty")
	}
	validatePositive("TOKSPIDER_EMPTY_RESPONSE_PENALTY", cfg.EmptyResponsePenalty, &errs)
	if cfg.TaskCooldown < 0 {
		errs = append(errs, "TOKSPIDER_TASK_COOLDOWN must not be negative")
	}
	if cfg.SweepIdleDelay <= 0 {
		errs = append(errs, "TOKSPIDER_SWEEP_IDLE_DELAY must be positive")
	}
	validatePositive("TOKSPIDER_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	if cfg.ProbeTimeout <= 0 {
		errs = append(errs, "TOKSPIDER_PROBE_TIMEOUT must be positive")
	}
	if cfg.ProbeInitialDelay < 0 {
		errs = append(errs, "TOKSPIDER_PROBE_INITIAL_DELAY must not be negative")
	}
	validateSchedule("TOKSPIDER_PROBE_SCHEDULE", cfg.ProbeSchedule, &errs)
	validateSchedule("TOKSPIDER_SUBSCRIPTION_SCHEDULE", cfg.SubscriptionSchedule, &errs)
	validatePort("TOKSPIDER_SUBSCRIPTION_BASE_PORT", cfg.SubscriptionBasePort, &errs)
	if cfg.SubscriptionTimeout <= 0 {
		errs = append(errs, "TOKSPIDER_SUBSCRIPTION_TIMEOUT must be positive")
	}
	if cfg.ForwarderConfigDir == "" {
		errs = append(errs, "TOKSPIDER_FORWARDER_CONFIG_DIR must not be empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validateSchedule(name, expr string, errs *[]string) {
	if _, err := cron.ParseStandard(expr); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, expr, err))
	}
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

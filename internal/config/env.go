// Package config handles environment-based configuration loading for the
// primary control plane.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata" // schedule evaluation needs IANA zones in scratch containers
)

// Values considered placeholder credentials. Booting with any of them is
// refused unless PB_ALLOW_INSECURE_DEFAULTS=true.
const insecureDefault = "change-me"

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir   string // SQLite database location
	SharedDir string // RPZ + forward-zones files served to nodes
	BackupDir string

	// Network
	ListenAddress string
	Port          int
	PrimaryURL    string // advertised base URL baked into node packages

	// Admin auth
	AdminSecretKey string
	AdminUsername  string
	AdminPassword  string
	AdminToken     string // bearer token for the operator API

	// Node auth
	PrimaryNodeAPIKey string // optional; derived from AdminSecretKey when empty

	// Local resolver (primary-side recursor)
	RecursorAPIURL string
	RecursorAPIKey string
	RecursorDNS    string // host[:port] for precache warming

	// Timeouts
	BlocklistFetchTimeout time.Duration
	PTRTimeout            time.Duration
	WarmTimeout           time.Duration
	CacheClearTimeout     time.Duration

	// Background work
	WorkerPoolSize  int
	WorkerQueueSize int

	AllowInsecureDefaults bool
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("PB_DATA_DIR", "/var/lib/powerblockade")
	cfg.SharedDir = envStr("PB_SHARED_DIR", "/shared")
	cfg.BackupDir = envStr("PB_BACKUP_DIR", "/backups")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("PB_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("PB_PORT", 8080, &errs)
	cfg.PrimaryURL = strings.TrimRight(envStr("PB_PRIMARY_URL", fmt.Sprintf("http://primary:%d", cfg.Port)), "/")

	// --- Admin auth ---
	cfg.AdminSecretKey = envStr("PB_ADMIN_SECRET_KEY", insecureDefault)
	cfg.AdminUsername = envStr("PB_ADMIN_USERNAME", "admin")
	cfg.AdminPassword = envStr("PB_ADMIN_PASSWORD", insecureDefault)
	cfg.AdminToken = envStr("PB_ADMIN_TOKEN", "")

	cfg.PrimaryNodeAPIKey = envStr("PB_PRIMARY_NODE_API_KEY", "")

	// --- Local resolver ---
	cfg.RecursorAPIURL = strings.TrimRight(envStr("PB_RECURSOR_API_URL", "http://recursor:8082"), "/")
	cfg.RecursorAPIKey = envStr("PB_RECURSOR_API_KEY", "")
	cfg.RecursorDNS = envStr("PB_RECURSOR_DNS", "127.0.0.1:53")

	// --- Timeouts ---
	cfg.BlocklistFetchTimeout = envDuration("PB_BLOCKLIST_FETCH_TIMEOUT", 30*time.Second, &errs)
	cfg.PTRTimeout = envDuration("PB_PTR_TIMEOUT", 2*time.Second, &errs)
	cfg.WarmTimeout = envDuration("PB_WARM_TIMEOUT", 5*time.Second, &errs)
	cfg.CacheClearTimeout = envDuration("PB_CACHE_CLEAR_TIMEOUT", 10*time.Second, &errs)

	// --- Background work ---
	cfg.WorkerPoolSize = envInt("PB_WORKER_POOL_SIZE", 4, &errs)
	cfg.WorkerQueueSize = envInt("PB_WORKER_QUEUE_SIZE", 256, &errs)

	cfg.AllowInsecureDefaults = envBool("PB_ALLOW_INSECURE_DEFAULTS", false, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "PB_LISTEN_ADDRESS must not be empty")
	}
	validatePort("PB_PORT", cfg.Port, &errs)
	validatePositive("PB_WORKER_POOL_SIZE", cfg.WorkerPoolSize, &errs)
	validatePositive("PB_WORKER_QUEUE_SIZE", cfg.WorkerQueueSize, &errs)
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"PB_BLOCKLIST_FETCH_TIMEOUT", cfg.BlocklistFetchTimeout},
		{"PB_PTR_TIMEOUT", cfg.PTRTimeout},
		{"PB_WARM_TIMEOUT", cfg.WarmTimeout},
		{"PB_CACHE_CLEAR_TIMEOUT", cfg.CacheClearTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", d.name))
		}
	}

	if !cfg.AllowInsecureDefaults {
		errs = append(errs, credentialErrors(cfg)...)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// credentialErrors enforces the boot-time security gate: placeholder values
// and weak secrets refuse to start.
func credentialErrors(cfg *EnvConfig) []string {
	var errs []string
	if cfg.AdminSecretKey == insecureDefault || cfg.AdminSecretKey == "" {
		errs = append(errs, "PB_ADMIN_SECRET_KEY is unset or the insecure default; set it or PB_ALLOW_INSECURE_DEFAULTS=true")
	} else if IsWeakToken(cfg.AdminSecretKey) {
		errs = append(errs, "PB_ADMIN_SECRET_KEY is too weak; use a longer random value")
	}
	if cfg.AdminPassword == insecureDefault || cfg.AdminPassword == "" {
		errs = append(errs, "PB_ADMIN_PASSWORD is unset or the insecure default; set it or PB_ALLOW_INSECURE_DEFAULTS=true")
	} else if IsWeakToken(cfg.AdminPassword) {
		errs = append(errs, "PB_ADMIN_PASSWORD is too weak; use a longer random value")
	}
	if cfg.AdminToken != "" && IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "PB_ADMIN_TOKEN is too weak; use a longer random value")
	}
	return errs
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

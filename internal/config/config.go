// Package config resolves the gateway's configuration from, in order of
// precedence, environment variables, a config.toml file, then built-in
// defaults — the same precedence the teacher proxy's getConfigString/Int/
// Bool helpers implement (config.go), reshaped around this gateway's own
// field names and env surface.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// File is the decoded shape of config.toml.
type File struct {
	Port            int      `toml:"port"`
	Host            string   `toml:"host"`
	DataDir         string   `toml:"data_dir"`
	DefaultModel    string   `toml:"default_model"`
	Stream          *bool    `toml:"stream"`
	DebugLog        *bool    `toml:"debug_log"`
	LogFileLimit    int      `toml:"log_file_limit"`
	APIKeys         []string `toml:"api_keys"`
	RefreshProxyURL string   `toml:"refresh_proxy_url"`
	VendorChatBase  string   `toml:"vendor_chat_base"`
	VendorAuthBase  string   `toml:"vendor_auth_base"`
}

// Config is the fully resolved, ready-to-use configuration.
type Config struct {
	Port            int
	Host            string
	DataDir         string
	DefaultModel    string
	Stream          bool
	DebugLog        bool
	LogFileLimit    int
	BootstrapKeys   []string
	RefreshProxyURL string
	VendorChatBase  string
	VendorAuthBase  string

	// ChatTimeout/SearchTimeout are the per-upstream-request deadlines
	// from §5 (default 60s chat, 30s search).
	ChatTimeout   time.Duration
	SearchTimeout time.Duration

	// ShutdownGrace bounds how long in-flight requests are drained on
	// SIGINT/SIGTERM before a forced close (default 5s).
	ShutdownGrace time.Duration

	// SchedulerTick is the refresh scheduler's fixed tick (default 5m,
	// per the resolved open question in SPEC_FULL.md §9).
	SchedulerTick time.Duration
}

func loadFile(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	if _, err := os.Stat(path); err != nil {
		return f, nil
	}
	_, err := toml.DecodeFile(path, &f)
	return f, err
}

func getString(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func getInt(env string, fallback int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(env string, fallback bool) bool {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Load resolves the configuration: env > configPath's config.toml >
// built-in default, in that order per field.
func Load(configPath string) (*Config, error) {
	f, err := loadFile(configPath)
	if err != nil {
		return nil, err
	}

	home, _ := os.UserHomeDir()
	defaultDataDir := home + "/.qwen"

	cfg := &Config{
		Port:            getInt("PORT", firstNonZeroInt(f.Port, 8080)),
		Host:            getString("HOST", firstNonEmpty(f.Host, "0.0.0.0")),
		DataDir:         getString("DATA_DIR", firstNonEmpty(f.DataDir, defaultDataDir)),
		DefaultModel:    getString("DEFAULT_MODEL", firstNonEmpty(f.DefaultModel, "qwen3-coder-plus")),
		Stream:          getBool("STREAM", firstNonNilBool(f.Stream, true)),
		DebugLog:        getBool("DEBUG_LOG", firstNonNilBool(f.DebugLog, false)),
		LogFileLimit:    getInt("LOG_FILE_LIMIT", firstNonZeroInt(f.LogFileLimit, 10*1024*1024)),
		RefreshProxyURL: getString("REFRESH_PROXY_URL", f.RefreshProxyURL),
		VendorChatBase:  getString("VENDOR_CHAT_BASE", firstNonEmpty(f.VendorChatBase, "https://portal.qwen.ai/v1")),
		VendorAuthBase:  getString("VENDOR_AUTH_BASE", firstNonEmpty(f.VendorAuthBase, "https://chat.qwen.ai")),
		ChatTimeout:     60 * time.Second,
		SearchTimeout:   30 * time.Second,
		ShutdownGrace:   5 * time.Second,
		SchedulerTick:   5 * time.Minute,
	}

	if raw := os.Getenv("API_KEY"); raw != "" {
		cfg.BootstrapKeys = splitCSV(raw)
	} else {
		cfg.BootstrapKeys = f.APIKeys
	}

	return cfg, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZeroInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonNilBool(a *bool, b bool) bool {
	if a != nil {
		return *a
	}
	return b
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	RedisAddr       string
	SupabaseURL     string
	SupabaseAnonKey string
	ReportBaseURL   string
	LevelSeconds    int
}

type SweeperConfig struct {
	DatabaseURL   string
	RedisAddr     string
	ReportBaseURL string
	SweepEvery    time.Duration
}

type CLIConfig struct {
	APIBaseURL string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("MRX_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:       envDefault("REDIS_ADDR", "localhost:6379"),
		SupabaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		ReportBaseURL:   strings.TrimRight(strings.TrimSpace(os.Getenv("MRX_REPORT_BASE_URL")), "/"),
		LevelSeconds:    envIntDefault("MRX_LEVEL_SECONDS", 60),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if cfg.LevelSeconds < 5 {
		return cfg, fmt.Errorf("MRX_LEVEL_SECONDS must be at least 5")
	}
	return cfg, nil
}

func LoadSweeperFromEnv() (SweeperConfig, error) {
	cfg := SweeperConfig{
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:     envDefault("REDIS_ADDR", "localhost:6379"),
		ReportBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("MRX_REPORT_BASE_URL")), "/"),
		SweepEvery:    envDurationDefault("MRX_SWEEP_EVERY", time.Minute),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("MRX_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

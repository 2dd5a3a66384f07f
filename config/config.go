package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the process configuration, loaded from config.json with
// environment variable overrides on top.
type Config struct {
	ServerConfig  ServerConfig  `json:"server"`
	DataConfig    DataConfig    `json:"data"`
	LoggingConfig LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	ProductionMode  bool     `json:"production_mode"`
	StaticFilesPath string   `json:"static_files_path"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ReadTimeout     int      `json:"read_timeout"`     // Seconds
	WriteTimeout    int      `json:"write_timeout"`    // Seconds
	ShutdownTimeout int      `json:"shutdown_timeout"` // Seconds
}

// DataConfig holds filesystem layout configuration
type DataConfig struct {
	MarketDataDir string `json:"market_data_dir"` // CSV bar and factor tables
	UsersDir      string `json:"users_dir"`       // per-user configs and history databases
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // stdout, stderr, or file path
	Pretty bool   `json:"pretty"` // console format instead of JSON
}

// Load reads config.json if present and applies environment overrides.
// Missing values fall back to defaults suitable for a local run.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Values already set in the config file are kept unless an override is set.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.StaticFilesPath = getEnvOrDefault("STATIC_FILES_PATH", cfg.ServerConfig.StaticFilesPath)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)
	if value := os.Getenv("PRODUCTION_MODE"); value != "" {
		cfg.ServerConfig.ProductionMode = value == "true"
	}
	if value := os.Getenv("SERVER_ALLOWED_ORIGINS"); value != "" {
		cfg.ServerConfig.AllowedOrigins = splitAndTrim(value)
	}

	// Data config
	cfg.DataConfig.MarketDataDir = getEnvOrDefault("REPLAY_DATA_DIR", cfg.DataConfig.MarketDataDir)
	cfg.DataConfig.UsersDir = getEnvOrDefault("REPLAY_USERS_DIR", cfg.DataConfig.UsersDir)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if value := os.Getenv("LOG_PRETTY"); value != "" {
		cfg.LoggingConfig.Pretty = value == "true"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 5000
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 15
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 15
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 30
	}
	if len(cfg.ServerConfig.AllowedOrigins) == 0 {
		cfg.ServerConfig.AllowedOrigins = []string{"*"}
	}
	if cfg.DataConfig.MarketDataDir == "" {
		cfg.DataConfig.MarketDataDir = "./data"
	}
	if cfg.DataConfig.UsersDir == "" {
		cfg.DataConfig.UsersDir = "./users"
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:            5000,
			Host:            "0.0.0.0",
			ProductionMode:  false,
			StaticFilesPath: "",
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 30,
		},
		DataConfig: DataConfig{
			MarketDataDir: "./data",
			UsersDir:      "./users",
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Pretty: false,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < .env file < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	DB            string `json:"db" env:"DB"`
	Dev           bool   `json:"dev" env:"DEV"`
	Addr          string `json:"addr" env:"ADDR"`
	OperatorToken string `json:"operator_token" env:"OPERATOR_TOKEN"` // empty disables operator endpoints

	// Phase timing, 0 disables the deadline
	NightSeconds          int `json:"night_seconds" env:"NIGHT_SECONDS"`
	DaySeconds            int `json:"day_seconds" env:"DAY_SECONDS"`
	CouncilSeconds        int `json:"council_seconds" env:"COUNCIL_SECONDS"`
	RevengeTimeoutSeconds int `json:"revenge_timeout_seconds" env:"REVENGE_TIMEOUT_SECONDS"`

	// Per-connection submission throttle
	SubmitRate  float64 `json:"submit_rate" env:"SUBMIT_RATE"` // submissions per second, 0 = unlimited
	SubmitBurst int     `json:"submit_burst" env:"SUBMIT_BURST"`

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir" env:"LOG_OUTPUT_DIR"`
	LogRequests  bool   `json:"log_requests" env:"LOG_REQUESTS"`
	LogDB        bool   `json:"log_db" env:"LOG_DB"`
	LogWS        bool   `json:"log_ws" env:"LOG_WS"`
	LogDebug     bool   `json:"log_debug" env:"LOG_DEBUG"`

	// AI Storyteller
	StorytellerProvider    string `json:"storyteller_provider" env:"STORYTELLER_PROVIDER"` // ollama | openai | claude | gemini | openai-compatible
	StorytellerModel       string `json:"storyteller_model" env:"STORYTELLER_MODEL"`
	StorytellerOllamaURL   string `json:"storyteller_ollama_url" env:"STORYTELLER_OLLAMA_URL"`
	StorytellerURL         string `json:"storyteller_url" env:"STORYTELLER_URL"`
	StorytellerAPIKey      string `json:"storyteller_api_key" env:"STORYTELLER_API_KEY"`
	StorytellerTemperature string `json:"storyteller_temperature" env:"STORYTELLER_TEMPERATURE"`
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogDB:       cfg.LogDB,
		LogWS:       cfg.LogWS,
		Debug:       cfg.LogDebug,
	}
}

// defaultGameSettings is applied to games created without explicit timing.
func (cfg AppConfig) defaultGameSettings() GameSettings {
	return GameSettings{
		NightSeconds:   cfg.NightSeconds,
		DaySeconds:     cfg.DaySeconds,
		CouncilSeconds: cfg.CouncilSeconds,
		RevengeSeconds: cfg.RevengeTimeoutSeconds,
	}
}

func (cfg AppConfig) revengeTimeout() time.Duration {
	return time.Duration(cfg.RevengeTimeoutSeconds) * time.Second
}

func defaultConfig() AppConfig {
	return AppConfig{
		DB:                    "file:loupgarou.db?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on",
		Addr:                  ":8080",
		NightSeconds:          180,
		DaySeconds:            300,
		CouncilSeconds:        120,
		RevengeTimeoutSeconds: 60,
		SubmitRate:            2,
		SubmitBurst:           5,
		StorytellerOllamaURL:  "http://localhost:11434",
	}
}

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// loadConfig builds a config by layering defaults, the .env file, env vars
// and the JSON config file. CLI flag overrides are applied separately by
// flagValues.applyTo after flag.Parse.
func loadConfig(dotEnvPath, configPath string) (AppConfig, error) {
	cfg := defaultConfig()

	if err := LoadDotEnv(dotEnvPath); err != nil {
		return cfg, fmt.Errorf("load %s: %w", dotEnvPath, err)
	}
	// Unset variables leave the defaults untouched.
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
		log.Printf("Config: loaded from %s", configPath)
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", configPath, err)
	}

	return cfg, nil
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath    *string
	dotEnvPath    *string
	db            *string
	dev           *bool
	addr          *string
	operatorToken *string
	nightSeconds  *int
	daySeconds    *int
	councilSecs   *int
	revengeSecs   *int
	logOutputDir  *string
	logRequests   *bool
	logDB         *bool
	logWS         *bool
	logDebug      *bool
	storyProvider *string
	storyModel    *string
}

// registerFlags registers all CLI flags on fs and returns pointers to their values.
func registerFlags(fs *flag.FlagSet) flagValues {
	return flagValues{
		configPath:    fs.String("config", "config.json", "path to JSON config file"),
		dotEnvPath:    fs.String("env-file", ".env", "path to .env file"),
		db:            fs.String("db", "", "database connection string"),
		dev:           fs.Bool("dev", false, "enable development mode (verbose logging, db dumps on error)"),
		addr:          fs.String("addr", "", "HTTP listen address (e.g. :8080)"),
		operatorToken: fs.String("operator-token", "", "token granting operator access"),
		nightSeconds:  fs.Int("night-seconds", 0, "night deadline in seconds"),
		daySeconds:    fs.Int("day-seconds", 0, "day deadline in seconds"),
		councilSecs:   fs.Int("council-seconds", 0, "council deadline in seconds"),
		revengeSecs:   fs.Int("revenge-timeout-seconds", 0, "time a dead hunter has to shoot"),
		logOutputDir:  fs.String("log-output-dir", "", "directory for extended log files"),
		logRequests:   fs.Bool("log-requests", false, "log HTTP requests and responses"),
		logDB:         fs.Bool("log-db", false, "log database dumps"),
		logWS:         fs.Bool("log-ws", false, "log WebSocket messages"),
		logDebug:      fs.Bool("log-debug", false, "enable debug logging"),
		storyProvider: fs.String("storyteller-provider", "", "AI storyteller provider (ollama|openai|claude|gemini|openai-compatible)"),
		storyModel:    fs.String("storyteller-model", "", "AI storyteller model name"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored.
func (fv flagValues) applyTo(fs *flag.FlagSet, cfg *AppConfig) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DB = *fv.db
		case "dev":
			cfg.Dev = *fv.dev
		case "addr":
			cfg.Addr = *fv.addr
		case "operator-token":
			cfg.OperatorToken = *fv.operatorToken
		case "night-seconds":
			cfg.NightSeconds = *fv.nightSeconds
		case "day-seconds":
			cfg.DaySeconds = *fv.daySeconds
		case "council-seconds":
			cfg.CouncilSeconds = *fv.councilSecs
		case "revenge-timeout-seconds":
			cfg.RevengeTimeoutSeconds = *fv.revengeSecs
		case "log-output-dir":
			cfg.LogOutputDir = *fv.logOutputDir
		case "log-requests":
			cfg.LogRequests = *fv.logRequests
		case "log-db":
			cfg.LogDB = *fv.logDB
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-debug":
			cfg.LogDebug = *fv.logDebug
		case "storyteller-provider":
			cfg.StorytellerProvider = *fv.storyProvider
		case "storyteller-model":
			cfg.StorytellerModel = *fv.storyModel
		}
	})
}

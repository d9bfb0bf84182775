package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETSIM_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults.
// The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// Catalogue tables are replaced wholesale when the file defines them.
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	var file Config
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return err
	}
	// Re-decode onto the defaults so scalar keys absent from the file keep
	// their default values, then restore list sections the file replaced.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return err
	}
	if md.IsDefined("market", "assets") {
		cfg.Market.Assets = file.Market.Assets
	}
	if md.IsDefined("events", "types") {
		cfg.Events.Types = file.Events.Types
	}
	if md.IsDefined("personalities") {
		cfg.Personalities = file.Personalities
	}
	if md.IsDefined("population", "groups") {
		cfg.Population.Groups = file.Population.Groups
	}
	return nil
}

// applyEnvOverrides reads well-known MARKETSIM_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	setInt64(&cfg.Seed, "MARKETSIM_SEED")
	setStr(&cfg.LogLevel, "MARKETSIM_LOG_LEVEL")

	// ── Simulation ──
	setInt(&cfg.Simulation.Workers, "MARKETSIM_WORKERS")
	setInt(&cfg.Simulation.CheckpointInterval, "MARKETSIM_CHECKPOINT_INTERVAL")

	// ── Storage ──
	setStr(&cfg.Storage.Path, "MARKETSIM_STORAGE_PATH")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKETSIM_SERVER_PORT")
	setStr(&cfg.Server.AdminKey, "MARKETSIM_ADMIN_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETSIM_CORS_ORIGINS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETSIM_REDIS_DB")
	setStr(&cfg.Redis.Channel, "MARKETSIM_REDIS_CHANNEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

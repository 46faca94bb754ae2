package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config wraps koanf with typed getters. Values come from an optional .env
// file overlaid by the process environment. Empty environment values do not
// mask the file.
type Config struct {
	path     string
	file     *file.File
	watching bool

	mu sync.RWMutex
	k  *koanf.Koanf
}

// LoadConfig reads envPath if it exists, then the environment.
func LoadConfig(envPath string) (*Config, error) {
	cfg := &Config{path: envPath, file: file.Provider(envPath)}
	if _, err := os.Stat(envPath); err != nil {
		color.Yellow.Println("No .env file found at " + envPath + ", using environment only")
	}

	k, err := cfg.load()
	if err != nil {
		return nil, err
	}
	cfg.k = k
	return cfg, nil
}

func (c *Config) load() (*koanf.Koanf, error) {
	k := koanf.New(".")
	if _, err := os.Stat(c.path); err == nil {
		if err := k.Load(c.file, dotenv.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", c.path, err)
		}
	}

	nonEmpty := env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return key, value
	})
	if err := k.Load(nonEmpty, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return k, nil
}

// Watch reloads the .env file whenever it is written and then calls
// onChange. A failed reload keeps the previous values.
func (c *Config) Watch(onChange func()) error {
	err := c.file.Watch(func(_ any, err error) {
		if err != nil {
			slog.Error("Config watch error", "path", c.path, "error", err)
			return
		}
		k, err := c.load()
		if err != nil {
			slog.Error("Failed to reload config", "path", c.path, "error", err)
			return
		}

		c.mu.Lock()
		c.k = k
		c.mu.Unlock()

		if onChange != nil {
			onChange()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}
	c.watching = true
	return nil
}

// Close stops watching the .env file.
func (c *Config) Close() error {
	if !c.watching {
		return nil
	}
	return c.file.Unwatch()
}

func (c *Config) get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.k.Get(key)
}

// GetString retrieves a string config value.
func (c *Config) GetString(key string, defaultValue ...string) string {
	switch v := c.get(key).(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		return fmt.Sprintf("%v", v)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// GetInt retrieves an int config value.
func (c *Config) GetInt(key string, defaultValue int) int {
	switch v := c.get(key).(type) {
	case int:
		return v
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration config value such as "15m".
func (c *Config) GetDuration(key string, defaultValue time.Duration) time.Duration {
	switch v := c.get(key).(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetBool retrieves a bool config value.
func (c *Config) GetBool(key string, defaultValue bool) bool {
	switch v := c.get(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return defaultValue
}

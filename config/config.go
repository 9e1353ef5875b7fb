// Package config loads slottrace's adapter/CLI-layer settings: RPC URLs,
// explorer API keys, cache sizes and the watch poll interval. The core
// engine packages (slotcodec, layout, keyoracle, resolver, differ, trace)
// never import it; only cmd/slottrace depends on it, and passes the loaded
// values on to the oracle and layoutsource adapters.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
)

// tomlSettings is a package-level toml.Config rather than the package-level
// toml.Marshal/Unmarshal functions, so field name normalization can be
// customized in one place.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
}

// Config is slottrace's TOML configuration document: one flat struct per
// logical section, loaded via naoina/toml and overridable from the
// environment.
type Config struct {
	RPC      RPCConfig
	Explorer ExplorerConfig
	Cache    CacheConfig
	Watch    WatchConfig
}

// RPCConfig names the node slottrace talks to via the oracle adapter.
type RPCConfig struct {
	URL     string
	ChainID uint64
}

// ExplorerConfig names the block-explorer-shaped endpoint the layoutsource
// adapter fetches ABIs and storage layouts from.
type ExplorerConfig struct {
	URL    string
	APIKey string
}

// CacheConfig sizes the process-wide LayoutIndex cache.
type CacheConfig struct {
	LayoutIndexSize int
	ResponseSize    int
}

// WatchConfig defaults WatchStorage's poll interval when the caller
// doesn't pass one explicitly.
type WatchConfig struct {
	PollInterval time.Duration
}

// Default returns the configuration a fresh install should start from:
// a local devnet RPC, no explorer (LayoutSource calls degrade to
// LayoutUnavailable until one is configured), and a modest cache.
func Default() Config {
	return Config{
		RPC:   RPCConfig{URL: "http://127.0.0.1:8545", ChainID: 1},
		Cache: CacheConfig{LayoutIndexSize: 1024, ResponseSize: 256},
		Watch: WatchConfig{PollInterval: 12 * time.Second},
	}
}

// Load reads path as TOML into a Config seeded with Default(), then
// applies environment-variable overrides. A missing file is not an
// error — Default() plus environment overrides is a valid configuration
// on its own.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnv(cfg), nil
			}
			return Config{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		var raw rawConfig
		if err := tomlSettings.NewDecoder(f).Decode(&raw); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		raw.applyTo(&cfg)
	}
	return applyEnv(cfg), nil
}

// rawConfig mirrors Config but with PollInterval as a string, since
// naoina/toml does not natively unmarshal time.Duration from a TOML
// duration-like string without an explicit UnmarshalText hook at the
// field's own type — declaring it here keeps Config itself free of TOML
// plumbing for callers that build one programmatically.
type rawConfig struct {
	RPC struct {
		URL     string
		ChainID uint64
	}
	Explorer struct {
		URL    string
		APIKey string
	}
	Cache struct {
		LayoutIndexSize int
		ResponseSize    int
	}
	Watch struct {
		PollInterval string
	}
}

func (r rawConfig) applyTo(cfg *Config) {
	if r.RPC.URL != "" {
		cfg.RPC.URL = r.RPC.URL
	}
	if r.RPC.ChainID != 0 {
		cfg.RPC.ChainID = r.RPC.ChainID
	}
	if r.Explorer.URL != "" {
		cfg.Explorer.URL = r.Explorer.URL
	}
	if r.Explorer.APIKey != "" {
		cfg.Explorer.APIKey = r.Explorer.APIKey
	}
	if r.Cache.LayoutIndexSize != 0 {
		cfg.Cache.LayoutIndexSize = r.Cache.LayoutIndexSize
	}
	if r.Cache.ResponseSize != 0 {
		cfg.Cache.ResponseSize = r.Cache.ResponseSize
	}
	if r.Watch.PollInterval != "" {
		if d, err := time.ParseDuration(r.Watch.PollInterval); err == nil {
			cfg.Watch.PollInterval = d
		}
	}
}

// applyEnv overlays the environment variables (RPC URL, explorer URL and
// API key), letting a deployment avoid committing secrets to the TOML
// file.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("SLOTTRACE_RPC_URL"); v != "" {
		cfg.RPC.URL = v
	}
	if v := os.Getenv("SLOTTRACE_EXPLORER_URL"); v != "" {
		cfg.Explorer.URL = v
	}
	if v := os.Getenv("SLOTTRACE_EXPLORER_API_KEY"); v != "" {
		cfg.Explorer.APIKey = v
	}
	return cfg
}

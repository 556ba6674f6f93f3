// Package config holds the process-wide configuration surface. Values are
// loaded once at startup and then treated as immutable (§9 "Global mutable
// state" of the design notes): every subsystem receives a *Config by
// reference instead of reading globals.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
)

// Config is the merged, effective configuration for a running proxy.
type Config struct {
	// BasePath is the root directory under which images and their sidecars
	// (.map, .crc) are stored.
	BasePath string `yaml:"basePath"`

	// IsProxy enables cloning unknown images from alt-servers on demand.
	IsProxy bool `yaml:"isProxy"`

	// BackgroundReplication enables idle-time replication of missing blocks.
	BackgroundReplication bool `yaml:"backgroundReplication"`

	// SparseFiles relaxes the reaper's 24h-idle rule (§4.7).
	SparseFiles bool `yaml:"sparseFiles"`

	UplinkTimeout  time.Duration `yaml:"uplinkTimeout"`
	ClientTimeout  time.Duration `yaml:"clientTimeout"`
	CloseUnusedFd  bool          `yaml:"closeUnusedFd"`

	// RemoveMissingImages removes images from the registry once their
	// backing file vanishes from disk (§7 "A vanished image...").
	RemoveMissingImages bool `yaml:"removeMissingImages"`

	MaxImages          int   `yaml:"maxImages"`
	MaxReplicationSize int64 `yaml:"maxReplicationSize"`

	// BgrMinClients is the minimum number of distinct clients an image must
	// have seen before background replication kicks in for it.
	BgrMinClients int `yaml:"bgrMinClients"`

	// LookupMissingForProxy allows a proxy to ask alt-servers for images it
	// has never seen locally (vs. only refreshing known ones).
	LookupMissingForProxy bool `yaml:"lookupMissingForProxy"`

	AltServersFile string `yaml:"altServersFile"`

	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"logFile"`

	ListenAddress string `yaml:"listenAddress"`
}

// Defaults returns the compiled-in default configuration.
func Defaults() *Config {
	return &Config{
		BasePath:              "/var/lib/dnbd3",
		IsProxy:               true,
		BackgroundReplication: true,
		SparseFiles:           false,
		UplinkTimeout:         1250 * time.Millisecond,
		ClientTimeout:         15000 * time.Millisecond,
		CloseUnusedFd:         false,
		RemoveMissingImages:   false,
		MaxImages:             1024,
		MaxReplicationSize:    0,
		BgrMinClients:         1,
		LookupMissingForProxy: true,
		AltServersFile:        "alt-servers",
		ListenAddress:         ":5003",
	}
}

// Load reads the YAML config at path and merges it over Defaults(). A
// missing file is not an error: Defaults() alone is returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from CLI flag, trusted operator input
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var userCfg Config
	if err := yaml.Unmarshal(data, &userCfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, userCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config %s: %w", path, err)
	}

	return cfg, nil
}

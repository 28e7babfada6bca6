// Package config loads the YAML configuration file describing every
// IPMI target this process should maintain a console for, plus the
// ambient server and SDR-cache settings. Grounded on the teacher's
// config/config.go, generalized from its BMH-discovery-oriented schema
// (a single global credential pair matched against Redfish-discovered
// hardware) to an explicit per-target credential list, since this
// module has no discovery layer of its own.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	IPMI   IPMIConfig   `yaml:"ipmi"`
	SDR    SDRConfig    `yaml:"sdr"`
	Server ServerConfig `yaml:"server"`
}

// IPMIConfig lists every BMC this process should keep a session and
// SOL console open against.
type IPMIConfig struct {
	Targets []TargetConfig `yaml:"targets"`
}

type TargetConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"` // host[:port], port defaults to 623
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Kg        string `yaml:"kg,omitempty"`
	Privilege string `yaml:"privilege,omitempty"` // "admin", "operator", "user"; empty means auto-downgrade
	Keepalive *bool  `yaml:"keepalive,omitempty"` // defaults to true
}

// SDRConfig controls the on-disk tier of the SDR cache (spec §3); an
// empty CachePath disables the disk tier and keeps only the in-memory one.
type SDRConfig struct {
	CachePath string        `yaml:"cache_path"`
	TTL       time.Duration `yaml:"ttl"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		SDR: SDRConfig{
			CachePath: "/var/lib/ipmisol/sdr-cache",
			TTL:       24 * time.Hour,
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	for i, t := range cfg.IPMI.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("config: ipmi.targets[%d] missing name", i)
		}
		if t.Address == "" {
			return nil, fmt.Errorf("config: target %q missing address", t.Name)
		}
	}

	return cfg, nil
}

// KeepaliveEnabled reports whether a target requests session keepalive,
// defaulting to true when unset.
func (t TargetConfig) KeepaliveEnabled() bool {
	if t.Keepalive == nil {
		return true
	}
	return *t.Keepalive
}

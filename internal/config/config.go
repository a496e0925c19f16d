// Package config loads the server's static configuration: listener
// addresses, packet pool tiers, the per-handler session/dispatch bounds (K
// sessions and P concurrent dispatch slots per handler), and the static
// MOUNT export list.
//
// A viper.Viper loader layers FILESERVER_-prefixed environment overrides
// over a YAML file, with mapstructure tags for field binding and a separate
// Validate step using go-playground/validator.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/coreshare/fileserver/internal/rpc/mount"
)

// Config is the server's complete static configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Network  NetworkConfig  `mapstructure:"network"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Handlers HandlersConfig `mapstructure:"handlers"`
	Mounts   MountsConfig   `mapstructure:"mounts"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig controls internal/logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// NetworkConfig lists the listener endpoints a ConnectionsHandler accepts
// on.
type NetworkConfig struct {
	NetBIOSSMBAddr string        `mapstructure:"netbios_smb_addr" validate:"required"`
	DirectSMBAddr  string        `mapstructure:"direct_smb_addr" validate:"required"`
	PortmapAddr    string        `mapstructure:"portmap_addr" validate:"required"`
	MountAddr      string        `mapstructure:"mount_addr" validate:"required"`
	ClientTimeout  time.Duration `mapstructure:"client_socket_timeout" validate:"required,gt=0"`
}

// PoolConfig mirrors internal/pool.Config.
type PoolConfig struct {
	SmallSize      int `mapstructure:"small_size" validate:"gte=0"`
	MediumSize     int `mapstructure:"medium_size" validate:"gte=0"`
	LargeSize      int `mapstructure:"large_size" validate:"gte=0"`
	MaxOverSized   int `mapstructure:"max_over_sized" validate:"gte=0"`
	OverSizedQuota int `mapstructure:"over_sized_quota" validate:"gte=0"`
}

// HandlersConfig sets the per-RequestHandler session and dispatch bounds:
// K concurrent sessions and P concurrent dispatch slots.
type HandlersConfig struct {
	MaxSessionsPerHandler   int `mapstructure:"max_sessions_per_handler" validate:"required,gt=0"`
	DispatchSlotsPerHandler int `mapstructure:"dispatch_slots_per_handler" validate:"required,gt=0"`
}

// ExportConfig is one statically configured MOUNT export.
type ExportConfig struct {
	Path           string   `mapstructure:"path" validate:"required"`
	AllowedClients []string `mapstructure:"allowed_clients"`
}

// MountsConfig lists the static export table served by internal/rpc/mount.
type MountsConfig struct {
	Exports []ExportConfig `mapstructure:"exports"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// Default returns the built-in defaults, used when no config file is found.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Network: NetworkConfig{
			NetBIOSSMBAddr: ":139",
			DirectSMBAddr:  ":445",
			PortmapAddr:    ":111",
			MountAddr:      ":20048",
			ClientTimeout:  90 * time.Second,
		},
		Pool: PoolConfig{
			SmallSize:      4 << 10,
			MediumSize:     64 << 10,
			LargeSize:      1 << 20,
			MaxOverSized:   4 << 20,
			OverSizedQuota: 8,
		},
		Handlers: HandlersConfig{
			MaxSessionsPerHandler:   64,
			DispatchSlotsPerHandler: 16,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100"},
	}
}

// Load reads configuration from path (YAML), layering FILESERVER_-prefixed
// environment variables over it with file-then-env-override precedence. If
// path is empty or does not exist, Load returns Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FILESERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return Default(), nil
			}
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return Default(), nil
			}
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ToExports converts the statically configured export list into
// internal/rpc/mount.Export values, parsing AllowedClients as CIDR
// networks. An entry that fails to parse stops the conversion: nil is
// returned with an error naming the offending export.
func (m MountsConfig) ToExports() ([]mount.Export, error) {
	out := make([]mount.Export, 0, len(m.Exports))
	for _, e := range m.Exports {
		export := mount.Export{Path: e.Path}
		for _, cidr := range e.AllowedClients {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("export %q: invalid allowed_clients entry %q: %w", e.Path, cidr, err)
			}
			export.AllowedClients = append(export.AllowedClients, network)
		}
		out = append(out, export)
	}
	return out, nil
}

var validate = validator.New()

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

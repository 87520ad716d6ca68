package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Default values, matching what a stock tor package installs.
const (
	DefaultVersion                = "1"
	DefaultProxyAddr              = ":3128"
	DefaultAdminAddr              = "127.0.0.1:9180"
	DefaultGRPCAddr               = "127.0.0.1:9181"
	DefaultTorBinary              = "/usr/bin/tor"
	DefaultSocksPort              = 9150
	DefaultTorConfigPath          = "/etc/tor/torrc"
	DefaultBootstrapTimeout       = 120 * time.Second
	DefaultInstancesDir           = "/var/lib/tor-instances"
	DefaultPortStart              = 9152
	DefaultRegionBootstrapTimeout = 180 * time.Second
	DefaultMaxInstances           = 64
	DefaultExitParam              = "tor_exit"
	DefaultExitHeader             = "X-Tor-Exit-Country"
	DefaultLogLevel               = "info"
)

// Default returns a Config populated with every default.
func Default() *Config {
	return &Config{
		Version: DefaultVersion,
		Listen: ListenConfig{
			Proxy: DefaultProxyAddr,
			Admin: DefaultAdminAddr,
			GRPC:  DefaultGRPCAddr,
		},
		Tor: TorConfig{
			Binary: DefaultTorBinary,
			Default: DefaultInstance{
				SocksPort:        DefaultSocksPort,
				ConfigPath:       DefaultTorConfigPath,
				BootstrapTimeout: DefaultBootstrapTimeout,
			},
			Instances: RegionInstances{
				DataDir:          DefaultInstancesDir,
				PortStart:        DefaultPortStart,
				BootstrapTimeout: DefaultRegionBootstrapTimeout,
				Max:              DefaultMaxInstances,
			},
		},
		Routing: RoutingConfig{
			ExitParam:  DefaultExitParam,
			ExitHeader: DefaultExitHeader,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// DefaultConfigPath returns the default path for the exitproxy config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "exitproxy", "config.yaml")
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "exitproxy", "config.yaml")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "exitproxy", "config.yaml")
		}
		return filepath.Join(home, ".config", "exitproxy", "config.yaml")
	}
}

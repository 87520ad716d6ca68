package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Config holds the main configuration for the application.
type Config struct {
	Version string        `json:"version"       yaml:"version"`
	Listen  ListenConfig  `json:"listen"        yaml:"listen"`
	Tor     TorConfig     `json:"tor"           yaml:"tor"`
	Routing RoutingConfig `json:"routing"       yaml:"routing"`
	Log     LogConfig     `json:"log,omitempty" yaml:"log,omitempty"`
}

// ListenConfig holds the listener addresses. An empty admin or gRPC address
// disables that listener.
type ListenConfig struct {
	Proxy string `json:"proxy"           yaml:"proxy"`
	Admin string `json:"admin,omitempty" yaml:"admin,omitempty"`
	GRPC  string `json:"grpc,omitempty"  yaml:"grpc,omitempty"`
}

// TorConfig holds configuration for the egress processes.
type TorConfig struct {
	Binary    string          `json:"binary"    yaml:"binary"`
	Default   DefaultInstance `json:"default"   yaml:"default"`
	Instances RegionInstances `json:"instances" yaml:"instances"`
}

// DefaultInstance is the always-on egress used when a request names no region.
type DefaultInstance struct {
	SocksPort        int           `json:"socks_port"        yaml:"socks_port"`
	ConfigPath       string        `json:"config_path"       yaml:"config_path"`
	BootstrapTimeout time.Duration `json:"bootstrap_timeout" yaml:"bootstrap_timeout"`
}

// RegionInstances configures the lazily created per-region egresses.
type RegionInstances struct {
	DataDir          string        `json:"data_dir"          yaml:"data_dir"`
	PortStart        int           `json:"port_start"        yaml:"port_start"`
	BootstrapTimeout time.Duration `json:"bootstrap_timeout" yaml:"bootstrap_timeout"`
	Max              int           `json:"max"               yaml:"max"` // 0 = unlimited
}

// RoutingConfig holds the request routing knobs. These apply without restart.
type RoutingConfig struct {
	ExitParam         string        `json:"exit_param"          yaml:"exit_param"`
	ExitHeader        string        `json:"exit_header"         yaml:"exit_header"`
	TunnelIdleTimeout time.Duration `json:"tunnel_idle_timeout" yaml:"tunnel_idle_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	File  string `json:"file,omitempty"  yaml:"file,omitempty"`
}

// Validate checks the semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if _, err := listenPort(c.Listen.Proxy); err != nil {
		errs = append(errs, fmt.Errorf("listen.proxy: %w", err))
	}
	for name, addr := range map[string]string{"listen.admin": c.Listen.Admin, "listen.grpc": c.Listen.GRPC} {
		if addr == "" {
			continue
		}
		if _, err := listenPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if strings.TrimSpace(c.Tor.Binary) == "" {
		errs = append(errs, errors.New("tor.binary: must not be empty"))
	}
	if !validPort(c.Tor.Default.SocksPort) {
		errs = append(errs, fmt.Errorf("tor.default.socks_port: %d out of range", c.Tor.Default.SocksPort))
	}
	if !validPort(c.Tor.Instances.PortStart) {
		errs = append(errs, fmt.Errorf("tor.instances.port_start: %d out of range", c.Tor.Instances.PortStart))
	}
	if c.Tor.Default.SocksPort >= c.Tor.Instances.PortStart {
		errs = append(errs, fmt.Errorf("tor.instances.port_start: %d must be above the default socks port %d",
			c.Tor.Instances.PortStart, c.Tor.Default.SocksPort))
	}
	if c.Tor.Instances.DataDir == "" {
		errs = append(errs, errors.New("tor.instances.data_dir: must not be empty"))
	}
	if c.Tor.Instances.Max < 0 {
		errs = append(errs, fmt.Errorf("tor.instances.max: %d is negative", c.Tor.Instances.Max))
	}
	if c.Tor.Default.BootstrapTimeout <= 0 || c.Tor.Instances.BootstrapTimeout <= 0 {
		errs = append(errs, errors.New("tor: bootstrap timeouts must be positive"))
	}

	if c.Routing.ExitParam == "" {
		errs = append(errs, errors.New("routing.exit_param: must not be empty"))
	}
	if !httpguts.ValidHeaderFieldName(c.Routing.ExitHeader) {
		errs = append(errs, fmt.Errorf("routing.exit_header: %q is not a valid header name", c.Routing.ExitHeader))
	}
	if c.Routing.TunnelIdleTimeout < 0 {
		errs = append(errs, errors.New("routing.tunnel_idle_timeout: must not be negative"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// RestartRequired lists the settings that differ between c and next and only
// take effect after a restart.
func (c *Config) RestartRequired(next *Config) []string {
	var changed []string

	if c.Listen != next.Listen {
		changed = append(changed, "listen")
	}
	if c.Tor.Binary != next.Tor.Binary {
		changed = append(changed, "tor.binary")
	}
	if c.Tor.Default != next.Tor.Default {
		changed = append(changed, "tor.default")
	}
	if c.Tor.Instances.DataDir != next.Tor.Instances.DataDir ||
		c.Tor.Instances.PortStart != next.Tor.Instances.PortStart ||
		c.Tor.Instances.BootstrapTimeout != next.Tor.Instances.BootstrapTimeout {
		changed = append(changed, "tor.instances")
	}
	if c.Log != next.Log {
		changed = append(changed, "log")
	}

	return changed
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func listenPort(addr string) (int, error) {
	_, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", rawPort)
	}

	return port, nil
}

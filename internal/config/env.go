package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ekisa-team/exitproxy/internal/envvar"
)

// ApplyEnv overlays the environment variables read through lookup onto cfg.
// Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	intVar := func(key string, dst *int) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrEnv, key, v)
		}
		*dst = n
		return nil
	}

	if v, ok := get(envvar.HTTPProxyPort); ok {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrEnv, envvar.HTTPProxyPort, v)
		}
		cfg.Listen.Proxy = ":" + v
	}

	for key, dst := range map[string]*int{
		envvar.DefaultTorSocksPort:      &cfg.Tor.Default.SocksPort,
		envvar.DynamicTorSocksPortStart: &cfg.Tor.Instances.PortStart,
		envvar.ExitproxyMaxInstances:    &cfg.Tor.Instances.Max,
	} {
		if err := intVar(key, dst); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*string{
		envvar.DefaultTorConfigPath: &cfg.Tor.Default.ConfigPath,
		envvar.TorBin:               &cfg.Tor.Binary,
		envvar.TorInstancesDir:      &cfg.Tor.Instances.DataDir,
		envvar.TorExitParam:         &cfg.Routing.ExitParam,
		envvar.TorConnectExitHeader: &cfg.Routing.ExitHeader,
		envvar.ExitproxyLogFile:     &cfg.Log.File,
		envvar.ExitproxyLogLevel:    &cfg.Log.Level,
	} {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	return nil
}

package backend

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ekisa-team/exitproxy/internal/region"
)

// Spec describes the instance the supervisor should launch.
type Spec struct {
	// Region is the exit constraint. region.Default launches the default
	// instance from ConfigPath.
	Region region.Code

	// Port is the loopback SOCKS5 port the instance will serve.
	Port int

	// ConfigPath is the torrc of the default instance. Ignored for regions.
	ConfigPath string

	// DataDir is the private state directory of a region instance.
	DataDir string

	// BootstrapTimeout bounds the Starting phase.
	BootstrapTimeout time.Duration
}

// IsDefault reports whether the spec describes the default instance.
func (s Spec) IsDefault() bool {
	return s.Region.IsDefault()
}

// Args builds the egress command line for the spec.
func (s Spec) Args() []string {
	if s.IsDefault() {
		return []string{"-f", s.ConfigPath}
	}

	return []string{
		"--Log", "notice stdout",
		"--SocksPort", SocksAddr(s.Port),
		"--DataDirectory", s.DataDir,
		"--ExitNodes", fmt.Sprintf("{%s}", s.Region),
		"--StrictNodes", "1",
		"--AvoidDiskWrites", "1",
	}
}

// SocksAddr returns the loopback address of a SOCKS port.
func SocksAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

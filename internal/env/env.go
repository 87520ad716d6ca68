// Package env identifies the deployment environment the proxy runs in.
package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/exitproxy/internal/envvar"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// FromEnv reads EXITPROXY_ENV. Unknown or empty values yield Development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.ExitproxyEnv))
}

// Parse converts a raw string to an Environment.
func Parse(s string) Environment {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case Production, "prod":
		return Production
	case Test:
		return Test
	default:
		return Development
	}
}

// IsProduction reports whether e is Production.
func (e Environment) IsProduction() bool {
	return e == Production
}

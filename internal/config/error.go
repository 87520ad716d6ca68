package config

import "errors"

var (
	// ErrInvalid is returned when the effective configuration fails validation.
	ErrInvalid = errors.New("config: invalid configuration")

	// ErrUnsupportedVersion is returned for a config file written for another format version.
	ErrUnsupportedVersion = errors.New("config: unsupported version")

	// ErrEnv is returned when an environment override cannot be parsed.
	ErrEnv = errors.New("config: invalid environment override")
)

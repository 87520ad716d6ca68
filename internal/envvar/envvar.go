package envvar

const (
	// ExitproxyEnv is the environment variable used to determine the environment
	ExitproxyEnv = "EXITPROXY_ENV"

	// ExitproxyConfig is the environment variable used to locate the YAML config file
	ExitproxyConfig = "EXITPROXY_CONFIG"

	// ExitproxyMaxInstances caps the number of region-scoped backend instances
	ExitproxyMaxInstances = "EXITPROXY_MAX_INSTANCES"

	// ExitproxyLogFile is the path of the rotating log file
	ExitproxyLogFile = "EXITPROXY_LOG_FILE"

	// ExitproxyLogLevel is the minimum log level (debug, info, warn, error)
	ExitproxyLogLevel = "EXITPROXY_LOG_LEVEL"

	// HTTPProxyPort is the port the proxy listener binds on all interfaces
	HTTPProxyPort = "HTTP_PROXY_PORT"

	// DefaultTorSocksPort is the SOCKS port of the default tor instance
	DefaultTorSocksPort = "DEFAULT_TOR_SOCKS_PORT"

	// DefaultTorConfigPath is the torrc used by the default tor instance
	DefaultTorConfigPath = "DEFAULT_TOR_CONFIG_PATH"

	// TorBin is the path of the tor executable
	TorBin = "TOR_BIN"

	// DynamicTorSocksPortStart is the first port handed to region-scoped instances
	DynamicTorSocksPortStart = "DYNAMIC_TOR_SOCKS_PORT_START"

	// TorInstancesDir is the parent of the per-region data directories
	TorInstancesDir = "TOR_INSTANCES_DIR"

	// TorExitParam is the query parameter carrying the exit region hint
	TorExitParam = "TOR_EXIT_PARAM"

	// TorConnectExitHeader is the CONNECT request header carrying the exit region hint
	TorConnectExitHeader = "TOR_CONNECT_EXIT_HEADER"
)

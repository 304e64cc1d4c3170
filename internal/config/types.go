package config

import "time"

// Config is the root of the lb.conf-equivalent YAML document, per spec.md
// section 6: node/pool/branch/listener/monitor/cert_db/control sections plus
// top-level tunables. Field names follow the section names the spec lists;
// Build turns this into the domain objects the rest of the program runs on.
type Config struct {
	Node            map[string]NodeConfig     `yaml:"node"`
	Pool            map[string]PoolConfig     `yaml:"pool"`
	Branch          map[string]BranchConfig   `yaml:"branch"`
	Listener        map[string]ListenerConfig `yaml:"listener"`
	Monitor         map[string]MonitorConfig  `yaml:"monitor"`
	CertDB          map[string]CertDBConfig   `yaml:"cert_db"`
	Control         ControlConfig             `yaml:"control"`
	GlobalHTTPCheck GlobalHTTPCheckConfig     `yaml:"global_http_check"`
	AccessLogger    map[string]AccessLoggerConfig `yaml:"access_logger"`
	Tunables        TunablesConfig            `yaml:"tunables"`
	NodeStateFile   string                    `yaml:"node_state_file"`
	Logging         LoggingConfig             `yaml:"logging"`
}

// NodeConfig is one named backend address, referenced by Pool.Members and by
// control-plane ENABLE_NODE/FADE_NODE/NODE_STATUS "name:port" payloads via
// NodeResolver.
type NodeConfig struct {
	Address string `yaml:"address"`
	Tag     string `yaml:"tag"`
}

// PoolConfig is a named Cluster: a set of member references sharing a
// sticky policy, per spec.md section 4.5.
type PoolConfig struct {
	Members           []string `yaml:"members"`
	Sticky            string   `yaml:"sticky"`
	ZeroconfSticky    string   `yaml:"zeroconf_sticky"`
	ZeroconfService   string   `yaml:"zeroconf_service"`
	Protocol          string   `yaml:"protocol"`
	HTTPHost          string   `yaml:"http_host"`
	Monitor           string   `yaml:"monitor"`
	FairScheduling    bool     `yaml:"fair_scheduling"`
	HSTS              bool     `yaml:"hsts"`
	TLSRequired       bool     `yaml:"tls_required"`
	TransparentSource bool     `yaml:"transparent_source"`
	MangleVia         bool     `yaml:"mangle_via"`
	FallbackStatus    int      `yaml:"fallback_status"`
	FallbackLocation  string   `yaml:"fallback_location"`
	FallbackMessage   string   `yaml:"fallback_message"`
}

// BranchConfig is a named sequence of (Condition, Goto) pairs plus a
// mandatory fallback, per spec.md section 4.6.
type BranchConfig struct {
	Cases    []BranchCaseConfig `yaml:"cases"`
	Fallback string             `yaml:"fallback"`
}

// BranchCaseConfig is one condition/destination pair. Destination is a Goto
// reference string; see resolveGoto in build.go.
type BranchCaseConfig struct {
	Attribute   string `yaml:"attribute"`
	HeaderName  string `yaml:"header_name"`
	Match       string `yaml:"match"`
	Value       string `yaml:"value"`
	Negate      bool   `yaml:"negate"`
	Destination string `yaml:"goto"`
}

// ListenerConfig is one bound address plus destination and transport
// options, per spec.md section 6.
type ListenerConfig struct {
	Bind                   string       `yaml:"bind"`
	Interface              string       `yaml:"interface"`
	Tag                    string       `yaml:"tag"`
	Pool                   string       `yaml:"pool"`
	Mode                   string       `yaml:"mode"`
	MaxConnectionsPerIP    int          `yaml:"max_connections_per_ip"`
	AckTimeoutMS           int          `yaml:"ack_timeout_ms"`
	AccessLogger           string       `yaml:"access_logger"`
	TLS                    *TLSConfig   `yaml:"ssl"`
	V6Only                 bool         `yaml:"v6only"`
	ReusePort              bool         `yaml:"reuse_port"`
	FreeBind               bool         `yaml:"free_bind"`
	MPTCP                  bool         `yaml:"mptcp"`
	Keepalive              bool         `yaml:"keepalive"`
	ForceHTTP2             bool         `yaml:"force_http2"`
	HSTS                   bool         `yaml:"hsts"`
	VerboseResponse        bool         `yaml:"verbose_response"`
	AccessLoggerOnlyErrors bool         `yaml:"access_logger_only_errors"`
	RedirectHTTPS          bool         `yaml:"redirect_https"`
}

// TLSConfig is the ssl_* listener options, per spec.md section 6.
type TLSConfig struct {
	CertFile   string `yaml:"cert"`
	KeyFile    string `yaml:"key"`
	CACertFile string `yaml:"ca_cert"`
	CertDB     string `yaml:"cert_db"`
	Verify     string `yaml:"verify"`
	ALPNHTTP2  *bool  `yaml:"alpn_http2"`
}

// MonitorConfig drives one health.Monitor, one per Pool that names it via
// PoolConfig.Monitor.
type MonitorConfig struct {
	Type          string        `yaml:"type"`
	CheckInterval time.Duration `yaml:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	FailureExpiry time.Duration `yaml:"failure_expiry"`
	Workers       int           `yaml:"workers"`
}

// CertDBConfig names a certificate source a listener's ssl_cert_db can
// reference instead of inlining cert/key paths.
type CertDBConfig struct {
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
}

// ControlConfig configures the control-plane AF_UNIX datagram socket, per
// spec.md section 4.9.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// GlobalHTTPCheckConfig is a default MonitorConfig applied to any pool that
// does not name its own monitor, so clusters get basic health checking
// without requiring every pool block to repeat the same settings.
type GlobalHTTPCheckConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
}

// AccessLoggerConfig names a destination an AccessLogger adapter writes to;
// listeners reference one of these by name via ListenerConfig.AccessLogger.
type AccessLoggerConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// TunablesConfig holds the top-level `set NAME = VALUE` knobs spec.md
// section 6 lists by name.
type TunablesConfig struct {
	TCPStockLimit      int  `yaml:"tcp_stock_limit"`
	PopulateIOBuffers  bool `yaml:"populate_io_buffers"`
}

// LoggingConfig mirrors logger.Config's fields so Build's caller can pass it
// straight through to logger.NewWithTheme.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	FileOutput bool   `yaml:"file_output"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}

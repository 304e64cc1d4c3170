// Package constants centralises magic strings and default tunables shared
// across the load-balancer core, mirroring how the teacher keeps wire-level
// and cross-package literals in one place instead of scattering them.
package constants

import "time"

const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeHeader = "Content-Type"
)

// Context keys carried on a request's context.Context through the dispatch
// pipeline (routing -> forwarding -> access log).
const (
	ContextRequestIDKey    = "request_id"
	ContextRequestTimeKey  = "request_time"
	ContextClusterNameKey  = "cluster_name"
	ContextStickyHashKey   = "sticky_hash"
	ContextFairnessHashKey = "fairness_hash"
)

const (
	DefaultHealthCheckEndpoint = "/internal/health"
	DefaultStatusEndpoint      = "/internal/status"
)

// Header limits, per spec.md section 6.
const (
	MaxHeaderLineSize  = 8 * 1024
	MaxHeaderTotalSize = 64 * 1024
	MaxURILength       = 8 * 1024
)

// Timeouts, per spec.md section 4.2.
const (
	DefaultIdleTimeout  = 30 * time.Second
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Failure expiry durations, per spec.md section 7.
const (
	FailureExpiryConnect  = 20 * time.Second
	FailureExpiryProtocol = 20 * time.Second
)

// ControlFadeDuration is how long a FADE_NODE control command marks a node
// as faded, grounded on original_source/src/lb/Control.cxx's FadeNode()
// (std::chrono::hours(3)) — deliberately far longer than
// FailureExpiryConnect/Protocol since fading is an operator-initiated drain,
// not a transport-level failure that should self-heal in seconds.
const ControlFadeDuration = 3 * time.Hour

// Tarpit constants, per spec.md section 4.4.
const (
	TarpitIdleReset      = 2 * time.Second
	TarpitBusyThreshold  = 2 * time.Minute
	TarpitDuration        = time.Minute
	TarpitStep           = 500 * time.Millisecond
	TarpitMaxDelay       = 60 * time.Second
)

// PerClientAccounting retention grace period, per spec.md section 3.
const ClientAccountingGracePeriod = 5 * time.Minute

// HTTP/2 flow-control constants, per spec.md section 4.3.
const (
	H2MaxConcurrentStreams  = 64
	H2InitialStreamWindow   = 4096
	H2ConnectionWindow      = 256 * 1024
	H2DefaultStreamWindow   = 65535
)

const StickyCookieName = "beng_lb_node"

const HSTSHeaderValue = "max-age=7776000"

// PeerSubjectHeader carries the TLS client certificate subject to the
// backend, per spec.md section 4.7 step 5's "forward peer subject on TLS".
const PeerSubjectHeader = "X-CM4all-BENG-Peer-Subject"

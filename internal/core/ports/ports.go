// Package ports declares the interfaces adapters implement and the core
// dispatch path depends on, following the teacher's core/ports layout: the
// domain and request-path code import only this package, never a concrete
// adapter.
package ports

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cm4all/golb/internal/core/domain"
)

// ClusterSelector chooses one member of a Cluster for a request, honouring
// sticky policy and failure status, per spec.md section 4.5.
type ClusterSelector interface {
	Name() string
	Select(ctx context.Context, cluster *domain.Cluster, sticky domain.StickyKey, failures FailureManager) (domain.Member, error)
}

// FailureManager is the address -> health-status map described in spec.md
// section 4.4.
type FailureManager interface {
	Get(addr domain.Address) domain.FailureStatus
	Set(addr domain.Address, status domain.FailureStatus, duration time.Duration)
	Unset(addr domain.Address, status domain.FailureStatus)
	UnsetAll(addr domain.Address)
}

// Monitor is an external health-check collaborator that feeds
// domain.FailureMonitor into a FailureManager, per the "Monitor references"
// supplement in SPEC_FULL.md section 4.
type Monitor interface {
	Name() string
	Start(ctx context.Context)
	Stop()
}

// ClientAccountant implements the per-client tarpit described in spec.md
// section 4.4: Observe records a request and returns the delay to apply
// before dispatching it.
type ClientAccountant interface {
	Observe(clientIP string, now time.Time) time.Duration
	Connect(clientIP string)
	Disconnect(clientIP string)
}

// Dialer opens an outbound connection to a Cluster member, optionally bound
// to a transparent source address, per spec.md section 4.6-4.7.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string, bind net.Addr) (net.Conn, error)
}

// DiscoveryService refreshes Cluster membership from an external source
// (Zeroconf/mDNS or a static list), per spec.md GLOSSARY "Zeroconf".
type DiscoveryService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Clusters(ctx context.Context) ([]*domain.Cluster, error)
}

// ControlHandler processes one decoded control-plane command, per spec.md
// section 4.9.
type ControlHandler interface {
	Handle(ctx context.Context, cmd ControlCommand, uid int) (reply []byte, err error)
}

// ControlCommand is a decoded control-plane packet payload.
type ControlCommand struct {
	Name    string
	Payload []byte
}

// AccessLogger records one completed request, an external collaborator per
// spec.md section 1.
type AccessLogger interface {
	Log(ctx context.Context, entry AccessLogEntry)
}

// AccessLogEntry is the subset of a finished request's metadata handed to
// the access logger.
type AccessLogEntry struct {
	Time       time.Time
	RemoteAddr string
	Method     string
	URI        string
	Status     int
	BytesSent  int64
	Duration   time.Duration
	Cluster    string
	Backend    string
}

// StatsCollector records connection and latency counters, an external
// collaborator per spec.md section 1, grounded on the teacher's
// ports.StatsCollector.
type StatsCollector interface {
	RecordConnection(key string, delta int)
	RecordLatency(key string, d time.Duration)
}

// RequestHandler is the terminal function a Goto-resolved destination
// exposes to the HTTP/1 and HTTP/2 server connections.
type RequestHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

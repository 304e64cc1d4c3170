package domain

import (
	"fmt"
	"sync"
)

// Protocol is the wire protocol a Cluster's members speak.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
)

// StickyMode selects which request attribute feeds the sticky hash used to
// pick a Cluster member, per spec.md section 4.5.
type StickyMode string

const (
	StickyNone          StickyMode = "none"
	StickyFailover      StickyMode = "failover"
	StickySourceIP      StickyMode = "source_ip"
	StickyHost          StickyMode = "host"
	StickyXHost         StickyMode = "xhost"
	StickySessionModulo StickyMode = "session_modulo"
	StickyCookie        StickyMode = "cookie"
	StickyJVMRoute      StickyMode = "jvm_route"
)

// ZeroconfStickyMethod picks the hash-to-node function for Zeroconf-backed
// clusters, per spec.md section 4.5.
type ZeroconfStickyMethod string

const (
	ZeroconfConsistentHashing ZeroconfStickyMethod = "consistent_hashing"
	ZeroconfRendezvousHashing ZeroconfStickyMethod = "rendezvous_hashing"
	ZeroconfCache             ZeroconfStickyMethod = "cache"
)

// StickyKey is the outcome of evaluating a Cluster's sticky policy against
// one request: either an opaque hash (most modes), an explicit node index
// (COOKIE/SESSION_MODULO), or a JVM route label, per spec.md section 4.5.
type StickyKey struct {
	Hash     uint64
	Index    int
	JVMRoute string
	HasIndex bool
	HasRoute bool
}

// Fallback is the static response a Cluster falls back to when forwarding
// to the selected member fails, per spec.md section 4.6. Other members are
// not tried first.
type Fallback struct {
	Location string
	Message  string
	Status   int
}

func (f *Fallback) IsSet() bool { return f != nil && f.Status != 0 }

// Member is one backend in a Cluster: a dialable address plus the JVM route
// label used by StickyJVMRoute.
type Member struct {
	Address   Address
	JVMRoute  string
	Zeroconf  bool
}

// Cluster is a named set of backend members sharing a sticky policy, per
// spec.md section 3 and section 4.5. Members is immutable once Validate has
// run for a statically-configured cluster; a Zeroconf- or DNS-backed
// cluster instead has its Members replaced wholesale by the discovery
// service as membership changes, guarded by membersMu so request-handling
// goroutines never observe a torn read. Cluster is always shared by
// pointer — it must never be copied by value once constructed.
type Cluster struct {
	Fallback          *Fallback
	Name              string
	Monitor           string
	Members           []Member
	Sticky            StickyMode
	ZeroconfSticky    ZeroconfStickyMethod
	Protocol          Protocol
	HTTPHost          string
	FairScheduling    bool
	HSTS              bool
	TLSRequired       bool
	TransparentSource bool
	MangleVia         bool

	membersMu sync.RWMutex
}

// Validate enforces the invariants from spec.md section 3: a cluster
// requiring a port must have one, either globally or per-member, and a
// single-member cluster cannot be sticky (there is nothing to stick to).
func (c *Cluster) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("cluster %q: no members configured", c.Name)
	}
	if c.Protocol == ProtocolHTTP || c.Protocol == ProtocolTCP {
		for _, m := range c.Members {
			if m.Address.Port == 0 {
				return fmt.Errorf("cluster %q: member %s has no port", c.Name, m.Address)
			}
		}
	}
	if len(c.Members) == 1 {
		c.Sticky = StickyNone
	}
	return nil
}

// MembersSnapshot returns a copy of the current member list, safe to read
// concurrently with SetMembers.
func (c *Cluster) MembersSnapshot() []Member {
	c.membersMu.RLock()
	defer c.membersMu.RUnlock()
	out := make([]Member, len(c.Members))
	copy(out, c.Members)
	return out
}

// SetMembers replaces the member list wholesale, the operation a discovery
// service performs after re-resolving a cluster's DNS names or Zeroconf
// registrations.
func (c *Cluster) SetMembers(members []Member) {
	c.membersMu.Lock()
	c.Members = members
	c.membersMu.Unlock()
}

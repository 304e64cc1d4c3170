// Package discovery implements the DiscoveryService port from spec.md's
// GLOSSARY "Zeroconf" entry: something that refreshes a Cluster's member
// list from a source other than the static config file.
//
// Avahi/mDNS resolution itself has no grounded library anywhere in the
// retrieval pack (no Go mDNS/DNS-SD client ships alongside the teacher or
// any other example repo), so real dynamic Zeroconf discovery is treated
// the same way spec.md treats Lua handlers and translation handlers: an
// external collaborator this core references (domain.Cluster.Zeroconf,
// the GotoZeroconfDiscovery terminal) but does not implement. What this
// package does implement is the other half of ports.DiscoveryService: a
// periodic re-resolver for clusters whose members are DNS names rather
// than fixed addresses, grounded on the teacher's
// StaticEndpointRepository polling loop.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/pkg/eventbus"
)

// Resolver turns a DNS name into zero or more addresses, the seam
// net.DefaultResolver.LookupHost plugs into in production and a fake
// plugs into in tests.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// Source is one cluster definition whose members are re-resolved on every
// Refresh: a name to re-resolve per member, the port to pair it with, and
// the otherwise-static Cluster fields (sticky policy, protocol, fallback)
// to carry forward unchanged.
type Source struct {
	Cluster  *domain.Cluster
	HostPort []HostPort
}

// HostPort is one DNS name + port pair to re-resolve into a domain.Member.
type HostPort struct {
	Host string
	Port uint16
}

var _ ports.DiscoveryService = (*Service)(nil)

// Service periodically re-resolves a fixed set of Sources and updates each
// Source's Cluster in place via domain.Cluster.SetMembers, grounded on the
// teacher's StaticEndpointRepository (poll-refresh-store loop) generalized
// from a flat endpoint map to per-cluster member lists. Updating in place
// (rather than building disconnected Cluster copies) is what lets a
// refresh actually reach the routing graph a Listener's Goto tree already
// points into, since internal/config.Build resolves each pool name to one
// shared *domain.Cluster before Sources are ever constructed.
type Service struct {
	resolver Resolver
	sources  []Source
	interval time.Duration
	log      *logger.StyledLogger
	bus      *eventbus.EventBus[string]

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewService(resolver Resolver, sources []Source, interval time.Duration, log *logger.StyledLogger) *Service {
	return &Service{
		resolver: resolver,
		sources:  sources,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetEventBus wires an optional notification channel: every refresh that
// changes a Source's members publishes that cluster's name, so a
// health.Monitor (which otherwise only enumerates members once, at Start)
// can Rescan and pick up newly discovered or withdrawn members. Nil-safe;
// a Service with no bus set just skips the publish.
func (s *Service) SetEventBus(bus *eventbus.EventBus[string]) {
	s.bus = bus
}

// Start runs an initial resolution synchronously so the first Clusters call
// already has data, then refreshes on interval until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.refresh(ctx)
	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	for _, src := range s.sources {
		members := make([]domain.Member, 0, len(src.HostPort))
		for _, hp := range src.HostPort {
			addrs, err := s.resolver.LookupHost(ctx, hp.Host)
			if err != nil {
				s.log.Warn("discovery: lookup failed", "host", hp.Host, "error", err)
				continue
			}
			for _, a := range addrs {
				addr, err := domain.ParseAddress(a + ":0")
				if err != nil {
					continue
				}
				members = append(members, domain.Member{Address: addr.WithPort(hp.Port)})
			}
		}
		if len(members) == 0 {
			s.log.Warn("discovery: no addresses resolved, keeping previous members", "cluster", src.Cluster.Name)
			continue
		}
		src.Cluster.SetMembers(members)
		if s.bus != nil {
			s.bus.Publish(src.Cluster.Name)
		}
	}
}

// Stop ends the refresh loop; Clusters keeps returning the last resolution.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

// Clusters returns the Sources' Cluster pointers, each already carrying its
// most recently resolved Members (read via MembersSnapshot, since refresh
// may be concurrently replacing them).
func (s *Service) Clusters(ctx context.Context) ([]*domain.Cluster, error) {
	out := make([]*domain.Cluster, len(s.sources))
	for i, src := range s.sources {
		out[i] = src.Cluster
	}
	return out, nil
}

package balancer

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
)

// roundRobinCursor advances a StickyNone cluster's starting index on every
// call so concurrent requests spread across members instead of all landing
// on index 0.
var roundRobinCursor uint64

// Selector implements ports.ClusterSelector: it picks a starting member from
// a Cluster's sticky policy, then scans forward for the first member whose
// FailureManager status is still routable, per spec.md section 4.5 ("Member
// selection"). One Selector serves every Cluster; it carries no per-cluster
// state of its own, so Zeroconf's CONSISTENT_HASHING and RENDEZVOUS_HASHING
// sub-methods are computed straight from the member list on every call
// rather than from a cached ring.
type Selector struct{}

var _ ports.ClusterSelector = (*Selector)(nil)

func NewSelector() *Selector { return &Selector{} }

func (s *Selector) Name() string { return "sticky" }

// Select resolves sticky to a starting index, then walks forward at most
// len(cluster.Members) steps looking for a routable member. If every member
// has failed, it returns the original sticky-picked index anyway: per
// spec.md section 4.5, a fully down cluster still dispatches somewhere so
// that 502s carry a real backend error rather than none at all.
func (s *Selector) Select(ctx context.Context, cluster *domain.Cluster, sticky domain.StickyKey, failures ports.FailureManager) (domain.Member, error) {
	members := cluster.MembersSnapshot()
	if len(members) == 0 {
		return domain.Member{}, fmt.Errorf("cluster %q has no members", cluster.Name)
	}

	start := s.startIndex(cluster, sticky, members)

	if failures == nil {
		return members[start], nil
	}

	for i := 0; i < len(members); i++ {
		idx := (start + i) % len(members)
		if failures.Get(members[idx].Address).IsRoutable() {
			return members[idx], nil
		}
	}
	return members[start], nil
}

func (s *Selector) startIndex(cluster *domain.Cluster, sticky domain.StickyKey, members []domain.Member) int {
	switch cluster.Sticky {
	case domain.StickyFailover:
		return 0

	case domain.StickyJVMRoute:
		if sticky.HasRoute {
			for i, m := range members {
				if m.JVMRoute == sticky.JVMRoute {
					return i
				}
			}
		}
		return 0

	case domain.StickySessionModulo, domain.StickyCookie:
		if sticky.HasIndex {
			return ((sticky.Index % len(members)) + len(members)) % len(members)
		}
		return 0

	case domain.StickySourceIP, domain.StickyHost, domain.StickyXHost:
		if cluster.ZeroconfSticky != "" {
			return zeroconfIndex(cluster, sticky.Hash, members)
		}
		return int(sticky.Hash % uint64(len(members)))

	default: // StickyNone
		n := atomic.AddUint64(&roundRobinCursor, 1)
		return int(n % uint64(len(members)))
	}
}

// zeroconfIndex dispatches to the hash-to-node function named by
// cluster.ZeroconfSticky, per spec.md section 4.5's Zeroconf rows.
func zeroconfIndex(cluster *domain.Cluster, hash uint64, members []domain.Member) int {
	switch cluster.ZeroconfSticky {
	case domain.ZeroconfRendezvousHashing:
		return rendezvousIndex(hash, members)
	case domain.ZeroconfConsistentHashing, domain.ZeroconfCache:
		return consistentIndex(hash, members)
	default:
		return int(hash % uint64(len(members)))
	}
}

// rendezvousIndex implements highest-random-weight hashing: the member whose
// combined hash(memberKey, requestHash) is largest wins, so adding or
// removing one member only reshuffles that member's share of the keyspace.
func rendezvousIndex(hash uint64, members []domain.Member) int {
	best := 0
	var bestScore uint64
	for i, m := range members {
		score := FNV1a64(m.Address.Key()) ^ hash
		if i == 0 || score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

// consistentIndex places members on a hash ring and returns the first one at
// or after hash, wrapping around, which is the classic consistent-hashing
// rule used for CACHE sticky (stable cache-node assignment across reloads).
func consistentIndex(hash uint64, members []domain.Member) int {
	type ringEntry struct {
		hash uint64
		idx  int
	}
	ring := make([]ringEntry, len(members))
	for i, m := range members {
		ring[i] = ringEntry{hash: FNV1a64(m.Address.Key()), idx: i}
	}
	sort.Slice(ring, func(a, b int) bool { return ring[a].hash < ring[b].hash })

	for _, e := range ring {
		if e.hash >= hash {
			return e.idx
		}
	}
	return ring[0].idx
}

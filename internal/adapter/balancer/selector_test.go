package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cm4all/golb/internal/core/domain"
)

type fakeFailures struct {
	down map[string]domain.FailureStatus
}

func (f *fakeFailures) Get(addr domain.Address) domain.FailureStatus {
	return f.down[addr.Key()]
}
func (f *fakeFailures) Set(addr domain.Address, status domain.FailureStatus, d time.Duration) {
	if f.down == nil {
		f.down = map[string]domain.FailureStatus{}
	}
	f.down[addr.Key()] = status
}
func (f *fakeFailures) Unset(addr domain.Address, status domain.FailureStatus) { delete(f.down, addr.Key()) }
func (f *fakeFailures) UnsetAll(addr domain.Address)                          { delete(f.down, addr.Key()) }

func testCluster(sticky domain.StickyMode, n int) *domain.Cluster {
	members := make([]domain.Member, n)
	for i := 0; i < n; i++ {
		members[i] = domain.Member{Address: domain.NewAddress(netip.MustParseAddr("127.0.0.1"), uint16(8000+i))}
	}
	return &domain.Cluster{Name: "c", Protocol: domain.ProtocolHTTP, Sticky: sticky, Members: members}
}

// TestSelector_HostStickyIsConsistent exercises testable property 6: the
// same Host header always maps to the same member while it stays healthy.
func TestSelector_HostStickyIsConsistent(t *testing.T) {
	cluster := testCluster(domain.StickyHost, 5)
	sel := NewSelector()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "www.example.com"
	key := ComputeStickyKey(cluster, req)

	first, err := sel.Select(context.Background(), cluster, key, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		got, err := sel.Select(context.Background(), cluster, key, nil)
		require.NoError(t, err)
		require.Equal(t, first.Address, got.Address, "sticky host selection drifted")
	}
}

// TestSelector_SkipsFailedMembers confirms the failure-aware forward scan:
// a sticky pick whose member is down advances to the next routable one.
func TestSelector_SkipsFailedMembers(t *testing.T) {
	cluster := testCluster(domain.StickyHost, 3)
	sel := NewSelector()
	fail := &fakeFailures{}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "pinned.example.com"
	key := ComputeStickyKey(cluster, req)

	picked, err := sel.Select(context.Background(), cluster, key, fail)
	require.NoError(t, err)
	fail.Set(picked.Address, domain.FailureConnect, time.Minute)

	next, err := sel.Select(context.Background(), cluster, key, fail)
	require.NoError(t, err)
	require.NotEqual(t, picked.Address, next.Address, "expected selector to skip the now-failed member")
	require.True(t, fail.Get(next.Address).IsRoutable(), "selector returned a non-routable member while alternatives existed")
}

// TestSelector_AllFailedFallsBackToOriginal covers the "every member down"
// edge case from spec.md section 4.5: the original sticky pick is returned
// anyway rather than an error, so the caller gets a real backend to fail
// against.
func TestSelector_AllFailedFallsBackToOriginal(t *testing.T) {
	cluster := testCluster(domain.StickyNone, 3)
	sel := NewSelector()
	fail := &fakeFailures{}
	for _, m := range cluster.Members {
		fail.Set(m.Address, domain.FailureProtocol, time.Minute)
	}

	got, err := sel.Select(context.Background(), cluster, domain.StickyKey{}, fail)
	require.NoError(t, err, "expected a member even when all failed")
	found := false
	for _, m := range cluster.Members {
		if m.Address == got.Address {
			found = true
		}
	}
	require.True(t, found, "fallback member not part of the cluster")
}

func TestSelector_NoMembersIsError(t *testing.T) {
	sel := NewSelector()
	cluster := &domain.Cluster{Name: "empty"}
	_, err := sel.Select(context.Background(), cluster, domain.StickyKey{}, nil)
	require.Error(t, err, "expected error for empty cluster")
}

// TestGenerateCookie_StableAcrossDecode exercises testable property 5: a
// cookie value round-trips through parseNodeCookie to the same member index
// it was generated for.
func TestGenerateCookie_StableAcrossDecode(t *testing.T) {
	cluster := testCluster(domain.StickyCookie, 4)
	value, picked, ok := GenerateCookie(cluster, nil)
	require.True(t, ok, "expected GenerateCookie to succeed")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "beng_lb_node", Value: value})
	key := ComputeStickyKey(cluster, req)
	require.True(t, key.HasIndex, "expected cookie %q to decode to an index", value)

	sel := NewSelector()
	got, err := sel.Select(context.Background(), cluster, key, nil)
	require.NoError(t, err)
	require.Equal(t, picked.Address, got.Address, "round-tripped cookie selected a different member")
}

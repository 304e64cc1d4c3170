package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cm4all/golb/internal/adapter/balancer"
	"github.com/cm4all/golb/internal/adapter/health"
	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.Default())
}

func oneMemberCluster(t *testing.T, backendAddr string) *domain.Cluster {
	t.Helper()
	addr, err := domain.ParseAddress(backendAddr)
	require.NoErrorf(t, err, "ParseAddress(%q)", backendAddr)
	return &domain.Cluster{
		Name:     "test",
		Members:  []domain.Member{{Address: addr}},
		Sticky:   domain.StickyNone,
		Protocol: domain.ProtocolHTTP,
	}
}

func TestForwarder_ServeCluster_RoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	cluster := oneMemberCluster(t, backend.Listener.Addr().String())
	failures := health.NewFailureManager()
	fwd := NewForwarder(balancer.NewSelector(), failures, DefaultConfiguration(), testLogger())

	r := httptest.NewRequest(http.MethodGet, "/path", nil)
	w := httptest.NewRecorder()

	fwd.ServeCluster(context.Background(), cluster, w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello from backend", w.Body.String())
	require.Equal(t, "yes", w.Header().Get("X-Upstream"))
	total, success, failed := fwd.Stats()
	require.Equal(t, int64(1), total)
	require.Equal(t, int64(1), success)
	require.Equal(t, int64(0), failed)
}

func TestForwarder_ServeCluster_FallbackOnConnectError(t *testing.T) {
	addr, _ := domain.ParseAddress("127.0.0.1:1")
	cluster := &domain.Cluster{
		Name:     "down",
		Members:  []domain.Member{{Address: addr}},
		Sticky:   domain.StickyNone,
		Protocol: domain.ProtocolHTTP,
		Fallback: &domain.Fallback{Status: http.StatusServiceUnavailable, Message: "down for maintenance"},
	}
	failures := health.NewFailureManager()
	fwd := NewForwarder(balancer.NewSelector(), failures, DefaultConfiguration(), testLogger())

	r := httptest.NewRequest(http.MethodGet, "/path", nil)
	w := httptest.NewRecorder()

	fwd.ServeCluster(context.Background(), cluster, w, r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "down for maintenance", w.Body.String())
	require.Equal(t, domain.FailureConnect, failures.Get(addr))
}

func TestForwarder_ServeCluster_MarksProtocolFailureOn5xx(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	cluster := oneMemberCluster(t, backend.Listener.Addr().String())
	failures := health.NewFailureManager()
	fwd := NewForwarder(balancer.NewSelector(), failures, DefaultConfiguration(), testLogger())

	r := httptest.NewRequest(http.MethodGet, "/path", nil)
	w := httptest.NewRecorder()
	fwd.ServeCluster(context.Background(), cluster, w, r)

	require.Equal(t, domain.FailureProtocol, failures.Get(cluster.Members[0].Address))
}

// TestForwarder_StickyCookie_OnlySetWhenAbsent exercises spec.md section
// 4.5/4.7: a sticky-cookie cluster only generates and emits a new
// beng_lb_node cookie when the request carried none (or an invalid one);
// a request already pinned to a node must not be reassigned.
func TestForwarder_StickyCookie_OnlySetWhenAbsent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	addr, err := domain.ParseAddress(backend.Listener.Addr().String())
	require.NoError(t, err)
	cluster := &domain.Cluster{
		Name:     "sticky",
		Members:  []domain.Member{{Address: addr}},
		Sticky:   domain.StickyCookie,
		Protocol: domain.ProtocolHTTP,
	}
	failures := health.NewFailureManager()
	fwd := NewForwarder(balancer.NewSelector(), failures, DefaultConfiguration(), testLogger())

	r := httptest.NewRequest(http.MethodGet, "/path", nil)
	w := httptest.NewRecorder()
	fwd.ServeCluster(context.Background(), cluster, w, r)
	require.NotEmpty(t, w.Result().Cookies(), "expected a cookie to be generated when the request had none")

	pinned := httptest.NewRequest(http.MethodGet, "/path", nil)
	pinned.AddCookie(&http.Cookie{Name: constants.StickyCookieName, Value: "0-0"})
	w2 := httptest.NewRecorder()
	fwd.ServeCluster(context.Background(), cluster, w2, pinned)
	require.Empty(t, w2.Result().Cookies(), "expected no cookie to be reissued when the request already carried one")
}

func TestMangleHeaders_StripsHopByHopAndAddsForwarded(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.test/x", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("X-Custom", "value")

	proxyReq, err := http.NewRequest(http.MethodGet, "http://backend/x", nil)
	require.NoError(t, err)
	cluster := &domain.Cluster{MangleVia: false}
	mangleHeaders(proxyReq, r, cluster)

	require.Empty(t, proxyReq.Header.Get("Connection"), "Connection header should be stripped")
	require.Equal(t, "value", proxyReq.Header.Get("X-Custom"), "custom header should be preserved")
	require.Equal(t, "10.0.0.5", proxyReq.Header.Get("X-Forwarded-For"))
	require.NotEmpty(t, proxyReq.Header.Get("Via"), "Via header should be set by default (MangleVia false)")
}

func TestMangleHeaders_MangleViaSuppressesVia(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.test/x", nil)
	r.RemoteAddr = "10.0.0.5:1234"

	proxyReq, err := http.NewRequest(http.MethodGet, "http://backend/x", nil)
	require.NoError(t, err)
	cluster := &domain.Cluster{MangleVia: true}
	mangleHeaders(proxyReq, r, cluster)

	require.Empty(t, proxyReq.Header.Get("Via"), "Via header should be suppressed when MangleVia is true")
}

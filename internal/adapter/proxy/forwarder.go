// Package proxy implements the HTTP forwarding and TCP relay dispatchers
// from spec.md section 4.8: once routing has resolved a request to a
// Cluster, Forwarder picks a member, rewrites the request the way an
// RFC 7230-compliant intermediary must, and relays the response back.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cm4all/golb/internal/adapter/balancer"
	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/version"
	"github.com/cm4all/golb/pkg/pool"
)

// streamBuffer is the type pooled by Forwarder.bufPool: pool.Pool needs a
// concrete (ideally pointer) type rather than a bare []byte, so Get/Put
// don't box a slice header into an interface on every call.
type streamBuffer struct {
	data []byte
}

func (b *streamBuffer) Reset() {}

// Configuration holds the tunables a Forwarder needs beyond the Cluster
// it is dispatching into, grounded on the teacher's proxy.Configuration
// shape but trimmed to what a generic reverse proxy (as opposed to an
// LLM-streaming one) actually uses.
type Configuration struct {
	ConnectionTimeout   time.Duration
	ConnectionKeepAlive time.Duration
	ResponseTimeout     time.Duration
	StreamBufferSize    int
	MaxIdleConns        int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		ConnectionTimeout:   10 * time.Second,
		ConnectionKeepAlive: 60 * time.Second,
		ResponseTimeout:     60 * time.Second,
		StreamBufferSize:    32 * 1024,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Forwarder dispatches one HTTP request into a Cluster: select a member,
// build the upstream request, relay the response, and feed the outcome
// back into the FailureManager per spec.md section 4.4.
type Forwarder struct {
	selector  ports.ClusterSelector
	failures  ports.FailureManager
	transport *http.Transport
	config    *Configuration
	log       *logger.StyledLogger
	recorder  ports.StatsCollector
	bufPool   *pool.Pool[*streamBuffer]

	stats forwarderStats
}

type forwarderStats struct {
	total   int64
	success int64
	failed  int64
}

func NewForwarder(selector ports.ClusterSelector, failures ports.FailureManager, config *Configuration, log *logger.StyledLogger) *Forwarder {
	if config == nil {
		config = DefaultConfiguration()
	}
	bufferSize := config.StreamBufferSize
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &Forwarder{
		selector: selector,
		failures: failures,
		config:   config,
		log:      log,
		bufPool: pool.NewLitePool(func() *streamBuffer {
			return &streamBuffer{data: make([]byte, bufferSize)}
		}),
		transport: &http.Transport{
			MaxIdleConns:        config.MaxIdleConns,
			IdleConnTimeout:     config.IdleConnTimeout,
			TLSHandshakeTimeout: config.TLSHandshakeTimeout,
			DialContext: (&net.Dialer{
				Timeout:   config.ConnectionTimeout,
				KeepAlive: config.ConnectionKeepAlive,
			}).DialContext,
		},
	}
}

// ServeCluster forwards r into cluster, writing the upstream (or fallback)
// response to w. It never returns an error to the caller: every failure
// mode short-circuits into either the Cluster's Fallback or a 502/503
// written directly to w, since by this point in the dispatch pipeline
// there is no further handler to delegate to.
func (f *Forwarder) ServeCluster(ctx context.Context, cluster *domain.Cluster, w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&f.stats.total, 1)

	sticky := balancer.ComputeStickyKey(cluster, r)
	member, err := f.selector.Select(ctx, cluster, sticky, f.failures)
	if err != nil {
		atomic.AddInt64(&f.stats.failed, 1)
		f.log.Debug("no member available", "cluster", cluster.Name, "error", err)
		f.writeFallback(cluster, w, http.StatusServiceUnavailable)
		return
	}

	statsKey := cluster.Name + "/" + member.Address.String()
	if f.recorder != nil {
		f.recorder.RecordConnection(statsKey, 1)
		defer f.recorder.RecordConnection(statsKey, -1)
	}
	start := time.Now()

	targetURL := &url.URL{
		Scheme:   "http",
		Host:     member.Address.String(),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	upstreamCtx := ctx
	var cancel context.CancelFunc
	if f.config.ResponseTimeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(ctx, f.config.ResponseTimeout)
		defer cancel()
	}

	proxyReq, err := http.NewRequestWithContext(upstreamCtx, r.Method, targetURL.String(), r.Body)
	if err != nil {
		atomic.AddInt64(&f.stats.failed, 1)
		f.log.Error("failed to build upstream request", "cluster", cluster.Name, "error", err)
		f.writeFallback(cluster, w, http.StatusBadGateway)
		return
	}
	mangleHeaders(proxyReq, r, cluster)

	resp, err := f.transport.RoundTrip(proxyReq)
	if err != nil {
		f.failures.Set(member.Address, domain.FailureConnect, constants.FailureExpiryConnect)
		atomic.AddInt64(&f.stats.failed, 1)
		f.log.Warn("upstream connect failed", "cluster", cluster.Name, "member", member.Address, "error", err)
		f.writeFallback(cluster, w, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		f.failures.Set(member.Address, domain.FailureProtocol, constants.FailureExpiryProtocol)
	} else {
		f.failures.Unset(member.Address, domain.FailureConnect)
		f.failures.Unset(member.Address, domain.FailureProtocol)
	}

	copyResponseHeader(w.Header(), resp.Header)
	if cluster.Sticky == domain.StickyCookie && !sticky.HasIndex {
		if value, _, ok := balancer.GenerateCookie(cluster, f.failures); ok {
			http.SetCookie(w, &http.Cookie{Name: constants.StickyCookieName, Value: value, Path: "/"})
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := f.stream(ctx, w, resp.Body); err != nil {
		f.log.Debug("response streaming ended early", "cluster", cluster.Name, "member", member.Address, "error", err)
		atomic.AddInt64(&f.stats.failed, 1)
		return
	}
	atomic.AddInt64(&f.stats.success, 1)
	if f.recorder != nil {
		f.recorder.RecordLatency(statsKey, time.Since(start))
	}
}

// stream copies body to w in StreamBufferSize chunks, flushing after every
// write so a streaming backend response (SSE, chunked) reaches the client
// incrementally rather than only once fully buffered.
func (f *Forwarder) stream(ctx context.Context, w http.ResponseWriter, body io.Reader) (int64, error) {
	sb := f.bufPool.Get()
	defer f.bufPool.Put(sb)
	buf := sb.data
	flusher, canFlush := w.(http.Flusher)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func (f *Forwarder) writeFallback(cluster *domain.Cluster, w http.ResponseWriter, defaultStatus int) {
	if cluster.Fallback.IsSet() {
		fb := cluster.Fallback
		if fb.Location != "" {
			w.Header().Set("Location", fb.Location)
			w.WriteHeader(fb.Status)
			return
		}
		w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeText)
		w.WriteHeader(fb.Status)
		_, _ = io.WriteString(w, fb.Message)
		return
	}
	http.Error(w, http.StatusText(defaultStatus), defaultStatus)
}

func (f *Forwarder) Stats() (total, success, failed int64) {
	return atomic.LoadInt64(&f.stats.total), atomic.LoadInt64(&f.stats.success), atomic.LoadInt64(&f.stats.failed)
}

// SetStatsCollector wires an external collaborator (per spec.md section 1)
// to receive per-member connection and latency counters. A nil/unset
// recorder (the default) makes this a no-op, since not every deployment
// runs a metrics backend.
func (f *Forwarder) SetStatsCollector(recorder ports.StatsCollector) {
	f.recorder = recorder
}

// mangleHeaders rewrites proxyReq's headers from r the way spec.md section
// 4.7 step 5 requires of the forwarding path: hop-by-hop headers dropped
// (RFC 7230 section 6.1), X-Forwarded-* appended rather than overwritten,
// Via added unless the Cluster opts out (cluster.MangleVia), and the TLS
// peer certificate subject forwarded when the client connection is TLS.
func mangleHeaders(proxyReq, r *http.Request, cluster *domain.Cluster) {
	proxyReq.Header = make(http.Header, len(r.Header))
	for header, values := range r.Header {
		if isHopByHopHeader(header) {
			continue
		}
		proxyReq.Header[header] = values
	}

	if cluster.HTTPHost != "" {
		proxyReq.Host = cluster.HTTPHost
	} else {
		proxyReq.Host = r.Host
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
		if len(r.TLS.PeerCertificates) > 0 {
			proxyReq.Header.Set(constants.PeerSubjectHeader, r.TLS.PeerCertificates[0].Subject.String())
		}
	}
	if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
		if ip := clientIP(r); ip != "" {
			proxyReq.Header.Set("X-Forwarded-For", existing+", "+ip)
		}
	} else if ip := clientIP(r); ip != "" {
		proxyReq.Header.Set("X-Forwarded-For", ip)
	}
	proxyReq.Header.Set("X-Forwarded-Proto", proto)
	if r.Host != "" {
		proxyReq.Header.Set("X-Forwarded-Host", r.Host)
	}

	if !cluster.MangleVia {
		via := fmt.Sprintf("1.1 %s", version.ShortName)
		if existing := r.Header.Get("Via"); existing != "" {
			proxyReq.Header.Set("Via", existing+", "+via)
		} else {
			proxyReq.Header.Set("Via", via)
		}
	}
	proxyReq.Header.Set("X-Proxied-By", fmt.Sprintf("%s/%s", version.Name, version.Version))
}

func copyResponseHeader(dst, src http.Header) {
	for header, values := range src {
		if isHopByHopHeader(header) {
			continue
		}
		dst[header] = values
	}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
}

func isHopByHopHeader(header string) bool {
	return slices.ContainsFunc(hopByHopHeaders, func(h string) bool {
		return strings.EqualFold(h, header)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

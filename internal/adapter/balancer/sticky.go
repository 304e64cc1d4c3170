// Package balancer implements Cluster member selection: sticky-hash
// computation and failure-aware scanning, per spec.md section 4.5.
package balancer

import (
	"hash/fnv"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
)

// FNV1a64 hashes s with the 64-bit FNV-1a algorithm, used throughout
// spec.md section 4.5 and 4.7 for sticky and fairness hashing.
func FNV1a64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// ComputeStickyKey extracts the sticky-hash source named by cluster.Sticky
// from the request, per the table in spec.md section 4.5.
func ComputeStickyKey(cluster *domain.Cluster, r *http.Request) domain.StickyKey {
	switch cluster.Sticky {
	case domain.StickySourceIP:
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return domain.StickyKey{Hash: FNV1a64(host)}

	case domain.StickyHost:
		return domain.StickyKey{Hash: FNV1a64(canonicalHost(r.Host))}

	case domain.StickyXHost:
		h := r.Header.Get("X-CM4all-Host")
		if h == "" {
			h = canonicalHost(r.Host)
		}
		return domain.StickyKey{Hash: FNV1a64(h)}

	case domain.StickySessionModulo:
		id := sessionCookieValue(r)
		if idx, ok := trailingInt(id); ok {
			return domain.StickyKey{Index: idx, HasIndex: true}
		}
		return domain.StickyKey{}

	case domain.StickyCookie:
		if c, err := r.Cookie(constants.StickyCookieName); err == nil {
			if _, m, ok := parseNodeCookie(c.Value); ok {
				return domain.StickyKey{Index: m, HasIndex: true}
			}
		}
		return domain.StickyKey{}

	case domain.StickyJVMRoute:
		id := sessionCookieValue(r)
		if route, ok := jvmRouteSuffix(id); ok {
			return domain.StickyKey{JVMRoute: route, HasRoute: true}
		}
		return domain.StickyKey{}

	default:
		return domain.StickyKey{}
	}
}

func canonicalHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

// sessionCookieValue looks up JSESSIONID, the conventional Java session
// cookie name used by both SESSION_MODULO and JVM_ROUTE sticky modes.
func sessionCookieValue(r *http.Request) string {
	if c, err := r.Cookie("JSESSIONID"); err == nil {
		return c.Value
	}
	return ""
}

// trailingInt parses a trailing integer suffix off a session id, e.g.
// "ABC123.4" -> 4 or "ABC1234" -> 1234, per spec.md section 4.5's SESSION_MODULO row.
func trailingInt(id string) (int, bool) {
	if id == "" {
		return 0, false
	}
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return 0, false
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// jvmRouteSuffix extracts "<route>" from "JSESSIONID.<route>", per spec.md
// section 4.5's JVM_ROUTE row.
func jvmRouteSuffix(id string) (string, bool) {
	i := strings.LastIndexByte(id, '.')
	if i < 0 || i == len(id)-1 {
		return "", false
	}
	return id[i+1:], true
}

// parseNodeCookie parses "beng_lb_node=N-M" per spec.md section 4.5's
// COOKIE row, returning the generation N and member index M.
func parseNodeCookie(value string) (n, m int, ok bool) {
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	n, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return n, m, true
}

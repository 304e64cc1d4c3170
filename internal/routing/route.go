// Package routing implements the Goto/Branch/Condition decision tree from
// spec.md section 4.6: a pure function from (Goto, request attributes) to
// the terminal Goto that should handle the request, with no side effects
// and no I/O, so it can be exercised directly without a live connection.
package routing

import (
	"net"
	"net/http"

	"github.com/cm4all/golb/internal/core/domain"
)

// Request is the subset of an inbound request's attributes a Condition can
// test, extracted once up front so evaluation never touches the network.
type Request struct {
	Method            string
	URI               string
	RemoteAddr        string
	PeerSubject       string
	PeerIssuerSubject string
	Header            http.Header
}

// FromHTTP builds a Request from a live *http.Request plus its TLS peer
// certificate, if any (peer_subject/peer_issuer_subject are only
// meaningful for mTLS-verified listeners per spec.md section 4.6).
func FromHTTP(r *http.Request) Request {
	req := Request{
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cert := r.TLS.PeerCertificates[0]
		req.PeerSubject = cert.Subject.String()
		req.PeerIssuerSubject = cert.Issuer.String()
	}
	return req
}

// FindRequestLeaf walks g, recursing into Branches, and returns the first
// terminal Goto the request matches, per spec.md section 4.6: each Branch is
// evaluated case by case in order, the first matching Condition wins, and a
// Branch with no matching case falls through to its mandatory Fallback.
// depth guards against a misconfigured Branch cycle.
func FindRequestLeaf(g *domain.Goto, req Request) *domain.Goto {
	return findLeaf(g, req, 0)
}

const maxBranchDepth = 16

func findLeaf(g *domain.Goto, req Request, depth int) *domain.Goto {
	if !g.IsDefined() {
		return nil
	}
	if g.Kind != domain.GotoBranch {
		return g
	}
	if depth >= maxBranchDepth {
		return g.Branch.Fallback
	}

	for _, c := range g.Branch.Cases {
		if evaluate(c.Condition, req) {
			return findLeaf(c.Goto, req, depth+1)
		}
	}
	return findLeaf(g.Branch.Fallback, req, depth+1)
}

// evaluate reports whether req satisfies cond, honouring cond.Negate.
func evaluate(cond domain.Condition, req Request) bool {
	result := evaluateMatcher(cond, req)
	if cond.Negate {
		return !result
	}
	return result
}

func evaluateMatcher(cond domain.Condition, req Request) bool {
	value, ok := attributeValue(cond, req)
	if !ok {
		return false
	}

	switch cond.Matcher.Kind {
	case domain.MatchEquals:
		return value == cond.Matcher.Value

	case domain.MatchRegex:
		if cond.Matcher.Regex == nil {
			return false
		}
		return cond.Matcher.Regex.MatchString(value)

	case domain.MatchAddressMask:
		return matchAddressMask(value, cond.Matcher.Mask)

	default:
		return false
	}
}

func attributeValue(cond domain.Condition, req Request) (string, bool) {
	switch cond.Attribute {
	case domain.AttrMethod:
		return req.Method, true
	case domain.AttrURI:
		return req.URI, true
	case domain.AttrRemoteAddress:
		return req.RemoteAddr, true
	case domain.AttrPeerSubject:
		return req.PeerSubject, req.PeerSubject != ""
	case domain.AttrPeerIssuerSubject:
		return req.PeerIssuerSubject, req.PeerIssuerSubject != ""
	case domain.AttrHeader:
		v := req.Header.Get(cond.HeaderName)
		return v, v != ""
	default:
		return "", false
	}
}

func matchAddressMask(remoteAddr string, mask *domain.AddressMask) bool {
	if mask == nil {
		return false
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	_, network, err := net.ParseCIDR(mask.Network + "/" + itoa(mask.Bits))
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [3]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

package domain

import "regexp"

// Attribute is a request-derived value a Condition can test, per spec.md
// section 3.
type Attribute string

const (
	AttrMethod             Attribute = "method"
	AttrURI                Attribute = "uri"
	AttrRemoteAddress      Attribute = "remote_address"
	AttrPeerSubject        Attribute = "peer_subject"
	AttrPeerIssuerSubject  Attribute = "peer_issuer_subject"
	AttrHeader             Attribute = "header"
)

// MatcherKind is the comparison a Condition applies once it has extracted an
// attribute value.
type MatcherKind string

const (
	MatchEquals      MatcherKind = "equals"
	MatchRegex       MatcherKind = "regex"
	MatchAddressMask MatcherKind = "address_mask"
)

// Matcher is a single comparison rule. Kind selects the field in use: Value
// for MatchEquals, Regex for MatchRegex, Mask for MatchAddressMask.
type Matcher struct {
	Regex *regexp.Regexp
	Mask  *AddressMask
	Value string
	Kind  MatcherKind
}

// AddressMask is a CIDR-style network membership test, the only matcher kind
// legal for AttrRemoteAddress per spec.md section 4.6.
type AddressMask struct {
	Network string
	Bits    int
}

// Condition is (attribute, negate, matcher): attribute_ref of spec.md section
// 3. HeaderName is only meaningful when Attribute == AttrHeader.
type Condition struct {
	Attribute  Attribute
	HeaderName string
	Matcher    Matcher
	Negate     bool
}

// GotoKind tags which variant of the Goto union is populated, per spec.md
// section 3.
type GotoKind int

const (
	GotoUndefined GotoKind = iota
	GotoCluster
	GotoBranch
	GotoResponse
	GotoLuaHandler
	GotoTranslationHandler
	GotoPrometheusExporter
	GotoZeroconfDiscovery
)

// StaticResponse is the terminal "respond directly" Goto variant.
type StaticResponse struct {
	Location       string
	Message        string
	Status         int
	RedirectHTTPS  bool
}

// Goto is the tagged union described in spec.md section 3: a routing
// decision that is either terminal (cluster, static response, or an
// out-of-core handler reference) or an internal Branch to recurse into.
type Goto struct {
	Kind     GotoKind
	Cluster  *Cluster
	Branch   *Branch
	Response *StaticResponse
	// HandlerName carries the opaque name for Lua/translation/prometheus/
	// zeroconf terminal variants, which are external collaborators per
	// spec.md section 1 and are only referenced here, never executed.
	HandlerName string
}

func (g *Goto) IsDefined() bool { return g != nil && g.Kind != GotoUndefined }

// BranchCase is one (Condition, Goto) pair inside a Branch.
type BranchCase struct {
	Goto      *Goto
	Condition Condition
}

// Branch is a sequence of conditional destinations plus a mandatory
// fallback, per spec.md section 3. All destinations within one branch must
// share the same protocol; that invariant is checked by the config loader,
// not here, since it requires resolving Cluster protocols transitively.
type Branch struct {
	Name     string
	Cases    []BranchCase
	Fallback *Goto
}

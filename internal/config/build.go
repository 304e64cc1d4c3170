package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cm4all/golb/internal/adapter/health"
	"github.com/cm4all/golb/internal/control"
	"github.com/cm4all/golb/internal/core/domain"
)

// Result is the fully resolved form of Config: domain objects the rest of
// the program runs on, plus the collaborator wiring app.Instance needs.
// Build separates parsing (this package, no I/O) from running (internal/app
// and its adapters), mirroring the teacher's config/Load returning a plain
// struct that app.New then consumes.
type Result struct {
	Listeners     []*domain.Listener
	Clusters      map[string]*domain.Cluster
	MonitorConfig map[string]health.MonitorConfig // keyed by cluster name
	Resolver      control.NodeResolver
	ControlSocket string
	NodeStateFile string
}

// Build resolves every named reference in c (node addresses, pool members,
// branch destinations, listener roots) into the domain's linked Goto graph.
// It returns an error on the first unresolved reference, branch cycle, or
// branch whose destinations differ in protocol rather than partially
// succeeding.
func (c *Config) Build() (*Result, error) {
	nodes, err := c.buildNodes()
	if err != nil {
		return nil, err
	}

	clusters, err := c.buildClusters(nodes)
	if err != nil {
		return nil, err
	}

	b := &builder{cfg: c, clusters: clusters, branches: make(map[string]*domain.Goto), visiting: make(map[string]bool)}

	listeners := make([]*domain.Listener, 0, len(c.Listener))
	for name, lc := range c.Listener {
		l, err := b.buildListener(name, lc)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}

	monitorConfigs := c.buildMonitorConfigs(clusters)

	return &Result{
		Listeners:     listeners,
		Clusters:      clusters,
		MonitorConfig: monitorConfigs,
		Resolver:      nodeResolver(nodes),
		ControlSocket: c.Control.SocketPath,
		NodeStateFile: c.NodeStateFile,
	}, nil
}

func (c *Config) buildNodes() (map[string]domain.Address, error) {
	nodes := make(map[string]domain.Address, len(c.Node))
	for name, nc := range c.Node {
		addr, err := domain.ParseAddress(nc.Address)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		nodes[name] = addr
	}
	return nodes, nil
}

func nodeResolver(nodes map[string]domain.Address) control.NodeResolver {
	return func(name string) (domain.Address, bool) {
		addr, ok := nodes[name]
		return addr, ok
	}
}

// buildClusters resolves every Pool into a *domain.Cluster. Members are
// either a bare node name (the node's configured address) or "node:port"
// (the node's address with an overriding port), or a literal "host:port"
// for a backend that was never given a node name.
func (c *Config) buildClusters(nodes map[string]domain.Address) (map[string]*domain.Cluster, error) {
	clusters := make(map[string]*domain.Cluster, len(c.Pool))
	for name, pc := range c.Pool {
		cluster := &domain.Cluster{
			Name:              name,
			Sticky:            domain.StickyMode(orDefault(pc.Sticky, "none")),
			ZeroconfSticky:    domain.ZeroconfStickyMethod(orDefault(pc.ZeroconfSticky, "consistent_hashing")),
			Protocol:          domain.Protocol(orDefault(pc.Protocol, "http")),
			HTTPHost:          pc.HTTPHost,
			Monitor:           pc.Monitor,
			FairScheduling:    pc.FairScheduling,
			HSTS:              pc.HSTS,
			TLSRequired:       pc.TLSRequired,
			TransparentSource: pc.TransparentSource,
			MangleVia:         pc.MangleVia,
		}
		if pc.FallbackStatus != 0 {
			cluster.Fallback = &domain.Fallback{
				Status:   pc.FallbackStatus,
				Location: pc.FallbackLocation,
				Message:  pc.FallbackMessage,
			}
		}

		for _, ref := range pc.Members {
			member, err := resolveMember(ref, nodes)
			if err != nil {
				return nil, fmt.Errorf("pool %q: %w", name, err)
			}
			cluster.Members = append(cluster.Members, member)
		}

		if err := cluster.Validate(); err != nil {
			return nil, err
		}
		clusters[name] = cluster
	}
	return clusters, nil
}

func resolveMember(ref string, nodes map[string]domain.Address) (domain.Member, error) {
	name, port, hasPort := strings.Cut(ref, ":")
	if base, ok := nodes[name]; ok {
		if !hasPort {
			return domain.Member{Address: base}, nil
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return domain.Member{}, fmt.Errorf("member %q: bad port: %w", ref, err)
		}
		return domain.Member{Address: base.WithPort(uint16(p))}, nil
	}
	addr, err := domain.ParseAddress(ref)
	if err != nil {
		return domain.Member{}, fmt.Errorf("member %q: not a known node and not host:port: %w", ref, err)
	}
	return domain.Member{Address: addr}, nil
}

func (c *Config) buildMonitorConfigs(clusters map[string]*domain.Cluster) map[string]health.MonitorConfig {
	out := make(map[string]health.MonitorConfig)
	for name, cluster := range clusters {
		mc, ok := c.Monitor[cluster.Monitor]
		switch {
		case cluster.Monitor != "" && ok:
			out[name] = health.MonitorConfig{
				CheckInterval: mc.CheckInterval,
				CheckTimeout:  mc.CheckTimeout,
				FailureExpiry: mc.FailureExpiry,
				Workers:       mc.Workers,
			}
		case cluster.Monitor == "" && c.GlobalHTTPCheck.Enabled:
			out[name] = health.MonitorConfig{
				CheckInterval: c.GlobalHTTPCheck.CheckInterval,
				CheckTimeout:  c.GlobalHTTPCheck.CheckTimeout,
			}
		}
	}
	return out
}

// builder carries the state needed to resolve Goto references: it memoises
// resolved branches by name (a branch can be the destination of more than
// one case or listener) and tracks in-flight resolutions to reject cycles.
type builder struct {
	cfg      *Config
	clusters map[string]*domain.Cluster
	branches map[string]*domain.Goto
	visiting map[string]bool
}

func (b *builder) buildListener(name string, lc ListenerConfig) (*domain.Listener, error) {
	root, err := b.resolveGoto(lc.Pool)
	if err != nil {
		return nil, fmt.Errorf("listener %q: %w", name, err)
	}

	l := &domain.Listener{
		Name:                   name,
		Bind:                   lc.Bind,
		Interface:              lc.Interface,
		Tag:                    lc.Tag,
		Root:                   root,
		Protocol:               listenerProtocol(root),
		MaxConnectionsPerIP:    lc.MaxConnectionsPerIP,
		V6Only:                 lc.V6Only,
		ReusePort:              lc.ReusePort,
		FreeBind:               lc.FreeBind,
		MPTCP:                  lc.MPTCP,
		ForceHTTP2:             lc.ForceHTTP2,
		HSTS:                   lc.HSTS,
		VerboseResponse:        lc.VerboseResponse,
		RedirectHTTPS:          lc.RedirectHTTPS,
		AccessLoggerOnlyErrors: lc.AccessLoggerOnlyErrors,
		AccessLogger:           lc.AccessLogger,
	}

	if lc.TLS != nil {
		tls, err := b.resolveTLS(lc.TLS)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", name, err)
		}
		l.TLS = tls
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// listenerProtocol infers the listener's wire protocol from its resolved
// root Goto: a TCP-protocol cluster means a TCP listener, anything else
// (HTTP cluster, branch, static response, external-handler terminal) is
// HTTP, per spec.md section 3's "all destinations in one branch share the
// same protocol" invariant.
func listenerProtocol(root *domain.Goto) domain.Protocol {
	if root != nil && root.Kind == domain.GotoCluster && root.Cluster != nil && root.Cluster.Protocol == domain.ProtocolTCP {
		return domain.ProtocolTCP
	}
	return domain.ProtocolHTTP
}

func (b *builder) resolveTLS(tc *TLSConfig) (*domain.TLSConfig, error) {
	cert, key := tc.CertFile, tc.KeyFile
	if tc.CertDB != "" {
		db, ok := b.cfg.CertDB[tc.CertDB]
		if !ok {
			return nil, fmt.Errorf("ssl_cert_db %q not found", tc.CertDB)
		}
		cert, key = db.CertFile, db.KeyFile
	}
	alpn := true
	if tc.ALPNHTTP2 != nil {
		alpn = *tc.ALPNHTTP2
	}
	return &domain.TLSConfig{
		CertFile:   cert,
		KeyFile:    key,
		CACertFile: tc.CACertFile,
		CertDB:     tc.CertDB,
		Verify:     domain.TLSVerifyMode(orDefault(tc.Verify, "no")),
		ALPNHTTP2:  alpn,
	}, nil
}

// resolveGoto parses one destination reference and returns the Goto it
// names. The grammar is this package's own invention (lb.conf nests blocks
// instead of using reference strings) chosen to keep YAML pool/branch/
// listener sections flat and independently named:
//
//	"<pool-name>"              -> bare name, tried as a pool then a branch
//	"pool:<name>"              -> explicit pool reference
//	"branch:<name>"            -> explicit branch reference, resolved recursively
//	"response:<status>[:<message>]" -> static response
//	"redirect_https"           -> 301 redirect to https, per spec.md section 6
//	"lua:<name>"               -> external Lua handler, referenced only
//	"translation:<name>"       -> external translation handler, referenced only
//	"prometheus:<name>"        -> external Prometheus exporter, referenced only
//	"zeroconf:<name>"          -> external Zeroconf discovery terminal, referenced only
func (b *builder) resolveGoto(ref string) (*domain.Goto, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty goto reference")
	}
	if ref == "redirect_https" {
		return &domain.Goto{Kind: domain.GotoResponse, Response: &domain.StaticResponse{RedirectHTTPS: true, Status: 301}}, nil
	}

	kind, rest, hasPrefix := strings.Cut(ref, ":")
	if hasPrefix {
		switch kind {
		case "pool":
			return b.resolvePool(rest)
		case "branch":
			return b.resolveBranch(rest)
		case "response":
			return resolveResponse(rest)
		case "lua":
			return &domain.Goto{Kind: domain.GotoLuaHandler, HandlerName: rest}, nil
		case "translation":
			return &domain.Goto{Kind: domain.GotoTranslationHandler, HandlerName: rest}, nil
		case "prometheus":
			return &domain.Goto{Kind: domain.GotoPrometheusExporter, HandlerName: rest}, nil
		case "zeroconf":
			return &domain.Goto{Kind: domain.GotoZeroconfDiscovery, HandlerName: rest}, nil
		}
	}

	if g, err := b.resolvePool(ref); err == nil {
		return g, nil
	}
	return b.resolveBranch(ref)
}

func (b *builder) resolvePool(name string) (*domain.Goto, error) {
	cluster, ok := b.clusters[name]
	if !ok {
		return nil, fmt.Errorf("pool %q not found", name)
	}
	return &domain.Goto{Kind: domain.GotoCluster, Cluster: cluster}, nil
}

func resolveResponse(rest string) (*domain.Goto, error) {
	status, message, _ := strings.Cut(rest, ":")
	code, err := strconv.Atoi(status)
	if err != nil {
		return nil, fmt.Errorf("response goto %q: bad status: %w", rest, err)
	}
	return &domain.Goto{Kind: domain.GotoResponse, Response: &domain.StaticResponse{Status: code, Message: message}}, nil
}

func (b *builder) resolveBranch(name string) (*domain.Goto, error) {
	if g, ok := b.branches[name]; ok {
		return g, nil
	}
	if b.visiting[name] {
		return nil, fmt.Errorf("branch %q: cycle detected", name)
	}
	bc, ok := b.cfg.Branch[name]
	if !ok {
		return nil, fmt.Errorf("branch %q not found", name)
	}

	b.visiting[name] = true
	defer delete(b.visiting, name)

	branch := &domain.Branch{Name: name}
	for i, cc := range bc.Cases {
		cond, err := buildCondition(cc)
		if err != nil {
			return nil, fmt.Errorf("branch %q case %d: %w", name, i, err)
		}
		dest, err := b.resolveGoto(cc.Destination)
		if err != nil {
			return nil, fmt.Errorf("branch %q case %d: %w", name, i, err)
		}
		branch.Cases = append(branch.Cases, domain.BranchCase{Condition: cond, Goto: dest})
	}

	fallback, err := b.resolveGoto(bc.Fallback)
	if err != nil {
		return nil, fmt.Errorf("branch %q fallback: %w", name, err)
	}
	branch.Fallback = fallback

	protocolOf := func(g *domain.Goto) domain.Protocol {
		for g != nil && g.Kind == domain.GotoBranch {
			g = g.Branch.Fallback
		}
		return listenerProtocol(g)
	}
	want := protocolOf(fallback)
	for i, c := range branch.Cases {
		if protocolOf(c.Goto) != want {
			return nil, fmt.Errorf("branch %q case %d: destination protocol differs from the fallback's", name, i)
		}
	}

	g := &domain.Goto{Kind: domain.GotoBranch, Branch: branch}
	b.branches[name] = g
	return g, nil
}

func buildCondition(cc BranchCaseConfig) (domain.Condition, error) {
	cond := domain.Condition{
		Attribute:  domain.Attribute(cc.Attribute),
		HeaderName: cc.HeaderName,
		Negate:     cc.Negate,
	}

	switch orDefault(cc.Match, "equals") {
	case "equals":
		cond.Matcher = domain.Matcher{Kind: domain.MatchEquals, Value: cc.Value}
	case "regex":
		re, err := regexp.Compile(cc.Value)
		if err != nil {
			return domain.Condition{}, fmt.Errorf("regex %q: %w", cc.Value, err)
		}
		cond.Matcher = domain.Matcher{Kind: domain.MatchRegex, Regex: re, Value: cc.Value}
	case "address_mask":
		network, bitsStr, ok := strings.Cut(cc.Value, "/")
		if !ok {
			return domain.Condition{}, fmt.Errorf("address_mask %q: expected network/bits", cc.Value)
		}
		bits, err := strconv.Atoi(bitsStr)
		if err != nil {
			return domain.Condition{}, fmt.Errorf("address_mask %q: bad bits: %w", cc.Value, err)
		}
		cond.Matcher = domain.Matcher{Kind: domain.MatchAddressMask, Mask: &domain.AddressMask{Network: network, Bits: bits}, Value: cc.Value}
	default:
		return domain.Condition{}, fmt.Errorf("unknown match kind %q", cc.Match)
	}
	return cond, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

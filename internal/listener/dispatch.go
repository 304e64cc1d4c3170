package listener

import (
	"fmt"
	"net/http"

	"github.com/cm4all/golb/internal/adapter/proxy"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/routing"
)

// dispatcher implements httpserver.Handler: resolve the request against the
// Listener's root Goto, then hand it to whichever terminal the tree
// resolves to, per spec.md section 4.6's "dispatcher walks the Goto graph"
// data flow.
type dispatcher struct {
	root    *domain.Goto
	forward *proxy.Forwarder
	log     *logger.StyledLogger
}

func newDispatcher(root *domain.Goto, forward *proxy.Forwarder, log *logger.StyledLogger) *dispatcher {
	return &dispatcher{root: root, forward: forward, log: log}
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := routing.FromHTTP(r)
	leaf := routing.FindRequestLeaf(d.root, req)
	if leaf == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	switch leaf.Kind {
	case domain.GotoCluster:
		d.forward.ServeCluster(r.Context(), leaf.Cluster, w, r)

	case domain.GotoResponse:
		writeStaticResponse(w, leaf.Response)

	case domain.GotoLuaHandler, domain.GotoTranslationHandler, domain.GotoPrometheusExporter, domain.GotoZeroconfDiscovery:
		// These terminal kinds name an external collaborator (spec.md
		// section 1) this core does not execute; a configured listener
		// resolving here means that handler was never wired in, which is
		// a deployment error, not a routing one.
		d.log.Warn("goto resolved to an unconfigured external handler", "handler", leaf.HandlerName, "kind", leaf.Kind)
		http.Error(w, "Not Implemented", http.StatusNotImplemented)

	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func writeStaticResponse(w http.ResponseWriter, resp *domain.StaticResponse) {
	if resp == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
		w.WriteHeader(resp.Status)
		return
	}
	w.WriteHeader(resp.Status)
	if resp.Message != "" {
		_, _ = fmt.Fprint(w, resp.Message)
	}
}

// resolveCluster is the TCP-listener equivalent of dispatcher.ServeHTTP:
// routing conditions are evaluated once at accept time against the
// connection's attributes, not per byte, since spec.md section 4.6
// attributes available to a TCP connection (remote_address, peer_subject)
// never change over the connection's lifetime.
func resolveCluster(root *domain.Goto, req routing.Request) (*domain.Cluster, error) {
	leaf := routing.FindRequestLeaf(root, req)
	if leaf == nil || leaf.Kind != domain.GotoCluster {
		return nil, fmt.Errorf("listener: tcp connection did not resolve to a cluster")
	}
	return leaf.Cluster, nil
}

// Package app assembles every core component into one running process:
// the "Instance" spec.md section 4 item 11 describes as the top-level
// container holding the FailureManager, the configured Listeners, and the
// control-plane socket, grounded on the teacher's Application/app.go
// lifecycle shape (New/Start/Stop) but rebuilt around Listener/Forwarder/
// TCPRelay instead of a single http.Server.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cm4all/golb/internal/adapter/balancer"
	"github.com/cm4all/golb/internal/adapter/discovery"
	"github.com/cm4all/golb/internal/adapter/health"
	"github.com/cm4all/golb/internal/adapter/proxy"
	"github.com/cm4all/golb/internal/adapter/security"
	"github.com/cm4all/golb/internal/adapter/stats"
	"github.com/cm4all/golb/internal/control"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/listener"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/pkg/eventbus"
)

// Config is what New needs to assemble an Instance: the set of bound
// listeners plus the optional collaborators spec.md treats as external
// (control socket, discovery sources). internal/config's loader builds
// one of these from the lb.conf-equivalent YAML; tests build one by hand.
type Config struct {
	Listeners         []*domain.Listener
	Clusters          map[string]*domain.Cluster
	Monitors          map[string]health.MonitorConfig
	ControlSocketPath string
	ControlNodes      control.NodeResolver
	DiscoverySources  []discovery.Source
	DiscoveryInterval time.Duration
	ConnectTimeout    time.Duration
	Forwarder         *proxy.Configuration
}

// Instance owns every long-lived component for one running process:
// shared FailureManager, ClusterSelector, Forwarder/TCPRelay dispatchers,
// one listener.Listener per configured bind address, and the optional
// control-plane and discovery services.
type Instance struct {
	failures   ports.FailureManager
	selector   ports.ClusterSelector
	accountant ports.ClientAccountant
	collector  *stats.Collector
	forwarder  *proxy.Forwarder
	relay      *proxy.TCPRelay

	listeners []*listener.Listener
	control   *control.Server
	discover  *discovery.Service
	monitors  map[string]*health.Monitor
	memberBus *eventbus.EventBus[string]

	log *logger.StyledLogger

	cancel         context.CancelFunc
	unsubscribeBus func()
}

// New builds every component but does not start accepting connections or
// control packets; call Start for that.
func New(cfg Config, log *logger.StyledLogger) (*Instance, error) {
	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("app: at least one listener is required")
	}

	failures := health.NewFailureManager()
	selector := balancer.NewSelector()
	accountant := security.NewTarpit()
	collector := stats.NewCollector()

	forwarder := proxy.NewForwarder(selector, failures, cfg.Forwarder, log)
	forwarder.SetStatsCollector(collector)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	relay := proxy.NewTCPRelay(selector, failures, connectTimeout, log)

	inst := &Instance{
		failures:   failures,
		selector:   selector,
		accountant: accountant,
		collector:  collector,
		forwarder:  forwarder,
		relay:      relay,
		log:        log,
	}

	for _, lcfg := range cfg.Listeners {
		l, err := listener.New(lcfg, forwarder, relay, accountant, log)
		if err != nil {
			return nil, fmt.Errorf("app: listener %q: %w", lcfg.Name, err)
		}
		inst.listeners = append(inst.listeners, l)
	}

	if cfg.ControlSocketPath != "" {
		handler := control.NewHandler(failures, cfg.ControlNodes, nil, nil, nil, log)
		srv, err := control.NewServer(cfg.ControlSocketPath, handler, log)
		if err != nil {
			return nil, fmt.Errorf("app: control socket: %w", err)
		}
		inst.control = srv
	}

	if len(cfg.DiscoverySources) > 0 {
		interval := cfg.DiscoveryInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		inst.discover = discovery.NewService(&netResolver{}, cfg.DiscoverySources, interval, log)
		inst.memberBus = eventbus.New[string]()
		inst.discover.SetEventBus(inst.memberBus)
	}

	inst.monitors = make(map[string]*health.Monitor, len(cfg.Monitors))
	for name, mc := range cfg.Monitors {
		cluster, ok := cfg.Clusters[name]
		if !ok {
			continue
		}
		inst.monitors[name] = health.NewMonitor(cluster, failures, mc, log)
	}

	return inst, nil
}

// Start runs every listener, the control socket, and the discovery
// refresh loop concurrently, returning as soon as any one of them fails,
// per the teacher's errgroup.WithContext fan-out in
// adapter/discovery/service.go. It does not block past ctx cancellation:
// once ctx is done, every component drains and Start returns nil.
func (inst *Instance) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel

	eg, ctx := errgroup.WithContext(ctx)

	for _, l := range inst.listeners {
		eg.Go(func() error {
			if err := l.Serve(ctx); err != nil {
				inst.log.Error("listener stopped", "bind", l.Addr(), "error", err)
				return err
			}
			return nil
		})
	}

	if inst.control != nil {
		eg.Go(func() error { return inst.control.Serve(ctx) })
	}

	if inst.discover != nil {
		eg.Go(func() error { return inst.discover.Start(ctx) })
	}

	for _, m := range inst.monitors {
		m.Start(ctx)
	}

	if inst.memberBus != nil {
		changes, unsubscribe := inst.memberBus.Subscribe(ctx)
		inst.unsubscribeBus = unsubscribe
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case name, ok := <-changes:
					if !ok {
						return nil
					}
					if m, ok := inst.monitors[name]; ok {
						m.Rescan()
					}
				}
			}
		})
	}

	return eg.Wait()
}

// Shutdown cancels every component and waits up to the deadline in ctx.
func (inst *Instance) Shutdown(ctx context.Context) error {
	if inst.cancel != nil {
		inst.cancel()
	}
	if inst.control != nil {
		_ = inst.control.Close()
	}
	if inst.discover != nil {
		_ = inst.discover.Stop(ctx)
	}
	if inst.unsubscribeBus != nil {
		inst.unsubscribeBus()
	}
	for _, m := range inst.monitors {
		m.Stop()
	}
	for _, l := range inst.listeners {
		_ = l.Close()
	}
	return nil
}

// Stats exposes the shared StatsCollector for a status/metrics endpoint to
// read from; there is no HTTP status surface in this core (spec.md scopes
// the Prometheus exporter out as an external collaborator), so this is the
// seam that exporter would read through.
func (inst *Instance) Stats() map[string]stats.Snapshot {
	return inst.collector.Stats()
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

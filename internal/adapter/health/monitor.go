package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/util"
)

// Monitor is the "external health-check collaborator" from SPEC_FULL.md
// section 4 ("Monitor references"): it periodically probes a Cluster's
// members and feeds domain.FailureMonitor into the FailureManager,
// independent of whatever CONNECT/PROTOCOL failures real traffic produces.
// Concurrency is bounded by a worker pool, grounded on the teacher's
// adapter/health/worker_pool.go.
type Monitor struct {
	name          string
	cluster       *domain.Cluster
	failures      ports.FailureManager
	tracker       *StatusTransitionTracker
	client        *http.Client
	checkInterval time.Duration
	checkTimeout  time.Duration
	failureExpiry time.Duration
	log           *logger.StyledLogger
	workers       int

	ctx  context.Context
	sem  chan struct{}
	stop chan struct{}

	membersMu sync.Mutex
	members   map[string]chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

type MonitorConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	FailureExpiry time.Duration
	Workers       int
}

func NewMonitor(cluster *domain.Cluster, failures ports.FailureManager, cfg MonitorConfig, log *logger.StyledLogger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	if cfg.FailureExpiry <= 0 {
		cfg.FailureExpiry = 20 * time.Second
	}
	return &Monitor{
		name:          "monitor:" + cluster.Name,
		cluster:       cluster,
		failures:      failures,
		tracker:       NewStatusTransitionTracker(),
		client:        &http.Client{Timeout: cfg.CheckTimeout},
		checkInterval: cfg.CheckInterval,
		checkTimeout:  cfg.CheckTimeout,
		failureExpiry: cfg.FailureExpiry,
		log:           log,
		workers:       cfg.Workers,
		stop:          make(chan struct{}),
	}
}

func (m *Monitor) Name() string { return m.name }

// Start launches one prober goroutine per member, fanned out across a
// bounded set of worker slots via a semaphore channel.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx = ctx
	m.sem = make(chan struct{}, m.workers)
	m.members = make(map[string]chan struct{})
	for _, member := range m.cluster.MembersSnapshot() {
		m.startProbe(member)
	}
}

// Rescan reconciles the set of running probe goroutines against the
// cluster's current membership: a discovery refresh may have added or
// removed members since Start (or the previous Rescan), and without this
// a newly discovered member would simply never be probed. Grounded on
// nothing in the teacher (its endpoint set is only ever read wholesale at
// poll time, never diffed against a running prober set); invented here
// since spec.md's Zeroconf/DNS-backed clusters can change membership at
// any time while a Monitor's goroutines, once launched, otherwise run
// forever against a fixed member list.
func (m *Monitor) Rescan() {
	current := m.cluster.MembersSnapshot()
	seen := make(map[string]bool, len(current))
	for _, member := range current {
		seen[member.Address.Key()] = true
		m.startProbe(member)
	}

	m.membersMu.Lock()
	defer m.membersMu.Unlock()
	for key, memberStop := range m.members {
		if !seen[key] {
			close(memberStop)
			delete(m.members, key)
		}
	}
}

func (m *Monitor) startProbe(member domain.Member) {
	key := member.Address.Key()

	m.membersMu.Lock()
	if _, exists := m.members[key]; exists {
		m.membersMu.Unlock()
		return
	}
	memberStop := make(chan struct{})
	m.members[key] = memberStop
	m.membersMu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(m.ctx, member, m.sem, memberStop)
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context, member domain.Member, sem chan struct{}, memberStop chan struct{}) {
	defer m.wg.Done()
	var consecutiveFailures int
	timer := time.NewTimer(m.checkInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-memberStop:
			return
		case <-timer.C:
			select {
			case sem <- struct{}{}:
				if m.probe(ctx, member) {
					consecutiveFailures++
				} else {
					consecutiveFailures = 0
				}
				<-sem
			default:
				// every worker slot busy; skip this tick rather than pile up
			}
			timer.Reset(m.nextInterval(consecutiveFailures))
		}
	}
}

// nextInterval backs off the probe cadence under sustained failure, so a
// downed member isn't polled at the same rate as a healthy one, grounded on
// the teacher's adapter/health/client.go probe-retry backoff.
func (m *Monitor) nextInterval(consecutiveFailures int) time.Duration {
	if consecutiveFailures == 0 {
		return m.checkInterval
	}
	return util.CalculateExponentialBackoff(consecutiveFailures, m.checkInterval, m.checkInterval*8, 0.25)
}

func (m *Monitor) probe(ctx context.Context, member domain.Member) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	addr := member.Address.String()
	var failed bool

	if m.cluster.Protocol == domain.ProtocolTCP {
		failed = dialProbe(checkCtx, member.Address, m.checkTimeout) != nil
	} else {
		req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, "http://"+addr+"/", nil)
		if err == nil {
			resp, doErr := m.client.Do(req)
			if doErr != nil {
				failed = true
			} else {
				_ = resp.Body.Close()
				failed = resp.StatusCode >= 500
			}
		} else {
			failed = true
		}
	}

	status := domain.FailureOK
	if failed {
		status = domain.FailureMonitor
		m.failures.Set(member.Address, domain.FailureMonitor, m.failureExpiry)
	} else {
		m.failures.Unset(member.Address, domain.FailureMonitor)
	}

	if shouldLog, count := m.tracker.ShouldLog(member.Address.Key(), status, failed); shouldLog {
		if failed {
			m.log.Warn("monitor probe failed", "cluster", m.cluster.Name, "member", addr, "consecutive", count)
		} else {
			m.log.Info("monitor probe recovered", "cluster", m.cluster.Name, "member", addr)
		}
	}

	return failed
}

// dialProbe is used for TCP-protocol clusters, where an HTTP GET is not
// meaningful: a successful TCP handshake is the entire health signal.
func dialProbe(ctx context.Context, addr domain.Address, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return err
	}
	return conn.Close()
}

package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/logger"
)

// TCPRelay implements the TcpConnection dispatcher from spec.md section
// 4.8: pick a Cluster member (TCP clusters never carry a sticky policy
// beyond what ClusterSelector already applies uniformly) and bridge bytes
// bidirectionally between the accepted client connection and the chosen
// upstream until either side closes.
type TCPRelay struct {
	selector ports.ClusterSelector
	failures ports.FailureManager
	dialer   net.Dialer
	log      *logger.StyledLogger
}

func NewTCPRelay(selector ports.ClusterSelector, failures ports.FailureManager, connectTimeout time.Duration, log *logger.StyledLogger) *TCPRelay {
	return &TCPRelay{
		selector: selector,
		failures: failures,
		dialer:   net.Dialer{Timeout: connectTimeout},
		log:      log,
	}
}

// Relay dials a member of cluster and bridges client until EOF or error on
// either leg. The upstream dial failure feeds FailureConnect back into the
// FailureManager the same way Forwarder.ServeCluster does, so a TCP
// cluster's members fade under the same health-status rules as an HTTP one.
func (t *TCPRelay) Relay(ctx context.Context, cluster *domain.Cluster, client net.Conn) error {
	member, err := t.selector.Select(ctx, cluster, domain.StickyKey{}, t.failures)
	if err != nil {
		return err
	}

	upstream, err := t.dialer.DialContext(ctx, "tcp", member.Address.String())
	if err != nil {
		t.failures.Set(member.Address, domain.FailureConnect, constants.FailureExpiryConnect)
		return err
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var copyErr error
	var once sync.Once
	recordErr := func(err error) {
		if err != nil {
			once.Do(func() { copyErr = err })
		}
	}

	go func() {
		defer wg.Done()
		_, err := io.Copy(upstream, client)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		recordErr(err)
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, upstream)
		if tcp, ok := client.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		recordErr(err)
	}()

	wg.Wait()

	if copyErr == nil {
		t.failures.Unset(member.Address, domain.FailureConnect)
		t.failures.Unset(member.Address, domain.FailureProtocol)
	}
	return copyErr
}

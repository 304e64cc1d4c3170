// Package listener implements the accept-loop component from spec.md
// section 4 item 10: bind one address/port, optionally terminate TLS, hand
// each accepted connection to an HTTP/1, HTTP/2, or raw TCP dispatcher, and
// enforce per-client connection accounting before the first byte is read.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cm4all/golb/internal/adapter/proxy"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/httpserver"
	"github.com/cm4all/golb/internal/httpserver/h2"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/routing"
	"github.com/cm4all/golb/internal/transport"
)

// Listener accepts connections for one domain.Listener, wiring the request
// dispatcher (HTTP) or TCPRelay (TCP) the spec.md data-flow diagram
// describes: "Listener accepts -> instantiates an HttpConnection or
// TcpConnection bound to a FilteredSocket".
type Listener struct {
	cfg        *domain.Listener
	netListener net.Listener
	tlsConfig  *tls.Config

	dispatcher *dispatcher
	h2server   *h2.Server
	relay      *proxy.TCPRelay
	accountant ports.ClientAccountant

	log *logger.StyledLogger

	wg sync.WaitGroup
}

// New binds cfg.Bind and prepares the listener to run. forward handles
// HTTP clusters, relay handles TCP clusters; the caller passes whichever
// applies to cfg.Protocol (both may be non-nil for a mixed deployment, only
// the one matching cfg.Protocol is ever used by Serve).
func New(cfg *domain.Listener, forward *proxy.Forwarder, relay *proxy.TCPRelay, accountant ports.ClientAccountant, log *logger.StyledLogger) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	netListener, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		tlsConfig, err = buildTLSConfig(cfg.TLS)
		if err != nil {
			netListener.Close()
			return nil, err
		}
	}

	l := &Listener{
		cfg:         cfg,
		netListener: netListener,
		tlsConfig:   tlsConfig,
		relay:       relay,
		accountant:  accountant,
		log:         log,
	}
	if cfg.Protocol == domain.ProtocolHTTP {
		l.dispatcher = newDispatcher(cfg.Root, forward, log)
		l.h2server = h2.NewServer(log)
	}
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.netListener.Addr() }

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. It returns nil on a clean shutdown (ctx cancellation / Close)
// and a non-nil error for any other accept failure.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.netListener.Close()
	}()

	for {
		conn, err := l.netListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			return err
		}

		if l.accountant != nil {
			host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
			if splitErr == nil {
				l.accountant.Connect(host)
			}
		}

		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections; in-flight ones drain on their own.
func (l *Listener) Close() error {
	return l.netListener.Close()
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	defer func() {
		if l.accountant != nil && remoteHost != "" {
			l.accountant.Disconnect(remoteHost)
		}
	}()

	if l.accountant != nil && remoteHost != "" {
		if delay := l.accountant.Observe(remoteHost, time.Now()); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}

	if l.cfg.Protocol == domain.ProtocolTCP {
		l.handleTCP(ctx, conn)
		return
	}
	l.handleHTTP(ctx, conn)
}

func (l *Listener) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req := routing.Request{RemoteAddr: conn.RemoteAddr().String()}
	cluster, err := resolveCluster(l.cfg.Root, req)
	if err != nil {
		l.log.Debug("tcp connection did not resolve to a cluster", "bind", l.cfg.Bind, "error", err)
		return
	}
	if err := l.relay.Relay(ctx, cluster, conn); err != nil {
		l.log.Debug("tcp relay ended", "bind", l.cfg.Bind, "remote_addr", conn.RemoteAddr(), "error", err)
	}
}

func (l *Listener) handleHTTP(ctx context.Context, conn net.Conn) {
	var filter transport.Filter
	useH2 := l.cfg.ForceHTTP2

	if l.tlsConfig != nil {
		tlsConn := tls.Server(conn, l.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			l.log.Debug("tls handshake failed", "bind", l.cfg.Bind, "error", err)
			conn.Close()
			return
		}
		filter = newTLSFilter(tlsConn)
		if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
			useH2 = true
		}
		conn = tlsConn
	}

	if useH2 {
		l.h2server.ServeConn(conn, requestHandlerFunc(l.dispatcher.ServeHTTP))
		return
	}

	socket := transport.NewBufferedSocket(conn, filter)
	httpserver.NewConnection(socket, l.dispatcher, l.log).Serve()
}

type requestHandlerFunc func(http.ResponseWriter, *http.Request)

func (f requestHandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) { f(w, r) }

// Package h2 wraps golang.org/x/net/http2 to serve the HTTP/2 server
// connection component of spec.md section 4.3. Bounded upload (spec.md's
// invariant that a client cannot force the proxy to buffer unbounded request
// body data) comes from x/net/http2's own per-stream and per-connection flow
// control: it advertises constants.H2InitialStreamWindow per stream and
// constants.H2ConnectionWindow per connection, then sends WINDOW_UPDATE
// frames as the handler's r.Body.Read calls drain buffered data, so an idle
// stream's peer is capped at the small initial window while an actively
// reading handler keeps its stream topped up automatically.
package h2

import (
	"net"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/logger"
)

// Server serves HTTP/2 over an already-established (typically TLS+ALPN)
// connection, delegating request dispatch to the same http.Handler chain
// the HTTP/1 path uses.
type Server struct {
	h2  *http2.Server
	log *logger.StyledLogger
}

func NewServer(log *logger.StyledLogger) *Server {
	return &Server{
		h2: &http2.Server{
			MaxConcurrentStreams:         constants.H2MaxConcurrentStreams,
			MaxUploadBufferPerStream:     constants.H2InitialStreamWindow,
			MaxUploadBufferPerConnection: constants.H2ConnectionWindow,
		},
		log: log,
	}
}

// ServeConn takes over conn (already past ALPN negotiation to "h2") and
// serves HTTP/2 requests through handler until the peer disconnects.
func (s *Server) ServeConn(conn net.Conn, handler http.Handler) {
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Handler: handler,
	})
}

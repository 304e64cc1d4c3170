// Package transport implements the filtered-socket layer from spec.md
// section 4.1: a buffered net.Conn wrapper whose input survives being
// returned to a connection pool, per the BufferedSocket / FilteredSocket and
// BufferedSocketLease components.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// ReadResult is the outcome of one BufferedSocket.Fill call, per spec.md
// section 4.1.
type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadBlocking
	ReadDisconnected
	ReadDestroyed
)

// Filter wraps a net.Conn to add a transport-level transformation (TLS is
// the only one in scope; spec.md section 1 treats the TLS engine itself as
// an external collaborator, so Filter only describes the seam it plugs
// into).
type Filter interface {
	io.ReadWriter
	HandshakeComplete() bool
	PeerSubject() string
}

// BufferedSocket is a byte-stream socket with an input ring buffer and an
// optional filter chain, per spec.md section 4 component 1. It is not safe
// for concurrent use by more than one reader/writer pair, matching the
// single-threaded-per-connection model of spec.md section 5.
type BufferedSocket struct {
	conn   net.Conn
	filter Filter
	reader *bufio.Reader

	readTimeout  time.Duration
	writeTimeout time.Duration

	destroyed bool
}

func NewBufferedSocket(conn net.Conn, filter Filter) *BufferedSocket {
	return &BufferedSocket{
		conn:   conn,
		filter: filter,
		reader: bufio.NewReaderSize(connOrFilter(conn, filter), 16*1024),
	}
}

func connOrFilter(conn net.Conn, filter Filter) io.Reader {
	if filter != nil {
		return filter
	}
	return conn
}

func (s *BufferedSocket) SetReadTimeout(d time.Duration)  { s.readTimeout = d }
func (s *BufferedSocket) SetWriteTimeout(d time.Duration) { s.writeTimeout = d }

// Reader exposes the underlying buffered reader for header/line parsing by
// the HTTP/1 connection state machine.
func (s *BufferedSocket) Reader() *bufio.Reader { return s.reader }

// Peek returns up to n buffered bytes without consuming them, used to
// detect a pipelined request immediately after the previous one ends.
func (s *BufferedSocket) Peek(n int) ([]byte, error) {
	return s.reader.Peek(n)
}

// Buffered reports how many bytes are already sitting in the local input
// buffer without a read(2) call.
func (s *BufferedSocket) Buffered() int { return s.reader.Buffered() }

// Fill attempts to read more bytes from the wire into the buffer. Timeouts
// and EOF are translated to the ReadResult enum from spec.md section 4.1.
func (s *BufferedSocket) Fill() (ReadResult, error) {
	if s.destroyed {
		return ReadDestroyed, net.ErrClosed
	}
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	_, err := s.reader.Peek(1)
	if err == nil {
		return ReadOK, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReadBlocking, nil
	}
	if errors.Is(err, io.EOF) {
		return ReadDisconnected, io.EOF
	}
	return ReadDestroyed, err
}

// Write writes b to the socket (through the filter, if any), honouring the
// configured write timeout.
func (s *BufferedSocket) Write(b []byte) (int, error) {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if s.filter != nil {
		return s.filter.Write(b)
	}
	return s.conn.Write(b)
}

// WriteVectored issues a single vectored write across the given byte spans
// (the "bucket path" of spec.md section 4.2), falling back to sequential
// Write calls when the underlying conn isn't a *net.TCPConn or a filter is
// in place (matching the fallback rule in spec.md section 4.2 step 7).
func (s *BufferedSocket) WriteVectored(bufs net.Buffers) (int64, error) {
	if s.filter != nil {
		var total int64
		for _, b := range bufs {
			n, err := s.filter.Write(b)
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return bufs.WriteTo(s.conn)
}

func (s *BufferedSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *BufferedSocket) LocalAddr() net.Addr  { return s.conn.LocalAddr() }

// PeerSubject returns the TLS peer certificate subject, if a filter is
// installed and the handshake has completed, per spec.md section 4.6.
func (s *BufferedSocket) PeerSubject() string {
	if s.filter == nil || !s.filter.HandshakeComplete() {
		return ""
	}
	return s.filter.PeerSubject()
}

// ShutdownWrite performs shutdown(WR) so the kernel can drain any
// already-written response bytes before Close, per spec.md section 4.2
// keepalive discipline.
func (s *BufferedSocket) ShutdownWrite() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

func (s *BufferedSocket) Close() error {
	s.destroyed = true
	return s.conn.Close()
}

func (s *BufferedSocket) Conn() net.Conn { return s.conn }

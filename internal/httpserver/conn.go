// Package httpserver implements the HTTP/1 server connection state machine
// from spec.md section 3 and section 4.2: one Connection reads requests off
// a transport.BufferedSocket, dispatches each through a ports.RequestHandler,
// and writes the response back with the framing (Content-Length, chunked,
// or close-delimited) spec.md section 4.2 prescribes.
package httpserver

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/transport"
)

// Handler serves one fully-parsed request and writes its response via w.
// The w passed to Handler already has framing/keepalive decided for it by
// Connection.Serve; Handler only needs to set status/headers and write the
// body.
type Handler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Connection drives the START -> HEADERS -> BODY -> END -> START cycle of
// spec.md section 4.2 over one accepted BufferedSocket.
type Connection struct {
	socket  *transport.BufferedSocket
	handler Handler
	log     *logger.StyledLogger

	state      domain.ConnState
	score      domain.Score
	remoteAddr string
}

func NewConnection(socket *transport.BufferedSocket, handler Handler, log *logger.StyledLogger) *Connection {
	return &Connection{
		socket:     socket,
		handler:    handler,
		log:        log,
		state:      domain.StateStart,
		score:      domain.ScoreNew,
		remoteAddr: socket.RemoteAddr().String(),
	}
}

// Score reports the connection's shutdown-priority hint, per the GLOSSARY
// entry "Score": a listener preferring to drop idle/errored connections
// first under load reads this between requests.
func (c *Connection) Score() domain.Score { return c.score }

// transition panics on an invariant violation rather than silently
// continuing: a state machine violation means a bug in Serve's own control
// flow, not a remote-input error.
func (c *Connection) transition(target domain.ConnState) {
	if !c.state.CanTransitionTo(target) {
		panic(fmt.Sprintf("httpserver: illegal connection state transition %s -> %s", c.state, target))
	}
	c.state = target
}

// Serve runs the request/response loop until the peer disconnects, a
// non-keepalive response is sent, or an unrecoverable framing error occurs.
func (c *Connection) Serve() {
	defer c.socket.Close()

	for {
		c.transition(domain.StateHeaders)
		req, keepAliveRequested, err := c.readRequest()
		if err != nil {
			if err != io.EOF && c.score != domain.ScoreNew {
				c.log.Debug("connection closed mid-request", "remote_addr", c.remoteAddr, "error", err)
			}
			c.score = domain.ScoreError
			return
		}
		c.score = domain.ScoreFirst

		c.transition(domain.StateBody)
		respWriter := newResponseWriter(c.socket, req, keepAliveRequested)
		c.handler.ServeHTTP(respWriter, req)
		if err := respWriter.finish(); err != nil {
			c.log.Debug("failed writing response", "remote_addr", c.remoteAddr, "error", err)
			c.score = domain.ScoreError
			return
		}

		c.transition(domain.StateEnd)
		c.score = domain.ScoreSuccess

		if !respWriter.keepAlive {
			// Half-close the write side so the kernel can drain the response
			// we just wrote instead of the final Close racing a client that
			// is still reading.
			_ = c.socket.ShutdownWrite()
			return
		}
		c.transition(domain.StateStart)

		if c.socket.Buffered() == 0 {
			if res, _ := c.socket.Fill(); res != transport.ReadOK {
				return
			}
		}
	}
}

// readRequest parses the request line and headers off the connection's
// buffered reader, then wraps the remainder as an *http.Request with a
// body reader sized per spec.md section 4.2's REST_* framing rules.
func (c *Connection) readRequest() (*http.Request, bool, error) {
	br := c.socket.Reader()

	line, err := readLine(br, constants.MaxURILength+64)
	if err != nil {
		return nil, false, err
	}
	method, uri, proto, err := parseRequestLine(line)
	if err != nil {
		return nil, false, err
	}

	tp := textproto.NewReader(br)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		return nil, false, err
	}
	header := http.Header(mimeHeader)

	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return nil, false, err
	}
	req.Proto = proto
	req.Header = header
	req.Host = header.Get("Host")
	req.RemoteAddr = c.remoteAddr
	req.ContentLength = parseContentLength(header)
	req.Body = bodyReaderFor(br, header, req.ContentLength)
	if wantsContinue(header) {
		req.Body = newContinueReader(req.Body, c.socket)
	}

	keepAlive := shouldKeepAlive(proto, header)
	return req, keepAlive, nil
}

func parseRequestLine(line string) (method, uri, proto string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("httpserver: malformed request line %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

func readLine(br *bufio.Reader, maxLen int) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxLen {
		return "", fmt.Errorf("httpserver: request line exceeds %d bytes", maxLen)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseContentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func shouldKeepAlive(proto string, h http.Header) bool {
	conn := strings.ToLower(h.Get("Connection"))
	switch {
	case strings.Contains(conn, "close"):
		return false
	case strings.Contains(conn, "keep-alive"):
		return true
	case proto == "HTTP/1.1":
		return true
	default:
		return false
	}
}

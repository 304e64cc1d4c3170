package httpserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/httpserver/body"
	"github.com/cm4all/golb/internal/transport"
)

// bodyReaderFor picks the BodyMode named by spec.md section 4.2's framing
// rules and wraps br accordingly. A GET/HEAD-shaped request with neither
// Content-Length nor Transfer-Encoding has no body at all. http.Request.Body
// requires io.ReadCloser; closing is a no-op since the framing itself
// determines where the body ends, not an explicit close.
func bodyReaderFor(br *bufio.Reader, header http.Header, contentLength int64) io.ReadCloser {
	if strings.EqualFold(header.Get("Transfer-Encoding"), "chunked") {
		return io.NopCloser(body.NewReader(br, domain.BodyModeChunked, 0))
	}
	if contentLength >= 0 {
		return io.NopCloser(body.NewReader(br, domain.BodyModeFixed, contentLength))
	}
	return io.NopCloser(body.NewReader(br, domain.BodyModeUnknown, 0))
}

// responseWriter implements http.ResponseWriter over one
// transport.BufferedSocket, deciding between Content-Length, chunked, and
// close-delimited framing the first time WriteHeader/Write is called, per
// spec.md section 4.2.
type responseWriter struct {
	socket *transport.BufferedSocket
	req    *http.Request

	header      http.Header
	wroteHeader bool
	status      int

	mode      bodyWriteMode
	keepAlive bool
	closeErr  error

	// headerBuf holds the status line and headers until the first call to
	// Write, so they can go out together with the first body chunk as one
	// vectored write instead of three separate socket writes.
	headerBuf bytes.Buffer
}

type bodyWriteMode int

const (
	modeUnset bodyWriteMode = iota
	modeContentLength
	modeChunked
	modeCloseDelimited
)

func newResponseWriter(socket *transport.BufferedSocket, req *http.Request, keepAliveRequested bool) *responseWriter {
	return &responseWriter{
		socket:    socket,
		req:       req,
		header:    make(http.Header),
		status:    http.StatusOK,
		keepAlive: keepAliveRequested,
	}
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	if w.req.Method == http.MethodHead || status == http.StatusNoContent || status == http.StatusNotModified {
		w.mode = modeContentLength
		w.header.Set("Content-Length", "0")
	} else if cl := w.header.Get("Content-Length"); cl != "" {
		w.mode = modeContentLength
	} else if w.req.ProtoAtLeast(1, 1) {
		w.mode = modeChunked
		w.header.Set("Transfer-Encoding", "chunked")
	} else {
		w.mode = modeCloseDelimited
		w.keepAlive = false
	}

	if !w.keepAlive {
		w.header.Set("Connection", "close")
	} else {
		w.header.Set("Connection", "keep-alive")
	}
	w.header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	w.writeStatusLine()
}

func (w *responseWriter) writeStatusLine() {
	fmt.Fprintf(&w.headerBuf, "HTTP/1.1 %d %s\r\n", w.status, http.StatusText(w.status))
	_ = w.header.Write(&w.headerBuf)
	w.headerBuf.WriteString("\r\n")
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.closeErr != nil {
		return 0, w.closeErr
	}
	if w.req.Method == http.MethodHead {
		w.flushHeader()
		return len(p), nil // HEAD: headers only, body discarded per spec.md section 4.2
	}

	switch w.mode {
	case modeChunked:
		w.flushHeader()
		n, err := body.WriteChunked(w.socket, p)
		w.closeErr = err
		return n, err
	default:
		return w.writeBody(p)
	}
}

// flushHeader sends the buffered status line and headers alone, for paths
// (HEAD, chunked framing) that don't combine them with a body write.
func (w *responseWriter) flushHeader() {
	if w.headerBuf.Len() == 0 {
		return
	}
	_, w.closeErr = w.socket.Write(w.headerBuf.Bytes())
	w.headerBuf.Reset()
}

// writeBody issues the buffered header together with p (on the first call)
// or p alone (on subsequent calls) as a single vectored write, the "bucket
// path" spec.md section 4.2 describes for the primary response.
func (w *responseWriter) writeBody(p []byte) (int, error) {
	headerLen := w.headerBuf.Len()
	var bufs net.Buffers
	if headerLen > 0 {
		bufs = append(bufs, w.headerBuf.Bytes())
	}
	bufs = append(bufs, p)

	total, err := w.socket.WriteVectored(bufs)
	w.headerBuf.Reset()
	w.closeErr = err

	n := int(total) - headerLen
	if n < 0 {
		n = 0
	}
	return n, err
}

// finish flushes any trailing framing (the chunked end marker) and reports
// whether the connection is still usable for another request.
func (w *responseWriter) finish() error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.flushHeader()
	if w.closeErr != nil {
		return w.closeErr
	}
	if w.mode == modeChunked {
		if err := body.WriteFinalChunk(w.socket); err != nil {
			return err
		}
	}
	return nil
}

// writeContinue sends the interim "100 Continue" response demanded by an
// Expect: 100-continue request header.
func writeContinue(socket *transport.BufferedSocket) error {
	_, err := socket.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
	return err
}

func wantsContinue(h http.Header) bool {
	return strings.EqualFold(h.Get("Expect"), "100-continue")
}

// continueReader defers the "100 Continue" interim response until the
// handler actually attempts to read the request body, instead of writing it
// eagerly right after headers are parsed. A handler that never reads the
// body (it rejects the request on headers alone, or aborts) never sees a
// continue sent on its behalf.
type continueReader struct {
	io.ReadCloser
	socket *transport.BufferedSocket
	wrote  bool
}

func newContinueReader(rc io.ReadCloser, socket *transport.BufferedSocket) io.ReadCloser {
	return &continueReader{ReadCloser: rc, socket: socket}
}

func (r *continueReader) Read(p []byte) (int, error) {
	if !r.wrote {
		r.wrote = true
		if err := writeContinue(r.socket); err != nil {
			return 0, err
		}
	}
	return r.ReadCloser.Read(p)
}

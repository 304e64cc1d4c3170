package httpserver

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/transport"
	"github.com/cm4all/golb/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.Default())
}

type echoHandler struct{ body string }

func (h *echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	h.body = string(b)
	w.Header().Set("X-Echo-Len", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok:" + string(b)))
}

// headerOnlyHandler responds from the headers alone without ever reading the
// request body.
type headerOnlyHandler struct{ status int }

func (h *headerOnlyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(h.status)
}

// TestConnection_RoundTrip exercises testable property 1: a simple
// request/response round trip with Content-Length framing on both sides.
func TestConnection_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	handler := &echoHandler{}
	socket := transport.NewBufferedSocket(server, nil)
	conn := NewConnection(socket, handler, testLogger())

	done := make(chan struct{})
	go func() {
		conn.Serve()
		close(done)
	}()

	req := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	go func() {
		_, _ = client.Write([]byte(req))
	}()

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Connection: close response")
	}

	require.Equal(t, "hello", handler.body)
}

// TestConnection_ContinueIsSentOnlyWhenHandlerReadsBody exercises the
// Expect: 100-continue ordering: the interim response must not reach the
// client until the handler actually reads the request body.
func TestConnection_ContinueIsSentOnlyWhenHandlerReadsBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	handler := &echoHandler{}
	socket := transport.NewBufferedSocket(server, nil)
	conn := NewConnection(socket, handler, testLogger())

	done := make(chan struct{})
	go func() {
		conn.Serve()
		close(done)
	}()

	req := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nExpect: 100-continue\r\nConnection: close\r\n\r\n"
	go func() {
		_, _ = client.Write([]byte(req))
	}()

	br := bufio.NewReader(client)
	firstLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, firstLine, "100 Continue", "continue must be sent once the handler starts reading the body")

	_, _ = client.Write([]byte("hello"))

	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Connection: close response")
	}
	require.Equal(t, "hello", handler.body)
}

// TestConnection_ContinueNotSentWhenHandlerNeverReadsBody covers the other
// half of the ordering invariant: a handler that answers from headers alone
// must not cause a 100 Continue to be written on its behalf.
func TestConnection_ContinueNotSentWhenHandlerNeverReadsBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	handler := &headerOnlyHandler{status: http.StatusForbidden}
	socket := transport.NewBufferedSocket(server, nil)
	conn := NewConnection(socket, handler, testLogger())

	done := make(chan struct{})
	go func() {
		conn.Serve()
		close(done)
	}()

	req := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nExpect: 100-continue\r\nConnection: close\r\n\r\nhello"
	go func() {
		_, _ = client.Write([]byte(req))
	}()

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "403", "should go straight to the final response, no interim 100 Continue")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Connection: close response")
	}
}

func TestShouldKeepAlive(t *testing.T) {
	cases := []struct {
		proto string
		conn  string
		want  bool
	}{
		{"HTTP/1.1", "", true},
		{"HTTP/1.0", "", false},
		{"HTTP/1.0", "keep-alive", true},
		{"HTTP/1.1", "close", false},
	}
	for _, c := range cases {
		h := http.Header{}
		if c.conn != "" {
			h.Set("Connection", c.conn)
		}
		require.Equal(t, c.want, shouldKeepAlive(c.proto, h), "shouldKeepAlive(%q, %q)", c.proto, c.conn)
	}
}

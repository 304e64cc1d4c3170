package h2

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/theme"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.DiscardHandler), theme.Default())
}

func TestNewServer_ConfiguresBoundedWindows(t *testing.T) {
	s := NewServer(testLogger())

	require.EqualValues(t, constants.H2MaxConcurrentStreams, s.h2.MaxConcurrentStreams)
	require.EqualValues(t, constants.H2InitialStreamWindow, s.h2.MaxUploadBufferPerStream)
	require.EqualValues(t, constants.H2ConnectionWindow, s.h2.MaxUploadBufferPerConnection)
}

// TestServer_RoundTrip exercises testable property 4 at a basic level: a
// request with a body completes over a raw h2c connection (no TLS/ALPN,
// since net.Pipe has neither) within the configured flow-control windows.
func TestServer_RoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	var gotBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s := NewServer(testLogger())
	done := make(chan struct{})
	go func() {
		s.ServeConn(serverConn, handler)
		close(done)
	}()

	tr := &http2.Transport{AllowHTTP: true}
	cc, err := tr.NewClientConn(clientConn)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, "http://fake.test/upload", strings.NewReader("payload"))
	req.ContentLength = int64(len("payload"))
	resp, err := cc.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	require.Equal(t, "ok", string(b))

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after client close")
	}

	require.Equal(t, "payload", gotBody)
}

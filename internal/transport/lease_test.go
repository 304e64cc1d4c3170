package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	seen []byte
}

func (h *recordingHandler) OnBufferedData(data []byte) (int, HandlerResult) {
	h.seen = append(h.seen, data...)
	return len(data), HandlerOK
}

func (h *recordingHandler) OnError(error) {}

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

// TestLease_ReadHandsBufferedInputToHandler checks that one Read on an
// attached lease fills the socket and passes every buffered byte to the
// handler in a single call. The release-with-preserve path of testable
// property 9 is covered by TestLease_ReleasePreservesPartialRead.
func TestLease_ReadHandsBufferedInputToHandler(t *testing.T) {
	server, client := pipePair(t)
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("HELLOWORLD"))
	}()

	time.Sleep(20 * time.Millisecond) // let the write land in the pipe's buffer path

	sock := NewBufferedSocket(server, nil)
	sock.SetReadTimeout(time.Second)

	first := &recordingHandler{}
	lease := NewSocketLease(sock, first)

	_, err := lease.Read()
	require.NoError(t, err)
	require.Equal(t, "HELLOWORLD", string(first.seen), "expected handler to see all buffered bytes in one pass")
}

func TestLease_ReleaseWithoutPreserveDropsInput(t *testing.T) {
	server, client := pipePair(t)
	defer client.Close()
	defer server.Close()

	sock := NewBufferedSocket(server, nil)
	lease := NewSocketLease(sock, &recordingHandler{})

	lease.Release(false, ActionDestroy)

	require.True(t, lease.IsReleased(), "expected lease to report released")
	require.Zero(t, lease.GetAvailable(), "expected no preserved bytes")
}

func TestLease_ReleasePreservesPartialRead(t *testing.T) {
	server, client := pipePair(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		_, _ = client.Write([]byte("abcdef"))
		close(done)
	}()
	<-done
	time.Sleep(20 * time.Millisecond)

	sock := NewBufferedSocket(server, nil)
	sock.SetReadTimeout(time.Second)

	_, err := sock.Fill()
	require.NoError(t, err)

	// Simulate the caller having consumed 3 of the 6 buffered bytes before
	// releasing: peel them off the reader directly, matching what an HTTP
	// parser would have done mid-header.
	buf := make([]byte, 3)
	_, err = sock.Reader().Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf))

	h := &recordingHandler{}
	lease := NewSocketLease(sock, h)
	lease.Release(true, ActionReuse)

	require.EqualValues(t, 3, lease.GetAvailable(), "expected 3 preserved bytes")

	_, err = lease.Read()
	require.NoError(t, err)
	require.Equal(t, "def", string(h.seen), "expected preserved remainder")
}

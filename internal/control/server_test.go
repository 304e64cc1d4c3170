package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cm4all/golb/internal/adapter/health"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
)

// recordingHandler captures the uid each command arrived with, so tests can
// check the server attaches real SCM_CREDENTIALS without re-testing
// Handler's own dispatch logic (covered in handler_test.go).
type recordingHandler struct {
	calls chan ports.ControlCommand
	uids  chan int
	reply []byte
}

func (r *recordingHandler) Handle(_ context.Context, cmd ports.ControlCommand, uid int) ([]byte, error) {
	r.calls <- cmd
	r.uids <- uid
	return r.reply, nil
}

func TestServer_DeliversCommandWithCallerUID(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	h := &recordingHandler{calls: make(chan ports.ControlCommand, 1), uids: make(chan int, 1)}

	srv, err := NewServer(sockPath, h, testLogger())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(EncodePacket(CmdNOP, nil))
	require.NoError(t, err)

	select {
	case cmd := <-h.calls:
		require.Equal(t, "NOP", cmd.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	uid := <-h.uids
	require.GreaterOrEqual(t, uid, 0, "uid should come from real SCM_CREDENTIALS")
}

func TestServer_RepliesToNodeStatusQuery(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	node, _ := domain.ParseAddress("127.0.0.1:80")
	h := NewHandler(health.NewFailureManager(), staticResolver("web1", node), nil, nil, nil, testLogger())

	srv, err := NewServer(sockPath, h, testLogger())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	clientPath := filepath.Join(t.TempDir(), "client.sock")
	client, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: clientPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteTo(EncodePacket(CmdNodeStatus, []byte("web1:8080")), &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)

	buf := make([]byte, maxPacketSize)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	cmd, payload, err := DecodePacket(buf[:n])
	require.NoError(t, err)
	require.Equal(t, CmdNodeStatus, cmd)
	require.Equal(t, "web1:8080\x00ok", string(payload))
}

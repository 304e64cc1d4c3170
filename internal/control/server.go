package control

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/logger"
)

// maxPacketSize bounds one control datagram, matching the small fixed-size
// packets spec.md section 4.9 describes (command, length, short payload).
const maxPacketSize = 4096

// Server reads control packets off a local AF_UNIX datagram socket and
// dispatches them to a Handler. It uses SCM_CREDENTIALS rather than
// net.ListenUDP so that the sender's real uid is available to the
// authorization check (spec.md section 4.9's "peer_uid" field) — a plain
// UDP socket carries no such credential at all.
type Server struct {
	conn *net.UnixConn
	h    ports.ControlHandler
	log  *logger.StyledLogger

	wg sync.WaitGroup
}

// NewServer binds a SOCK_DGRAM socket at path, removing any stale socket
// file left behind by a previous run first.
func NewServer(path string, h ports.ControlHandler, log *logger.StyledLogger) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}

	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if err == nil {
		err = setErr
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Server{conn: conn, h: h, log: log}, nil
}

// Serve reads packets until ctx is cancelled or the socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf := make([]byte, maxPacketSize)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		n, oobn, _, addr, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}

		uid := uidFromOOB(oob[:oobn])
		packet := append([]byte(nil), buf[:n]...)

		s.wg.Add(1)
		go s.handle(ctx, packet, uid, addr)
	}
}

func (s *Server) handle(ctx context.Context, packet []byte, uid int, addr *net.UnixAddr) {
	defer s.wg.Done()

	cmd, payload, err := DecodePacket(packet)
	if err != nil {
		// Malformed packets are dropped silently rather than replied to,
		// avoiding use of this socket as a reflection amplifier.
		s.log.Debug("dropping malformed control packet", "error", err)
		return
	}

	reply, err := s.h.Handle(ctx, ports.ControlCommand{Name: cmd.String(), Payload: payload}, uid)
	if err != nil {
		s.log.Warn("control command failed", "command", cmd, "error", err)
		return
	}
	if reply == nil || addr == nil || addr.Name == "" {
		return
	}
	if _, err := s.conn.WriteToUnix(EncodePacket(cmd, reply), addr); err != nil {
		s.log.Debug("failed to send control reply", "error", err)
	}
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// uidFromOOB extracts the sender's uid from an SCM_CREDENTIALS ancillary
// message, returning -1 (unprivileged) if none was attached — a sender
// without SO_PASSCRED enabled, or a kernel that did not attach it, is
// treated the same as an untrusted remote peer.
func uidFromOOB(oob []byte) int {
	if len(oob) == 0 {
		return -1
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1
	}
	for _, m := range messages {
		cred, err := unix.ParseUnixCredentials(&m)
		if err != nil {
			continue
		}
		return int(cred.Uid)
	}
	return -1
}

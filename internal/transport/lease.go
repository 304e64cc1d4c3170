package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ReleaseAction is the disposition a lease's owner requests when releasing
// it, per spec.md section 4.1.
type ReleaseAction int

const (
	ActionReuse ReleaseAction = iota
	ActionDestroy
)

// HandlerResult is the result code a wrapped handler returns from
// OnBufferedData, mirroring the BLOCKING/OK/DESTROYED vocabulary of
// spec.md section 4.1.
type HandlerResult int

const (
	HandlerOK HandlerResult = iota
	HandlerAgain
	HandlerBlocking
	HandlerDestroyed
)

// DataHandler is the callback a SocketLease user installs to consume
// buffered input, invoked once per Fill/drain cycle.
type DataHandler interface {
	// OnBufferedData is called with the currently available bytes; it must
	// return how many of them it consumed and a HandlerResult describing
	// what happened.
	OnBufferedData(data []byte) (consumed int, result HandlerResult)
	// OnError is called when a read fails, including on the preserved
	// buffer after release (per spec.md section 4.1 failure semantics).
	OnError(err error)
}

// handlerInfo records whether Release was called during the current
// OnBufferedData invocation and what action was requested, implementing the
// thread-local-equivalent pointer described in spec.md section 4.1.
type handlerInfo struct {
	released bool
	action   ReleaseAction
}

// SocketLease lends a *BufferedSocket to a caller and, on release, captures
// any unread input into an owned buffer so the caller can keep draining it
// even after the socket has been returned to a pool — the mechanism
// described in spec.md section 4.1 and exercised by testable property 9.
type SocketLease struct {
	mu sync.Mutex

	socket   *BufferedSocket
	preserve bytes.Buffer
	released bool
	destroyed bool

	handler DataHandler
	current *handlerInfo
}

func NewSocketLease(socket *BufferedSocket, handler DataHandler) *SocketLease {
	return &SocketLease{socket: socket, handler: handler}
}

// Release detaches the lease from the underlying socket. If preserve is
// true, any bytes already sitting in the socket's input buffer are copied
// into the lease's own buffer first, so a subsequent Read still sees them.
func (l *SocketLease) Release(preserve bool, action ReleaseAction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	if preserve && l.socket != nil {
		if n := l.socket.Buffered(); n > 0 {
			b, _ := l.socket.Peek(n)
			l.preserve.Write(b)
		}
	}
	if action == ActionDestroy && l.socket != nil {
		_ = l.socket.Close()
		l.destroyed = true
	}
	if l.current != nil {
		l.current.released = true
		l.current.action = action
	}
	l.socket = nil
}

// IsReleased reports whether Release has been called.
func (l *SocketLease) IsReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// IsEmpty reports whether the lease has no data left to drain: for an
// attached lease this is never true here (the socket may always produce
// more), for a released lease it reflects the preserved buffer.
func (l *SocketLease) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.released {
		return false
	}
	return l.preserve.Len() == 0
}

func (l *SocketLease) GetAvailable() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return l.preserve.Len()
	}
	if l.socket != nil {
		return l.socket.Buffered()
	}
	return 0
}

// invoke installs a fresh handlerInfo, calls the wrapped handler, and
// implements the four-step mapping from spec.md section 4.1: a DESTROYED
// return is only legal if Release happened during the call, and it maps to
// DESTROYED iff the requested action was ActionDestroy (otherwise the
// socket survives in the pool and we report OK upward).
func (l *SocketLease) invoke(data []byte) (consumed int, result HandlerResult) {
	info := &handlerInfo{}
	l.mu.Lock()
	l.current = info
	l.mu.Unlock()

	consumed, result = l.handler.OnBufferedData(data)

	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()

	if result == HandlerDestroyed {
		if !info.released {
			panic("transport: handler returned HandlerDestroyed without releasing the lease")
		}
		if info.action == ActionDestroy {
			return consumed, HandlerDestroyed
		}
		return consumed, HandlerOK
	}
	return consumed, result
}

// Read drives one read cycle: while attached, it fills the socket and hands
// fresh bytes to the handler; once released, it only ever drains the
// preserved buffer, per spec.md section 4.1 ("Read() after release must
// never invoke the underlying socket again").
func (l *SocketLease) Read() (ReadResult, error) {
	for {
		l.mu.Lock()
		released := l.released
		l.mu.Unlock()

		if released {
			return l.readPreserved()
		}

		l.mu.Lock()
		socket := l.socket
		l.mu.Unlock()
		if socket == nil {
			return ReadDestroyed, errors.New("transport: lease has no socket")
		}

		res, err := socket.Fill()
		switch res {
		case ReadBlocking:
			return ReadBlocking, nil
		case ReadDisconnected, ReadDestroyed:
			l.handler.OnError(err)
			return res, err
		}

		n := socket.Buffered()
		if n == 0 {
			return ReadBlocking, nil
		}
		data, _ := socket.Peek(n)
		consumed, result := l.invoke(data)
		if consumed > 0 {
			_, _ = io.CopyN(io.Discard, socket.Reader(), int64(consumed))
		}

		switch result {
		case HandlerDestroyed:
			return ReadDestroyed, nil
		case HandlerAgain:
			l.mu.Lock()
			stillReleased := l.released
			l.mu.Unlock()
			if stillReleased && l.preserve.Len() == 0 {
				return ReadOK, nil
			}
			continue
		default:
			return ReadOK, nil
		}
	}
}

func (l *SocketLease) readPreserved() (ReadResult, error) {
	l.mu.Lock()
	if l.preserve.Len() == 0 {
		l.mu.Unlock()
		return ReadOK, nil
	}
	data := l.preserve.Bytes()
	l.mu.Unlock()

	consumed, result := l.invoke(data)

	l.mu.Lock()
	if consumed > 0 {
		l.preserve.Next(consumed)
	}
	l.mu.Unlock()

	if result == HandlerDestroyed {
		return ReadDestroyed, nil
	}
	return ReadOK, nil
}

// DisposeConsumed drops n bytes from the preserved buffer directly, for
// callers that consume out-of-band of the handler protocol (e.g. a TCP
// relay copying bytes verbatim to the peer side).
func (l *SocketLease) DisposeConsumed(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		l.preserve.Next(n)
	}
}

// ReadBuffer returns the bytes currently available without consuming them,
// unified across the attached and released states per spec.md section 4.1.
func (l *SocketLease) ReadBuffer() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return l.preserve.Bytes()
	}
	if l.socket == nil {
		return nil
	}
	n := l.socket.Buffered()
	b, _ := l.socket.Peek(n)
	return b
}

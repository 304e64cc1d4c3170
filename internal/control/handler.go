package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cm4all/golb/internal/core/constants"
	"github.com/cm4all/golb/internal/core/domain"
	"github.com/cm4all/golb/internal/core/ports"
	"github.com/cm4all/golb/internal/logger"
)

// NodeResolver looks up a configured node's base address by name, per
// original_source/src/lb/Control.cxx's instance.config.FindNode(). The
// control-plane payload then supplies the port to pair with it.
type NodeResolver func(name string) (domain.Address, bool)

// ZeroconfToggle enables or disables this instance's Zeroconf publication,
// the collaborator DISABLE_ZEROCONF/ENABLE_ZEROCONF mutate.
type ZeroconfToggle interface {
	SetEnabled(enabled bool)
}

// StateReloader re-reads whatever persisted node state RELOAD_STATE is
// meant to refresh. A nil StateReloader makes RELOAD_STATE a no-op.
type StateReloader interface {
	Reload(ctx context.Context) error
}

// Handler implements ports.ControlHandler, dispatching each decoded command
// per spec.md section 4.9 and grounded command-by-command on
// original_source/src/lb/Control.cxx's OnControlPacket.
type Handler struct {
	failures ports.FailureManager
	resolver NodeResolver
	zeroconf ZeroconfToggle
	state    StateReloader
	log      *logger.StyledLogger
	setLevel func(verbose bool)
}

func NewHandler(failures ports.FailureManager, resolver NodeResolver, zeroconf ZeroconfToggle, state StateReloader, setLevel func(verbose bool), log *logger.StyledLogger) *Handler {
	return &Handler{
		failures: failures,
		resolver: resolver,
		zeroconf: zeroconf,
		state:    state,
		setLevel: setLevel,
		log:      log,
	}
}

var _ ports.ControlHandler = (*Handler)(nil)

// Handle dispatches cmd, enforcing spec.md testable property 10: a
// non-privileged sender (uid < 0) may only issue NODE_STATUS and NOP,
// every other command is silently ignored (no reply, no error logged at
// warning level — this is expected traffic from an unprivileged peer, not a
// malfunction).
func (h *Handler) Handle(ctx context.Context, cmd ports.ControlCommand, uid int) ([]byte, error) {
	command := commandFromName(cmd.Name)

	if command.IsPrivileged() && uid < 0 {
		h.log.Debug("ignoring privileged control command from unprivileged sender", "command", cmd.Name)
		return nil, nil
	}

	switch command {
	case CmdNOP:
		return nil, nil

	case CmdTCacheInvalidate:
		// No translation cache exists in this domain; retained so an
		// operator's existing tooling doesn't get a protocol error.
		return nil, nil

	case CmdFadeChildren:
		// No worker-process fleet to fade in this architecture; retained
		// as a no-op for compatibility, per spec.md section 4.9.
		return nil, nil

	case CmdDisableZeroconf:
		if h.zeroconf != nil {
			h.zeroconf.SetEnabled(false)
		}
		return nil, nil

	case CmdEnableZeroconf:
		if h.zeroconf != nil {
			h.zeroconf.SetEnabled(true)
		}
		return nil, nil

	case CmdEnableNode:
		addr, err := h.resolveNodePort(cmd.Payload)
		if err != nil {
			h.log.Info("malformed ENABLE_NODE control packet", "error", err)
			return nil, nil
		}
		h.failures.UnsetAll(addr)
		h.log.Info("enabled node", "address", addr)
		return nil, nil

	case CmdFadeNode:
		addr, err := h.resolveNodePort(cmd.Payload)
		if err != nil {
			h.log.Info("malformed FADE_NODE control packet", "error", err)
			return nil, nil
		}
		h.failures.Set(addr, domain.FailureFade, constants.ControlFadeDuration)
		h.log.Info("faded node", "address", addr, "duration", constants.ControlFadeDuration)
		return nil, nil

	case CmdNodeStatus:
		return h.nodeStatus(cmd.Payload), nil

	case CmdVerbose:
		if h.setLevel != nil && len(cmd.Payload) == 1 {
			h.setLevel(cmd.Payload[0] != 0)
		}
		return nil, nil

	case CmdReloadState:
		if h.state != nil {
			if err := h.state.Reload(ctx); err != nil {
				h.log.Warn("RELOAD_STATE failed", "error", err)
			}
		}
		return nil, nil

	default:
		h.log.Debug("unknown control command", "command", cmd.Name)
		return nil, nil
	}
}

func commandFromName(name string) Command {
	for c := CmdNOP; c <= CmdReloadState; c++ {
		if c.String() == name {
			return c
		}
	}
	return Command(0xffff)
}

// resolveNodePort parses a "name:port" payload, looks the node up by name
// via the resolver, and pairs its base address with the given port, per
// original_source's EnableNode/FadeNode parsing.
func (h *Handler) resolveNodePort(payload []byte) (domain.Address, error) {
	name, portStr, err := splitNamePort(payload)
	if err != nil {
		return domain.Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return domain.Address{}, fmt.Errorf("port %q is not a number", portStr)
	}
	if h.resolver == nil {
		return domain.Address{}, fmt.Errorf("no node resolver configured")
	}
	base, ok := h.resolver(name)
	if !ok {
		return domain.Address{}, fmt.Errorf("no such node %q", name)
	}
	return base.WithPort(uint16(port)), nil
}

func splitNamePort(payload []byte) (name, port string, err error) {
	s := string(payload)
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("no port in %q", s)
	}
	name, port = s[:i], s[i+1:]
	if name == "" {
		return "", "", fmt.Errorf("no node name in %q", s)
	}
	return name, port, nil
}

// nodeStatus replies with payload + NUL + status, per
// original_source's node_status_response(): the reply always echoes back
// the exact bytes the client sent, with the status appended so a client can
// match replies to outstanding queries.
func (h *Handler) nodeStatus(payload []byte) []byte {
	status := "error"
	if addr, err := h.resolveNodePort(payload); err == nil {
		status = statusString(h.failures.Get(addr))
	}
	reply := make([]byte, 0, len(payload)+1+len(status))
	reply = append(reply, payload...)
	reply = append(reply, 0)
	reply = append(reply, status...)
	return reply
}

// statusString maps a FailureStatus to the three values
// original_source/src/lb/Control.cxx's failure_status_to_string() ever
// returns over the wire: anything else (FailureConnect, FailureProtocol,
// FailureMonitor) collapses to "error" rather than being reported
// individually, since a control-plane client only distinguishes
// ok/fade/error.
func statusString(status domain.FailureStatus) string {
	switch status {
	case domain.FailureOK:
		return "ok"
	case domain.FailureFade:
		return "fade"
	default:
		return "error"
	}
}

// Package control implements the control-plane packet handler from spec.md
// section 4.9: small packets carrying a (command, payload) pair arrive over
// a local datagram socket, privileged commands are gated on the sender's
// uid, and a handful of commands mutate FailureManager state or reply with
// node status.
package control

import (
	"encoding/binary"
	"fmt"
)

// Command is the 16-bit command id from the wire packet, per spec.md
// section 4.9's "16-bit command id, 16-bit payload length" framing. The
// exact numeric values are this module's own assignment: original_source/
// references the beng-control wire format by name only, and no numeric
// command-id table ships with it, so these constants are ordered to match
// spec.md's command table rather than any external protocol registry.
type Command uint16

const (
	CmdNOP Command = iota
	CmdTCacheInvalidate
	CmdFadeChildren
	CmdDisableZeroconf
	CmdEnableZeroconf
	CmdEnableNode
	CmdFadeNode
	CmdNodeStatus
	CmdVerbose
	CmdReloadState
)

func (c Command) String() string {
	switch c {
	case CmdNOP:
		return "NOP"
	case CmdTCacheInvalidate:
		return "TCACHE_INVALIDATE"
	case CmdFadeChildren:
		return "FADE_CHILDREN"
	case CmdDisableZeroconf:
		return "DISABLE_ZEROCONF"
	case CmdEnableZeroconf:
		return "ENABLE_ZEROCONF"
	case CmdEnableNode:
		return "ENABLE_NODE"
	case CmdFadeNode:
		return "FADE_NODE"
	case CmdNodeStatus:
		return "NODE_STATUS"
	case CmdVerbose:
		return "VERBOSE"
	case CmdReloadState:
		return "RELOAD_STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(c))
	}
}

// privilegedCommands change state and therefore require a non-negative
// uid, per spec.md section 4.9 and testable property 10: NODE_STATUS and
// NOP are the only commands a non-privileged sender may issue.
var privilegedCommands = map[Command]bool{
	CmdTCacheInvalidate: true,
	CmdFadeChildren:     true,
	CmdDisableZeroconf:  true,
	CmdEnableZeroconf:   true,
	CmdEnableNode:       true,
	CmdFadeNode:         true,
	CmdVerbose:          true,
	CmdReloadState:      true,
}

// IsPrivileged reports whether c requires uid >= 0 to execute.
func (c Command) IsPrivileged() bool { return privilegedCommands[c] }

const headerSize = 4

// EncodePacket frames cmd+payload as command(2) || length(2) || payload, all
// big-endian, per spec.md section 4.9.
func EncodePacket(cmd Command, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(cmd))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// DecodePacket parses a raw datagram into a command and its payload.
// Malformed packets are logged and ignored by the caller, never replied to
// (spec.md section 4.9: "avoiding amplification"), so this returns a plain
// error rather than a partially-decoded result.
func DecodePacket(data []byte) (Command, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, fmt.Errorf("control: packet too short (%d bytes)", len(data))
	}
	cmd := Command(binary.BigEndian.Uint16(data[0:2]))
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if headerSize+length > len(data) {
		return 0, nil, fmt.Errorf("control: payload length %d exceeds packet size", length)
	}
	return cmd, data[headerSize : headerSize+length], nil
}

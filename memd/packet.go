package memd

import (
	"fmt"
	"strings"
	"time"
)

// BarrierFrame is used to signal to the server that this command should be
// barriered and must not be executed concurrently with other commands.
type BarrierFrame struct {
	// Barrier frame has no additional configuration.
}

// DurabilityLevelFrame allows you to specify a durability level for an
// operation through the frame extras.
type DurabilityLevelFrame struct {
	DurabilityLevel DurabilityLevel
}

// DurabilityTimeoutFrame allows you to specify a specific timeout for
// durability operations to timeout.  Note that this frame is actually
// an extension of DurabilityLevelFrame and requires that frame to also
// be used in order to function.
type DurabilityTimeoutFrame struct {
	DurabilityTimeout time.Duration
}

// StreamIDFrame provides information about which stream this particular
// operation is related to (used for DCP streams).
type StreamIDFrame struct {
	StreamID uint16
}

// OpenTracingFrame allows open tracing context information to be included
// along with a command which is being performed.
type OpenTracingFrame struct {
	TraceContext []byte
}

// ServerDurationFrame allows client to receive how long the server spent
// processing the request.
type ServerDurationFrame struct {
	ServerDuration time.Duration
}

// UserImpersonationFrame is used to indicate a user to impersonate.
// Internal: This should never be used and is not supported.
type UserImpersonationFrame struct {
	User []byte
}

// PreserveExpiryFrame is used to indicate that the server should preserve the
// expiry time for existing document.
type PreserveExpiryFrame struct {
}

// Packet represents a single request or response packet being exchanged
// between two clients.
type Packet struct {
	Magic        CmdMagic
	Command      CmdCode
	Datatype     uint8
	Status       StatusCode
	Vbucket      uint16
	Opaque       uint32
	Cas          uint64
	CollectionID uint32
	Key          []byte
	Extras       []byte
	Value        []byte

	BarrierFrame           *BarrierFrame
	DurabilityLevelFrame   *DurabilityLevelFrame
	DurabilityTimeoutFrame *DurabilityTimeoutFrame
	StreamIDFrame          *StreamIDFrame
	OpenTracingFrame       *OpenTracingFrame
	ServerDurationFrame    *ServerDurationFrame
	UserImpersonationFrame *UserImpersonationFrame
	PreserveExpiryFrame    *PreserveExpiryFrame
}

// HasFrames reports whether any flexible frame extras are attached to the packet.
func (pak *Packet) HasFrames() bool {
	return pak.BarrierFrame != nil ||
		pak.DurabilityLevelFrame != nil ||
		pak.DurabilityTimeoutFrame != nil ||
		pak.StreamIDFrame != nil ||
		pak.OpenTracingFrame != nil ||
		pak.ServerDurationFrame != nil ||
		pak.UserImpersonationFrame != nil ||
		pak.PreserveExpiryFrame != nil
}

func (pak *Packet) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb,
		"memd.Packet{Magic:0x%02x(%s), Command:0x%02x(%s), Datatype:0x%02x, Status:0x%04x(%s), "+
			"Vbucket:%d(0x%04x), Opaque:0x%08x, Cas: 0x%016x, CollectionID:%d(0x%08x), Barrier:%t",
		uint8(pak.Magic), pak.Magic.String(),
		uint8(pak.Command), pak.Command.Name(),
		pak.Datatype,
		uint16(pak.Status), pak.Status.KVText(),
		pak.Vbucket, pak.Vbucket,
		pak.Opaque,
		pak.Cas,
		pak.CollectionID, pak.CollectionID,
		pak.BarrierFrame != nil)

	sb.WriteString("\nKey:\n")
	sb.WriteString(hexDump(pak.Key))
	sb.WriteString("\nValue:\n")
	sb.WriteString(hexDump(pak.Value))
	sb.WriteString("\nExtras:\n")
	sb.WriteString(hexDump(pak.Extras))

	if pak.DurabilityLevelFrame != nil {
		fmt.Fprintf(&sb, "\nDurability Level: 0x%02x", uint8(pak.DurabilityLevelFrame.DurabilityLevel))
	}
	if pak.DurabilityTimeoutFrame != nil {
		fmt.Fprintf(&sb, "\nDurability Level Timeout: %s", pak.DurabilityTimeoutFrame.DurabilityTimeout)
	}
	if pak.StreamIDFrame != nil {
		fmt.Fprintf(&sb, "\nStreamID: 0x%02x", pak.StreamIDFrame.StreamID)
	}
	if pak.OpenTracingFrame != nil {
		sb.WriteString("\nTrace Context:\n")
		sb.WriteString(hexDump(pak.OpenTracingFrame.TraceContext))
	}
	if pak.ServerDurationFrame != nil {
		fmt.Fprintf(&sb, "\nServer Duration: %s", pak.ServerDurationFrame.ServerDuration)
	}
	if pak.UserImpersonationFrame != nil {
		fmt.Fprintf(&sb, "\nUser: %s", pak.UserImpersonationFrame.User)
	}
	if pak.PreserveExpiryFrame != nil {
		sb.WriteString("\nPreserve Expiry: true")
	}

	sb.WriteString("}")
	return sb.String()
}

// hexDump renders 16 bytes per line as offset, hex columns and printable ascii.
// Multi-line dumps end every line with a newline.
func hexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	var lines []string
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		var line strings.Builder
		fmt.Fprintf(&line, "%4d  ", offset)
		for i := 0; i < 16; i++ {
			if i < len(chunk) {
				fmt.Fprintf(&line, "%02X ", chunk[i])
			} else {
				line.WriteString("   ")
			}
			if i == 7 {
				line.WriteString(" ")
			}
		}
		line.WriteString(" ")
		for i := 0; i < 16; i++ {
			if i >= len(chunk) {
				line.WriteString(" ")
				continue
			}
			c := chunk[i]
			if c < 32 || c > 126 {
				line.WriteByte('.')
			} else {
				line.WriteByte(c)
			}
		}
		lines = append(lines, line.String())
	}

	if len(lines) == 1 {
		return lines[0]
	}
	return strings.Join(lines, "\n") + "\n"
}

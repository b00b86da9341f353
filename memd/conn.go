package memd

import (
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

const headerLen = 24

var (
	// ErrProtocol is returned when a malformed frame is encountered on the wire.
	ErrProtocol = errors.New("memd protocol error")

	errFramesNotEnabled = errors.New("cannot use framing extras without alt requests enabled")
	errCollectionOnCmd  = errors.New("cannot encode collection id with a non-collection command")
)

// Conn represents a memcached protocol connection.
type Conn struct {
	stream io.ReadWriter

	headerBuf [headerLen]byte

	// Features are enabled by the bootstrap while the read loop is running.
	collectionsEnabled atomic.Bool
	altRequestsEnabled atomic.Bool
	durationsEnabled   atomic.Bool
}

// NewConn creates a new connection object which can be used to perform
// reading and writing of packets.
func NewConn(stream io.ReadWriter) *Conn {
	return &Conn{
		stream: stream,
	}
}

// EnableFeature enables a particular feature on this connection.
func (c *Conn) EnableFeature(feature HelloFeature) {
	switch feature {
	case FeatureCollections:
		c.collectionsEnabled.Store(true)
	case FeatureAltRequests:
		c.altRequestsEnabled.Store(true)
	case FeatureDurations:
		c.durationsEnabled.Store(true)
	}
}

// IsFeatureEnabled indicates whether a particular feature is enabled
// on this particular connection.
func (c *Conn) IsFeatureEnabled(feature HelloFeature) bool {
	switch feature {
	case FeatureCollections:
		return c.collectionsEnabled.Load()
	case FeatureAltRequests:
		return c.altRequestsEnabled.Load()
	case FeatureDurations:
		return c.durationsEnabled.Load()
	}
	return false
}

// IsCommandCollectionEncoded reports whether the key of the given command is
// prefixed by its collection id when collections are enabled.
func IsCommandCollectionEncoded(cmd CmdCode) bool {
	switch cmd {
	case CmdGet, CmdSet, CmdAdd, CmdReplace, CmdDelete, CmdIncrement, CmdDecrement,
		CmdAppend, CmdPrepend, CmdTouch, CmdGAT, CmdGetReplica, CmdGetLocked,
		CmdUnlockKey:
		return true
	}
	return false
}

func appendFrameHeader(buf []byte, ftype frameType, flen int) []byte {
	var hdr byte
	var ext []byte

	if ftype < 15 {
		hdr |= byte(ftype) << 4
	} else {
		hdr |= 0xF0
		ext = append(ext, byte(ftype-15))
	}

	if flen < 15 {
		hdr |= byte(flen)
	} else {
		hdr |= 0x0F
		ext = append(ext, byte(flen-15))
	}

	buf = append(buf, hdr)
	return append(buf, ext...)
}

func (c *Conn) encodeFrames(pkt *Packet) ([]byte, error) {
	var buf []byte

	if pkt.Magic == CmdMagicReq {
		if pkt.BarrierFrame != nil {
			buf = appendFrameHeader(buf, frameTypeReqBarrier, 0)
		}

		if pkt.DurabilityLevelFrame != nil || pkt.DurabilityTimeoutFrame != nil {
			if pkt.DurabilityLevelFrame == nil {
				return nil, errors.New("cannot encode durability timeout frame without durability level frame")
			}

			if pkt.DurabilityTimeoutFrame == nil {
				buf = appendFrameHeader(buf, frameTypeReqSyncDurability, 1)
				buf = append(buf, byte(pkt.DurabilityLevelFrame.DurabilityLevel))
			} else {
				timeoutMillis := pkt.DurabilityTimeoutFrame.DurabilityTimeout / time.Millisecond
				if timeoutMillis > 65535 {
					timeoutMillis = 65535
				}

				buf = appendFrameHeader(buf, frameTypeReqSyncDurability, 3)
				buf = append(buf, byte(pkt.DurabilityLevelFrame.DurabilityLevel))
				buf = binary.BigEndian.AppendUint16(buf, uint16(timeoutMillis))
			}
		}

		if pkt.StreamIDFrame != nil {
			buf = appendFrameHeader(buf, frameTypeReqStreamID, 2)
			buf = binary.BigEndian.AppendUint16(buf, pkt.StreamIDFrame.StreamID)
		}

		if pkt.OpenTracingFrame != nil {
			buf = appendFrameHeader(buf, frameTypeReqOpenTracing, len(pkt.OpenTracingFrame.TraceContext))
			buf = append(buf, pkt.OpenTracingFrame.TraceContext...)
		}

		if pkt.UserImpersonationFrame != nil {
			buf = appendFrameHeader(buf, frameTypeReqUserImpersonation, len(pkt.UserImpersonationFrame.User))
			buf = append(buf, pkt.UserImpersonationFrame.User...)
		}

		if pkt.PreserveExpiryFrame != nil {
			buf = appendFrameHeader(buf, frameTypeReqPreserveExpiry, 0)
		}

		if pkt.ServerDurationFrame != nil {
			return nil, errors.New("cannot use server duration frame in a request")
		}
	} else {
		if pkt.ServerDurationFrame != nil {
			buf = appendFrameHeader(buf, frameTypeResSrvDuration, 2)
			buf = binary.BigEndian.AppendUint16(buf, EncodeSrvDura16(pkt.ServerDurationFrame.ServerDuration))
		}

		if pkt.BarrierFrame != nil || pkt.DurabilityLevelFrame != nil || pkt.DurabilityTimeoutFrame != nil ||
			pkt.StreamIDFrame != nil || pkt.OpenTracingFrame != nil || pkt.UserImpersonationFrame != nil ||
			pkt.PreserveExpiryFrame != nil {
			return nil, errors.New("cannot use request frames in a response")
		}
	}

	return buf, nil
}

// WritePacket writes a packet to the network.  The packet is encoded into a
// freshly allocated buffer; the caller's packet is never modified.
func (c *Conn) WritePacket(pkt *Packet) error {
	_, err := c.WritePacketN(pkt)
	return err
}

// WritePacketN encodes and writes pkt, returning how many bytes reached the
// stream. Encoding failures always report zero.
func (c *Conn) WritePacketN(pkt *Packet) (int, error) {
	encodedKey := pkt.Key
	if c.collectionsEnabled.Load() && IsCommandCollectionEncoded(pkt.Command) {
		if pkt.Magic == CmdMagicReq || len(pkt.Key) > 0 || pkt.CollectionID > 0 {
			collEncodedKey := make([]byte, 0, len(encodedKey)+5)
			collEncodedKey = AppendULEB128_32(collEncodedKey, pkt.CollectionID)
			collEncodedKey = append(collEncodedKey, encodedKey...)
			encodedKey = collEncodedKey
		}
	} else if pkt.CollectionID > 0 {
		return 0, errCollectionOnCmd
	}

	var framesBuf []byte
	if pkt.HasFrames() {
		if pkt.Magic == CmdMagicReq && !c.altRequestsEnabled.Load() {
			return 0, errFramesNotEnabled
		}

		var err error
		framesBuf, err = c.encodeFrames(pkt)
		if err != nil {
			return 0, err
		}
	}

	extLen := len(pkt.Extras)
	keyLen := len(encodedKey)
	valLen := len(pkt.Value)
	framesLen := len(framesBuf)
	bodyLen := framesLen + extLen + keyLen + valLen

	buffer := make([]byte, headerLen+bodyLen)
	pos := 0

	magic := pkt.Magic
	if framesLen > 0 {
		switch magic {
		case CmdMagicReq:
			magic = cmdMagicReqExt
		case CmdMagicRes:
			magic = cmdMagicResExt
		default:
			return 0, errors.New("cannot use frames with this packet magic")
		}

		if keyLen > 255 {
			return 0, errors.New("key too long to encode with framing extras")
		}
		if framesLen > 255 {
			return 0, errors.New("framing extras too long to encode")
		}

		buffer[2] = byte(framesLen)
		buffer[3] = byte(keyLen)
	} else {
		binary.BigEndian.PutUint16(buffer[2:], uint16(keyLen))
	}

	buffer[0] = byte(magic)
	buffer[1] = byte(pkt.Command)
	buffer[4] = byte(extLen)
	buffer[5] = pkt.Datatype

	switch pkt.Magic {
	case CmdMagicReq, CmdMagicServerReq:
		if pkt.Status != 0 {
			return 0, errors.New("cannot specify status in a request packet")
		}
		binary.BigEndian.PutUint16(buffer[6:], pkt.Vbucket)
	case CmdMagicRes:
		if pkt.Vbucket != 0 {
			return 0, errors.New("cannot specify vbucket in a response packet")
		}
		binary.BigEndian.PutUint16(buffer[6:], uint16(pkt.Status))
	default:
		return 0, errors.New("cannot encode status/vbucket for unknown packet magic")
	}

	binary.BigEndian.PutUint32(buffer[8:], uint32(bodyLen))
	binary.BigEndian.PutUint32(buffer[12:], pkt.Opaque)
	binary.BigEndian.PutUint64(buffer[16:], pkt.Cas)
	pos += headerLen

	copy(buffer[pos:], framesBuf)
	pos += framesLen

	copy(buffer[pos:], pkt.Extras)
	pos += extLen

	copy(buffer[pos:], encodedKey)
	pos += keyLen

	copy(buffer[pos:], pkt.Value)

	return c.stream.Write(buffer)
}

func (c *Conn) decodeFrames(pkt *Packet, buf []byte, isRequest bool) error {
	for len(buf) > 0 {
		header := buf[0]
		buf = buf[1:]

		ftype := frameType((header & 0xF0) >> 4)
		if ftype == 15 {
			if len(buf) < 1 {
				return ErrProtocol
			}
			ftype = frameType(15 + buf[0])
			buf = buf[1:]
		}

		flen := int(header & 0x0F)
		if flen == 15 {
			if len(buf) < 1 {
				return ErrProtocol
			}
			flen = 15 + int(buf[0])
			buf = buf[1:]
		}

		if len(buf) < flen {
			return ErrProtocol
		}
		frameBody := buf[:flen]
		buf = buf[flen:]

		if isRequest {
			switch ftype {
			case frameTypeReqBarrier:
				pkt.BarrierFrame = &BarrierFrame{}
			case frameTypeReqSyncDurability:
				if flen != 1 && flen != 3 {
					return ErrProtocol
				}
				pkt.DurabilityLevelFrame = &DurabilityLevelFrame{
					DurabilityLevel: DurabilityLevel(frameBody[0]),
				}
				if flen == 3 {
					pkt.DurabilityTimeoutFrame = &DurabilityTimeoutFrame{
						DurabilityTimeout: time.Duration(binary.BigEndian.Uint16(frameBody[1:])) * time.Millisecond,
					}
				}
			case frameTypeReqStreamID:
				if flen != 2 {
					return ErrProtocol
				}
				pkt.StreamIDFrame = &StreamIDFrame{
					StreamID: binary.BigEndian.Uint16(frameBody),
				}
			case frameTypeReqOpenTracing:
				pkt.OpenTracingFrame = &OpenTracingFrame{
					TraceContext: append([]byte(nil), frameBody...),
				}
			case frameTypeReqUserImpersonation:
				pkt.UserImpersonationFrame = &UserImpersonationFrame{
					User: append([]byte(nil), frameBody...),
				}
			case frameTypeReqPreserveExpiry:
				pkt.PreserveExpiryFrame = &PreserveExpiryFrame{}
			}
		} else {
			if ftype == frameTypeResSrvDuration {
				if flen != 2 {
					return ErrProtocol
				}
				pkt.ServerDurationFrame = &ServerDurationFrame{
					ServerDuration: DecodeSrvDura16(binary.BigEndian.Uint16(frameBody)),
				}
			}
		}
	}

	return nil
}

// ReadPacket reads a packet from the network, returning the packet and the
// number of bytes read off the wire.
func (c *Conn) ReadPacket() (*Packet, int, error) {
	header := c.headerBuf[:]
	_, err := io.ReadFull(c.stream, header)
	if err != nil {
		return nil, 0, err
	}

	pkt := &Packet{}

	magic := CmdMagic(header[0])
	var keyLen, framesLen int
	switch magic {
	case CmdMagicReq, CmdMagicRes, CmdMagicServerReq:
		keyLen = int(binary.BigEndian.Uint16(header[2:]))
	case cmdMagicReqExt:
		magic = CmdMagicReq
		framesLen = int(header[2])
		keyLen = int(header[3])
	case cmdMagicResExt:
		magic = CmdMagicRes
		framesLen = int(header[2])
		keyLen = int(header[3])
	default:
		return nil, 0, ErrProtocol
	}

	pkt.Magic = magic
	pkt.Command = CmdCode(header[1])
	extLen := int(header[4])
	pkt.Datatype = header[5]
	if magic == CmdMagicRes {
		pkt.Status = StatusCode(binary.BigEndian.Uint16(header[6:]))
	} else {
		pkt.Vbucket = binary.BigEndian.Uint16(header[6:])
	}
	bodyLen := int(binary.BigEndian.Uint32(header[8:]))
	pkt.Opaque = binary.BigEndian.Uint32(header[12:])
	pkt.Cas = binary.BigEndian.Uint64(header[16:])

	if framesLen+extLen+keyLen > bodyLen {
		return nil, 0, ErrProtocol
	}

	body := make([]byte, bodyLen)
	_, err = io.ReadFull(c.stream, body)
	if err != nil {
		return nil, 0, err
	}

	pos := 0
	if framesLen > 0 {
		err = c.decodeFrames(pkt, body[:framesLen], magic == CmdMagicReq)
		if err != nil {
			return nil, 0, err
		}
		pos += framesLen
	}

	if extLen > 0 {
		pkt.Extras = body[pos : pos+extLen]
		pos += extLen
	}

	var key []byte
	if keyLen > 0 {
		key = body[pos : pos+keyLen]
		pos += keyLen
	}

	if c.collectionsEnabled.Load() && IsCommandCollectionEncoded(pkt.Command) && len(key) > 0 {
		collectionID, idLen, err := DecodeULEB128_32(key)
		if err != nil {
			return nil, 0, err
		}
		pkt.CollectionID = collectionID
		key = key[idLen:]
		if len(key) == 0 {
			key = nil
		}
	}
	pkt.Key = key

	if pos < bodyLen {
		pkt.Value = body[pos:]
	}

	return pkt, headerLen + bodyLen, nil
}

package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/irctrakz/ustack/pkg/core"
)

const (
	tcpSrcPort  = 0
	tcpDstPort  = 2
	tcpSeqNum   = 4
	tcpAckNum   = 8
	tcpDataOff  = 12
	tcpFlags    = 13
	tcpWinSize  = 14
	tcpChecksum = 16
	tcpUrgPtr   = 18
)

// TCPMinimumSize is the size of a TCP header without options.
const TCPMinimumSize = 20

// TCP header flags.
const (
	TCPFlagFin uint8 = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// TCP option kinds the stack understands.
const (
	TCPOptionEnd = 0
	TCPOptionNOP = 1
	TCPOptionMSS = 2
)

// TCPFields holds the fields of a TCP header for encoding.
type TCPFields struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	DataOffset uint8 // header length in bytes, >= TCPMinimumSize
	Flags      uint8
	WindowSize uint16
	UrgentPtr  uint16
}

// TCP is a typed view over a TCP header and payload.
type TCP []byte

// ParseTCP validates bounds and, unless the frame carried a verified
// checksum from hardware offload, the transport checksum over the
// pseudo-header and payload.
func ParseTCP(b []byte, src, dst netip.Addr, checksumVerified bool) (TCP, error) {
	if len(b) < TCPMinimumSize {
		return nil, core.ErrMalformed
	}
	t := TCP(b)
	off := int(t.DataOffset())
	if off < TCPMinimumSize || off > len(b) {
		return nil, core.ErrMalformed
	}
	if !checksumVerified {
		xsum := PseudoHeaderChecksum(ProtocolTCP, src, dst, uint16(len(b)))
		if Checksum(b, xsum) != 0xffff {
			return nil, core.ErrMalformed
		}
	}
	return t, nil
}

// SourcePort returns the source port field.
func (b TCP) SourcePort() uint16 { return binary.BigEndian.Uint16(b[tcpSrcPort:]) }

// DestinationPort returns the destination port field.
func (b TCP) DestinationPort() uint16 { return binary.BigEndian.Uint16(b[tcpDstPort:]) }

// SequenceNumber returns the sequence number field.
func (b TCP) SequenceNumber() uint32 { return binary.BigEndian.Uint32(b[tcpSeqNum:]) }

// AckNumber returns the acknowledgment number field.
func (b TCP) AckNumber() uint32 { return binary.BigEndian.Uint32(b[tcpAckNum:]) }

// DataOffset returns the header length in bytes.
func (b TCP) DataOffset() uint8 { return (b[tcpDataOff] >> 4) * 4 }

// Flags returns the flags field.
func (b TCP) Flags() uint8 { return b[tcpFlags] }

// WindowSize returns the advertised window field.
func (b TCP) WindowSize() uint16 { return binary.BigEndian.Uint16(b[tcpWinSize:]) }

// Checksum returns the checksum field.
func (b TCP) Checksum() uint16 { return binary.BigEndian.Uint16(b[tcpChecksum:]) }

// Options returns the raw option bytes between the fixed header and payload.
func (b TCP) Options() []byte { return b[TCPMinimumSize:b.DataOffset()] }

// Payload returns the segment payload.
func (b TCP) Payload() []byte { return b[b.DataOffset():] }

// ParsedMSS scans the options for an MSS option and returns its value, or 0
// when absent or truncated.
func (b TCP) ParsedMSS() uint16 {
	opts := b.Options()
	for len(opts) > 0 {
		switch opts[0] {
		case TCPOptionEnd:
			return 0
		case TCPOptionNOP:
			opts = opts[1:]
		case TCPOptionMSS:
			if len(opts) < 4 || opts[1] != 4 {
				return 0
			}
			return binary.BigEndian.Uint16(opts[2:])
		default:
			if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
				return 0
			}
			opts = opts[opts[1]:]
		}
	}
	return 0
}

// Encode writes the fixed header from the fields. Options and payload are
// written by the caller; SetChecksum finalizes.
func (b TCP) Encode(f *TCPFields) {
	binary.BigEndian.PutUint16(b[tcpSrcPort:], f.SrcPort)
	binary.BigEndian.PutUint16(b[tcpDstPort:], f.DstPort)
	binary.BigEndian.PutUint32(b[tcpSeqNum:], f.SeqNum)
	binary.BigEndian.PutUint32(b[tcpAckNum:], f.AckNum)
	b[tcpDataOff] = (f.DataOffset / 4) << 4
	b[tcpFlags] = f.Flags
	binary.BigEndian.PutUint16(b[tcpWinSize:], f.WindowSize)
	binary.BigEndian.PutUint16(b[tcpChecksum:], 0)
	binary.BigEndian.PutUint16(b[tcpUrgPtr:], f.UrgentPtr)
}

// EncodeMSSOption writes a 4-byte MSS option at the start of the option
// area.
func (b TCP) EncodeMSSOption(mss uint16) {
	opts := b[TCPMinimumSize:]
	opts[0] = TCPOptionMSS
	opts[1] = 4
	binary.BigEndian.PutUint16(opts[2:], mss)
}

// SetChecksum computes and stores the transport checksum over the
// pseudo-header, header, and payload.
func (b TCP) SetChecksum(src, dst netip.Addr) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], 0)
	xsum := PseudoHeaderChecksum(ProtocolTCP, src, dst, uint16(len(b)))
	binary.BigEndian.PutUint16(b[tcpChecksum:], ^Checksum(b, xsum))
}

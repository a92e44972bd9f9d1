// Package ipv4 implements IPv4 header encode/decode, longest-prefix routing,
// fragment reassembly, and fragmenting output.
package ipv4

import (
	"encoding/binary"
	"net"

	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/pktbuf"
)

// HeaderLen is the fixed (no-options) IPv4 header size in bytes.
const HeaderLen = 20

// Protocol numbers this stack understands.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	flagMoreFragments = 0x2000
	flagDontFragment  = 0x4000
	fragOffsetMask    = 0x1FFF
)

// Header is the decoded fixed IPv4 header.
type Header struct {
	VersionIHL  uint8
	TOS         uint8
	TotalLen    uint16
	ID          uint16
	FlagsFrag   uint16
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src         net.IP
	Dst         net.IP
}

// IHL returns the header length in bytes.
func (h Header) IHL() int { return int(h.VersionIHL&0x0F) * 4 }

// MoreFragments reports the MF bit.
func (h Header) MoreFragments() bool { return h.FlagsFrag&flagMoreFragments != 0 }

// DontFragment reports the DF bit.
func (h Header) DontFragment() bool { return h.FlagsFrag&flagDontFragment != 0 }

// FragOffset returns the fragment offset in 8-byte units.
func (h Header) FragOffset() uint16 { return h.FlagsFrag & fragOffsetMask }

// ByteOffset returns the fragment offset converted to bytes.
func (h Header) ByteOffset() int { return int(h.FragOffset()) * 8 }

// Decode parses the 20-byte fixed header at the front of buf (cursor must
// be at offset 0), validating version, header length, and total length
// against the buffer's actual size, and verifying the header checksum.
// On success it shrinks buf down to TotalLen (drivers may pad frames) and
// leaves the cursor positioned after the header.
func Decode(buf *pktbuf.Buf) (Header, error) {
	if buf.TotalSize() < HeaderLen {
		return Header{}, neterr.ErrFormat
	}
	raw := make([]byte, HeaderLen)
	buf.ResetAcc()
	buf.Read(raw, HeaderLen)

	h := Header{
		VersionIHL: raw[0],
		TOS:        raw[1],
		TotalLen:   binary.BigEndian.Uint16(raw[2:4]),
		ID:         binary.BigEndian.Uint16(raw[4:6]),
		FlagsFrag:  binary.BigEndian.Uint16(raw[6:8]),
		TTL:        raw[8],
		Protocol:   raw[9],
		Checksum:   binary.BigEndian.Uint16(raw[10:12]),
		Src:        net.IP(append([]byte(nil), raw[12:16]...)),
		Dst:        net.IP(append([]byte(nil), raw[16:20]...)),
	}
	if h.VersionIHL>>4 != 4 {
		return Header{}, neterr.ErrFormat
	}
	if h.IHL() < HeaderLen {
		return Header{}, neterr.ErrFormat
	}
	if int(h.TotalLen) > buf.TotalSize() || int(h.TotalLen) < h.IHL() {
		return Header{}, neterr.ErrFormat
	}

	buf.ResetAcc()
	sum := buf.Checksum16(HeaderLen, 0, true)
	if sum != 0 {
		return Header{}, neterr.ErrChecksum
	}

	if err := buf.Resize(int(h.TotalLen)); err != nil {
		return Header{}, err
	}
	buf.Seek(HeaderLen)
	return h, nil
}

// Encode writes a 20-byte IPv4 header (no options) for payload already
// present after the cursor, prepending it to buf and computing the header
// checksum.
func Encode(buf *pktbuf.Buf, h Header) error {
	payload := buf.TotalSize()
	if err := buf.AddHeader(HeaderLen, true); err != nil {
		return err
	}
	h.TotalLen = uint16(HeaderLen + payload)
	raw := make([]byte, HeaderLen)
	raw[0] = 0x40 | 5 // version 4, IHL 5 (no options)
	raw[1] = h.TOS
	binary.BigEndian.PutUint16(raw[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(raw[4:6], h.ID)
	binary.BigEndian.PutUint16(raw[6:8], h.FlagsFrag)
	raw[8] = h.TTL
	raw[9] = h.Protocol
	raw[10] = 0
	raw[11] = 0
	copy(raw[12:16], h.Src.To4())
	copy(raw[16:20], h.Dst.To4())

	buf.ResetAcc()
	buf.Write(raw, HeaderLen)

	buf.ResetAcc()
	sum := buf.Checksum16(HeaderLen, 0, true)
	binary.BigEndian.PutUint16(raw[10:12], sum)

	buf.ResetAcc()
	buf.Write(raw, HeaderLen)
	buf.ResetAcc()
	return nil
}

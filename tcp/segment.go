package tcp

import (
	"encoding/binary"
	"net"

	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/neterr"
	"github.com/m-lab/netstack/pktbuf"
)

// Flags holds the TCP control bits.
type Flags uint8

const (
	FIN Flags = 1 << 0
	SYN Flags = 1 << 1
	RST Flags = 1 << 2
	PSH Flags = 1 << 3
	ACK Flags = 1 << 4
	URG Flags = 1 << 5
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const (
	minHeaderLen = 20
	mssOptKind   = 2
	mssOptLen    = 4
)

// Segment is a decoded TCP header.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint16
	Checksum         uint16
	UrgPtr           uint16
	MSS              uint16 // 0 if the SYN carried no MSS option
	headerLen        int
}

func pseudoSum(srcIP, dstIP net.IP, length uint16) uint32 {
	var sum uint32
	s, d := srcIP.To4(), dstIP.To4()
	sum += uint32(s[0])<<8 | uint32(s[1])
	sum += uint32(s[2])<<8 | uint32(s[3])
	sum += uint32(d[0])<<8 | uint32(d[1])
	sum += uint32(d[2])<<8 | uint32(d[3])
	sum += uint32(ipv4.ProtoTCP)
	sum += uint32(length)
	return sum
}

// decodeSegment parses the TCP header (and MSS option, if present) at the
// front of buf, whose cursor must be at 0 and whose remaining bytes are
// exactly the TCP segment (header plus payload). It does not verify the
// checksum; callers check that separately against the IP addresses.
func decodeSegment(buf *pktbuf.Buf) (Segment, error) {
	if buf.TotalSize() < minHeaderLen {
		return Segment{}, neterr.ErrFormat
	}
	raw := make([]byte, minHeaderLen)
	buf.ResetAcc()
	buf.Read(raw, minHeaderLen)

	seg := Segment{
		SrcPort:  binary.BigEndian.Uint16(raw[0:2]),
		DstPort:  binary.BigEndian.Uint16(raw[2:4]),
		Seq:      binary.BigEndian.Uint32(raw[4:8]),
		Ack:      binary.BigEndian.Uint32(raw[8:12]),
		Flags:    Flags(raw[13]),
		Window:   binary.BigEndian.Uint16(raw[14:16]),
		Checksum: binary.BigEndian.Uint16(raw[16:18]),
		UrgPtr:   binary.BigEndian.Uint16(raw[18:20]),
	}
	dataOffset := int(raw[12]>>4) * 4
	if dataOffset < minHeaderLen || dataOffset > buf.TotalSize() {
		return Segment{}, neterr.ErrFormat
	}
	seg.headerLen = dataOffset

	if dataOffset > minHeaderLen {
		opts := make([]byte, dataOffset-minHeaderLen)
		buf.Read(opts, len(opts))
		for i := 0; i+1 < len(opts); {
			kind := opts[i]
			if kind == 0 {
				break
			}
			if kind == 1 {
				i++
				continue
			}
			if i+1 >= len(opts) {
				break
			}
			l := int(opts[i+1])
			if l < 2 || i+l > len(opts) {
				break
			}
			if kind == mssOptKind && l == mssOptLen {
				seg.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
			i += l
		}
	}
	return seg, nil
}

// payloadLen returns the number of payload bytes following the header in
// a buffer of total size totalSize.
func (s Segment) payloadLen(totalSize int) int { return totalSize - s.headerLen }

// encodeSegment prepends the TCP header (with an MSS option when
// seg.MSS != 0) to buf, whose cursor must be at the start of the payload
// already written, and fills in the checksum using the IP pseudo-header.
func encodeSegment(buf *pktbuf.Buf, seg Segment, srcIP, dstIP net.IP) error {
	payload := buf.TotalSize()
	headerLen := minHeaderLen
	var optBytes []byte
	if seg.MSS != 0 {
		optBytes = []byte{mssOptKind, mssOptLen, byte(seg.MSS >> 8), byte(seg.MSS)}
		headerLen += len(optBytes)
	}
	if err := buf.AddHeader(headerLen, true); err != nil {
		return err
	}
	raw := make([]byte, headerLen)
	binary.BigEndian.PutUint16(raw[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(raw[2:4], seg.DstPort)
	binary.BigEndian.PutUint32(raw[4:8], seg.Seq)
	binary.BigEndian.PutUint32(raw[8:12], seg.Ack)
	raw[12] = byte(headerLen/4) << 4
	raw[13] = byte(seg.Flags)
	binary.BigEndian.PutUint16(raw[14:16], seg.Window)
	binary.BigEndian.PutUint16(raw[18:20], seg.UrgPtr)
	copy(raw[minHeaderLen:], optBytes)

	buf.ResetAcc()
	buf.Write(raw, headerLen)

	buf.ResetAcc()
	sum := buf.Checksum16(headerLen+payload, pseudoSum(srcIP, dstIP, uint16(headerLen+payload)), true)
	binary.BigEndian.PutUint16(raw[16:18], sum)

	buf.ResetAcc()
	buf.Write(raw, headerLen)
	buf.ResetAcc()
	return nil
}

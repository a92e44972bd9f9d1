// Package tcpstat exports a per-connection snapshot of TCB state in the
// same flat, CSV-taggable shape the kernel's tcp_info diagnostics use, so
// the stack's own connections can be dumped and compared the same way.
package tcpstat

import (
	"io"

	"github.com/gocarina/gocsv"
)

// Snapshot is one point-in-time sample of a TCP connection's state,
// exported for archival or CSV dump. Field names and csv tags follow the
// TCP. prefix convention of this codebase's other exported stat structs.
type Snapshot struct {
	LocalAddr  string `csv:"TCP.LocalAddr"`
	LocalPort  uint16 `csv:"TCP.LocalPort"`
	RemoteAddr string `csv:"TCP.RemoteAddr"`
	RemotePort uint16 `csv:"TCP.RemotePort"`

	State       uint8 `csv:"TCP.State"`
	Retransmits uint32 `csv:"TCP.Retransmits"`

	RTO    uint32 `csv:"TCP.RTO"`
	SRTT   uint32 `csv:"TCP.SRTT"`
	RTTVar uint32 `csv:"TCP.RTTVar"`

	SndUna uint32 `csv:"TCP.SndUna"`
	SndNxt uint32 `csv:"TCP.SndNxt"`
	SndWnd uint32 `csv:"TCP.SndWnd"`

	RcvNxt uint32 `csv:"TCP.RcvNxt"`
	RcvWnd uint32 `csv:"TCP.RcvWnd"`

	DupAcks uint32 `csv:"TCP.DupAcks"`

	BytesSent     int64 `csv:"TCP.BytesSent"`
	BytesReceived int64 `csv:"TCP.BytesReceived"`
	BytesRetrans  int64 `csv:"TCP.BytesRetrans"`

	SegsOut int32 `csv:"TCP.SegsOut"`
	SegsIn  int32 `csv:"TCP.SegsIn"`
}

// WriteCSV marshals a batch of snapshots as CSV, header row included.
func WriteCSV(w io.Writer, snaps []*Snapshot) error {
	return gocsv.Marshal(snaps, w)
}

// MarshalCSV renders snaps to a CSV string, header row included.
func MarshalCSV(snaps []*Snapshot) (string, error) {
	return gocsv.MarshalString(snaps)
}

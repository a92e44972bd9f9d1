// Main package in csvtool converts netstack archive files (the
// zstd-compressed, length-prefixed archiveproto.Record streams written by
// archive.Writer) into CSV via gocsv.Marshal.
package main

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/archiveproto"
	"github.com/m-lab/netstack/zstd"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// row is one archived record flattened into gocsv-friendly columns.
type row struct {
	Timestamp   time.Time `csv:"timestamp"`
	ConnID      string    `csv:"conn_id"`
	LocalAddr   string    `csv:"local_addr"`
	LocalPort   uint32    `csv:"local_port"`
	RemoteAddr  string    `csv:"remote_addr"`
	RemotePort  uint32    `csv:"remote_port"`
	State       string    `csv:"state"`
	SndUna      uint32    `csv:"snd_una"`
	SndNxt      uint32    `csv:"snd_nxt"`
	RcvNxt      uint32    `csv:"rcv_nxt"`
	RTOMicros   int64     `csv:"rto_micros"`
	Retransmits uint32    `csv:"retransmits"`
}

// readRecords decodes a length-prefixed stream of archiveproto.Record
// messages, the wire format archive.Writer produces.
func readRecords(rdr io.Reader) ([]*archiveproto.Record, error) {
	br := newByteReader(rdr)
	var recs []*archiveproto.Record
	for {
		size, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		wire := make([]byte, size)
		if _, err := io.ReadFull(rdr, wire); err != nil {
			return nil, err
		}
		rec := &archiveproto.Record{}
		if err := proto.Unmarshal(wire, rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

// byteReader adapts an io.Reader to the io.ByteReader binary.ReadUvarint
// needs, one byte at a time.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func toRows(recs []*archiveproto.Record) []*row {
	rows := make([]*row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, &row{
			Timestamp:   time.Unix(0, r.TimestampNs).UTC(),
			ConnID:      r.ConnId,
			LocalAddr:   r.LocalAddr,
			LocalPort:   r.LocalPort,
			RemoteAddr:  r.RemoteAddr,
			RemotePort:  r.RemotePort,
			State:       r.State,
			SndUna:      r.SndUna,
			SndNxt:      r.SndNxt,
			RcvNxt:      r.RcvNxt,
			RTOMicros:   r.RtoMicros,
			Retransmits: r.Retransmits,
		})
	}
	return rows
}

func toCSV(recs []*archiveproto.Record, wtr io.Writer) error {
	return gocsv.Marshal(toRows(recs), wtr)
}

// openFile either opens a file, or opens and unzips a file that ends with .zst
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstd.NewReader(fn), nil
	}
	return os.Open(fn)
}

// TODO handle gs: filenames.
func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	recs, err := readRecords(source)
	rtx.Must(err, "Could not read archive records")
	rtx.Must(toCSV(recs, os.Stdout), "Could not convert input to CSV")
}

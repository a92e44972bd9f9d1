package main

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/archiveproto"
)

func TestMainTooManyArgs(t *testing.T) {
	defer func(args []string) {
		os.Args = args
		logFatal = log.Fatal
	}(os.Args)

	os.Args = []string{"test_csvtool", "file1", "file2"}
	logFatal = func(...interface{}) {
		panic("panic instead of log.Fatal")
	}

	defer func() {
		e := recover()
		if e == nil {
			t.Error("Should have panicked")
		}
	}()

	main()
}

func TestOpenFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "TestOpenFile")
	rtx.Must(err, "Could not make tempdir")
	defer os.RemoveAll(dir)
	rtx.Must(ioutil.WriteFile(dir+"/test.txt", []byte("abcd"), 0666), "Could not write test.txt")
	r, err := openFile(dir + "/test.txt")
	rtx.Must(err, "Could not open file")
	b, err := ioutil.ReadAll(r)
	rtx.Must(err, "Could not read file")
	if string(b) != "abcd" {
		t.Errorf("%q != \"abcd\"", string(b))
	}
}

// writeRecord appends one length-prefixed archiveproto.Record to buf,
// matching the wire format archive.Writer produces.
func writeRecord(buf *bytes.Buffer, rec *archiveproto.Record) {
	wire, err := proto.Marshal(rec)
	if err != nil {
		panic(err)
	}
	size := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(size, uint64(len(wire)))
	buf.Write(size[:n])
	buf.Write(wire)
}

func TestReadRecordsAndToCSV(t *testing.T) {
	src := bytes.NewBuffer(nil)
	writeRecord(src, &archiveproto.Record{
		ConnId:     "conn-1",
		LocalAddr:  "10.0.0.1",
		LocalPort:  9091,
		RemoteAddr: "10.0.0.2",
		RemotePort: 443,
		State:      "ESTABLISHED",
		SndUna:     10,
		SndNxt:     20,
		RcvNxt:     30,
	})
	writeRecord(src, &archiveproto.Record{
		ConnId:     "conn-2",
		LocalAddr:  "10.0.0.1",
		LocalPort:  9092,
		RemoteAddr: "10.0.0.3",
		RemotePort: 80,
		State:      "CLOSED",
	})

	recs, err := readRecords(src)
	rtx.Must(err, "Could not read records")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	buf := bytes.NewBuffer(nil)
	rtx.Must(toCSV(recs, buf), "Could not convert to CSV")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (header + 2 records): %q", len(lines), lines)
	}
	header := strings.Split(lines[0], ",")
	if header[2] != "local_addr" {
		t.Errorf("unexpected header column 2: %q", header[2])
	}
	row1 := strings.Split(lines[1], ",")
	if row1[1] != "conn-1" || row1[3] != "9091" {
		t.Errorf("unexpected first row: %v", row1)
	}
}

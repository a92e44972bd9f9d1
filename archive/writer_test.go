package archive_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/netstack/archive"
	"github.com/m-lab/netstack/archiveproto"
)

func TestAppendRotatesAndWritesFiles(t *testing.T) {
	dir, err := ioutil.TempDir("", "netstack_archive_test")
	rtx.Must(err, "could not create tempdir")
	oldDir, err := os.Getwd()
	rtx.Must(err, "could not get working directory")
	rtx.Must(os.Chdir(dir), "could not switch to temp dir %s", dir)
	defer func() {
		os.RemoveAll(dir)
		rtx.Must(os.Chdir(oldDir), "could not switch back to %s", oldDir)
	}()

	w := archive.NewWriter(2, time.Hour)
	now := time.Date(2018, 2, 6, 11, 12, 13, 0, time.UTC)

	rec := &archiveproto.Record{
		ConnId:     "conn-1",
		LocalAddr:  "10.0.0.1",
		LocalPort:  9000,
		RemoteAddr: "10.0.0.2",
		RemotePort: 5000,
		State:      "ESTABLISHED",
	}
	if err := w.Append("conn-1", rec, now); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	names, err := filepath.Glob("*conn-1*.zst")
	rtx.Must(err, "glob failed")
	if len(names) != 1 {
		t.Fatalf("expected exactly one archive file, got %v", names)
	}
}

func TestAppendWithNoMarshallersErrors(t *testing.T) {
	w := archive.NewWriter(0, time.Hour)
	err := w.Append("conn-1", &archiveproto.Record{}, time.Now())
	if err != archive.ErrNoMarshallers {
		t.Fatalf("expected ErrNoMarshallers, got %v", err)
	}
}

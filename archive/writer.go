// Package archive writes TCP engine events (state transitions and periodic
// snapshots) to rotating zstd-compressed, length-prefixed protobuf files.
// A Task/runMarshaller goroutine pool consumes a channel of marshal jobs;
// each connection tracks its own rotating output file, bumping a sequence
// number and expiration deadline every time it rotates.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/m-lab/netstack/archiveproto"
	"github.com/m-lab/netstack/metrics"
	"github.com/m-lab/netstack/zstd"
)

// ErrNoMarshallers mirrors saver.ErrNoMarshallers: a Writer constructed with
// zero marshalling goroutines can't accept tasks.
var ErrNoMarshallers = errors.New("archive: zero marshallers")

// Task is a single marshal-and-write job, mirroring saver.Task. A nil
// Record closes the writer instead of writing a record.
type Task struct {
	Record *archiveproto.Record
	Writer io.WriteCloser
}

// marshalChan is a channel of marshalling tasks, mirroring saver.MarshalChan.
type marshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Record == nil {
			task.Writer.Close()
			continue
		}
		wire, err := proto.Marshal(task.Record)
		if err != nil {
			log.Println("archive: marshal:", err)
			continue
		}
		size := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(size, uint64(len(wire)))
		if _, err := task.Writer.Write(size[:n]); err != nil {
			log.Println("archive: write length:", err)
			continue
		}
		if _, err := task.Writer.Write(wire); err != nil {
			log.Println("archive: write record:", err)
			continue
		}
		metrics.ArchiveRecordsWritten.Inc()
	}
	wg.Done()
}

func newMarshaller(wg *sync.WaitGroup) marshalChan {
	ch := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(ch, wg)
	return ch
}

// connFile tracks one connection's rotating output file, mirroring
// saver.Connection.
type connFile struct {
	connID     string
	startTime  time.Time
	sequence   int
	expiration time.Time
	writer     io.WriteCloser
}

// rotate opens the next output file for this connection, following
// saver.Connection.Rotate's naming and expiration-bump pattern.
func (c *connFile) rotate(ageLimit time.Duration) error {
	date := c.startTime.UTC().Format("20060102Z150405.000")
	name := fmt.Sprintf("%s_%s_%05d.zst", date, c.connID, c.sequence)
	w, err := zstd.NewWriter(name)
	if err != nil {
		return err
	}
	c.writer = w
	metrics.ArchiveFileCount.Inc()
	c.expiration = c.expiration.Add(ageLimit)
	c.sequence++
	return nil
}

// Writer archives TCP events for a set of connections, rotating each
// connection's output file every ageLimit and distributing marshal work
// across numMarshaller goroutines, mirroring saver.Saver's numMarshaller
// fan-out.
type Writer struct {
	mu           sync.Mutex
	ageLimit     time.Duration
	marshalChans []marshalChan
	done         *sync.WaitGroup
	conns        map[string]*connFile
}

// NewWriter constructs a Writer with numMarshaller marshalling goroutines
// and the given per-file age limit before a connection's file is rotated.
func NewWriter(numMarshaller int, ageLimit time.Duration) *Writer {
	wg := &sync.WaitGroup{}
	chans := make([]marshalChan, 0, numMarshaller)
	for i := 0; i < numMarshaller; i++ {
		chans = append(chans, newMarshaller(wg))
	}
	return &Writer{
		ageLimit:     ageLimit,
		marshalChans: chans,
		done:         wg,
		conns:        make(map[string]*connFile),
	}
}

func (w *Writer) chanFor(connID string) (marshalChan, error) {
	if len(w.marshalChans) == 0 {
		return nil, ErrNoMarshallers
	}
	var h uint32
	for i := 0; i < len(connID); i++ {
		h = h*31 + uint32(connID[i])
	}
	return w.marshalChans[int(h)%len(w.marshalChans)], nil
}

// Append queues rec for writing under connID, opening or rotating that
// connection's file as needed.
func (w *Writer) Append(connID string, rec *archiveproto.Record, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	q, err := w.chanFor(connID)
	if err != nil {
		return err
	}
	cf, ok := w.conns[connID]
	if !ok {
		cf = &connFile{connID: connID, startTime: now, expiration: now}
		w.conns[connID] = cf
	}
	if now.After(cf.expiration) && cf.writer != nil {
		q <- Task{Writer: cf.writer}
		cf.writer = nil
	}
	if cf.writer == nil {
		if err := cf.rotate(w.ageLimit); err != nil {
			return err
		}
	}
	q <- Task{Record: rec, Writer: cf.writer}
	return nil
}

// CloseConn flushes and closes connID's output file, forgetting it.
func (w *Writer) CloseConn(connID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cf, ok := w.conns[connID]
	if !ok || cf.writer == nil {
		return
	}
	q, err := w.chanFor(connID)
	if err != nil {
		return
	}
	q <- Task{Writer: cf.writer}
	delete(w.conns, connID)
}

// Close closes every open connection file and waits for all marshalling
// goroutines to drain, mirroring saver.Saver.Close.
func (w *Writer) Close() {
	w.mu.Lock()
	for id := range w.conns {
		cf := w.conns[id]
		if cf.writer == nil {
			continue
		}
		q, err := w.chanFor(id)
		if err == nil {
			q <- Task{Writer: cf.writer}
		}
	}
	w.conns = make(map[string]*connFile)
	w.mu.Unlock()

	for _, ch := range w.marshalChans {
		close(ch)
	}
	w.done.Wait()
}

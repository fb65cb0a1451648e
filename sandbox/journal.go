package sandbox

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/codius/go-sandbox/pkg/ptrace"
)

// journalEncMode uses Core Deterministic Encoding: the same record always
// produces identical bytes
var journalEncMode cbor.EncMode

func init() {
	var err error
	journalEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sandbox: CBOR encoder initialization failed: " + err.Error())
	}
}

// Journal record kinds
const (
	RecordSyscall  = "syscall"
	RecordExited   = "exited"
	RecordReleased = "released"
)

// JournalRecord is one entry of a journal
type JournalRecord struct {
	Time       int64    `cbor:"t"`
	Kind       string   `cbor:"k"`
	Pid        int      `cbor:"p"`
	Syscall    string   `cbor:"s,omitempty"`
	Args       []uint64 `cbor:"a,omitempty"`
	Errno      int      `cbor:"e,omitempty"`
	ExitStatus int      `cbor:"x,omitempty"`
}

func (r JournalRecord) String() string {
	switch r.Kind {
	case RecordSyscall:
		if r.Errno != 0 {
			return fmt.Sprintf("[%d] %s%#x = -%d", r.Pid, r.Syscall, r.Args, r.Errno)
		}
		return fmt.Sprintf("[%d] %s%#x", r.Pid, r.Syscall, r.Args)
	case RecordExited:
		return fmt.Sprintf("[%d] exited %d", r.Pid, r.ExitStatus)
	}
	return fmt.Sprintf("[%d] %s", r.Pid, r.Kind)
}

// Journal writes intercepted syscalls and lifecycle events to w as a CBOR
// sequence. The first write error is kept and stops further writes.
type Journal struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	err error
	now func() time.Time
}

// NewJournal creates a journal writing to w
func NewJournal(w io.Writer) *Journal {
	return &Journal{
		enc: journalEncMode.NewEncoder(w),
		now: time.Now,
	}
}

// Syscall records a decided syscall
func (j *Journal) Syscall(sc *ptrace.Syscall) {
	j.write(JournalRecord{
		Kind:    RecordSyscall,
		Pid:     sc.Pid,
		Syscall: sc.Name,
		Args:    sc.Args[:],
		Errno:   int(sc.Errno),
	})
}

// Event implements EventSink
func (j *Journal) Event(e Event) {
	r := JournalRecord{Pid: e.Pid}
	switch e.Kind {
	case EventExited:
		r.Kind = RecordExited
		r.ExitStatus = e.ExitStatus
	case EventReleased:
		r.Kind = RecordReleased
	default:
		r.Kind = e.Kind.String()
	}
	j.write(r)
}

// Err returns the first write error
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Journal) write(r JournalRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return
	}
	r.Time = j.now().UnixNano()
	if err := j.enc.Encode(r); err != nil {
		j.err = fmt.Errorf("journal: %w", err)
	}
}

// ReadJournal decodes every record of a journal
func ReadJournal(r io.Reader) ([]JournalRecord, error) {
	dec := cbor.NewDecoder(r)
	var ret []JournalRecord
	for {
		var rec JournalRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return ret, nil
		}
		if err != nil {
			return ret, fmt.Errorf("journal: record %d: %w", len(ret), err)
		}
		ret = append(ret, rec)
	}
}

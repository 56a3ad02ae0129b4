package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

const (
	DefaultFileName  = "xdrip_aidl_log.txt"
	trendPlaceholder = "N/A"
)

var errBufferFull = errors.New("audit buffer full")

var nowMillis = func() int64 { return time.Now().UnixMilli() }

var openAppend = func(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// FileAudit appends one line per reading and per state transition to a
// local file. Records are handed to a writer goroutine so callers never
// wait on disk; every lost record only bumps the failure counter.
type FileAudit struct {
	path      string
	lines     chan string
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	failures  atomic.Uint64
	onFailure func(error)

	// owned by the writer goroutine
	file   *os.File
	writer *bufio.Writer
}

// NewFileAudit starts the writer goroutine. The file is opened lazily and
// reopened after a failed write, so a missing directory or a full disk is
// never fatal.
func NewFileAudit(dir, name string, buffer int, onFailure func(error)) *FileAudit {
	if name == "" {
		name = DefaultFileName
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &FileAudit{
		path:      filepath.Join(dir, name),
		lines:     make(chan string, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
	go a.run()
	return a
}

func (a *FileAudit) Path() string { return a.path }

func (a *FileAudit) RecordReading(r domain.Reading) {
	a.enqueue(FormatReading(r))
}

func (a *FileAudit) RecordTransition(t ports.Transition) {
	a.enqueue(FormatTransition(t.To, nowMillis()))
}

func (a *FileAudit) Failures() uint64 { return a.failures.Load() }

// Close flushes pending records and releases the file.
func (a *FileAudit) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.stop)
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *FileAudit) enqueue(line string) {
	if a.closed.Load() {
		return
	}
	select {
	case a.lines <- line:
	default:
		a.fail(errBufferFull)
	}
}

func (a *FileAudit) run() {
	defer close(a.done)
	for {
		select {
		case line := <-a.lines:
			a.write(line)
		case <-a.stop:
			for {
				select {
				case line := <-a.lines:
					a.write(line)
				default:
					a.release(true)
					return
				}
			}
		}
	}
}

func (a *FileAudit) write(line string) {
	if a.file == nil {
		if err := a.open(); err != nil {
			a.fail(err)
			return
		}
	}
	if _, err := a.writer.WriteString(line); err != nil {
		a.fail(err)
		a.release(false)
		return
	}
	// group commit: flush once the hand-off buffer is drained
	if len(a.lines) > 0 {
		return
	}
	if err := a.writer.Flush(); err != nil {
		a.fail(err)
		a.release(false)
	}
}

func (a *FileAudit) open() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := openAppend(a.path)
	if err != nil {
		return err
	}
	a.file = f
	a.writer = bufio.NewWriterSize(f, 32<<10)
	return nil
}

// release closes the file. A writer that already failed is not flushed
// again; its error is sticky and was counted where it surfaced.
func (a *FileAudit) release(flush bool) {
	if a.file == nil {
		return
	}
	if flush {
		if err := a.writer.Flush(); err != nil {
			a.fail(err)
		}
	}
	_ = a.file.Close()
	a.file = nil
	a.writer = nil
}

func (a *FileAudit) fail(err error) {
	a.failures.Add(1)
	if a.onFailure != nil {
		a.onFailure(err)
	}
}

// FormatReading renders receivedAtEpochMillis, value, timestampEpochMillis, trend.
func FormatReading(r domain.Reading) string {
	trend := string(r.Trend)
	if trend == "" || r.Trend == domain.TrendUnknown {
		trend = trendPlaceholder
	}
	return fmt.Sprintf("%d, %s, %d, %s\n",
		r.ReceivedAt.UnixMilli(),
		strconv.FormatFloat(r.Value, 'f', -1, 64),
		r.Timestamp.UnixMilli(),
		trend,
	)
}

func FormatTransition(to domain.ConnectionState, atMillis int64) string {
	reason := to.Reason
	if reason == "" {
		reason = "-"
	}
	return fmt.Sprintf("%d, state=%s, reason=%s\n", atMillis, to.Kind, reason)
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordReading(domain.Reading)      {}
func (Nop) RecordTransition(ports.Transition) {}
func (Nop) Failures() uint64                  { return 0 }

var (
	_ ports.AuditSink = (*FileAudit)(nil)
	_ ports.AuditSink = Nop{}
)

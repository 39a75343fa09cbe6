package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChunkSize = 64 * 1024

// Appender is the write side of the log used by the trading components.
type Appender interface {
	Append(e Event) Event
}

// Log is an append-only JSON-lines event log with a single serialised writer.
//
// Append never fails from the caller's point of view: write faults are
// reported through the error handler and the trading action proceeds.
type Log struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	seq       int64
	seqLoaded bool

	fsync     bool
	chunkSize int
	now       func() time.Time
	onError   func(error)

	failures atomic.Int64
	corrupt  atomic.Int64
}

var _ Appender = (*Log)(nil)

// Option configures a Log.
type Option func(*Log)

// WithFsync makes every append wait for the data to reach the disk.
func WithFsync(enabled bool) Option {
	return func(l *Log) { l.fsync = enabled }
}

// WithErrorHandler sets the callback invoked on write faults.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Log) { l.onError = fn }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithChunkSize sets the backward read chunk size.
func WithChunkSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

// New returns a log writing to path. The file is opened lazily on the first append.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path:      path,
		chunkSize: defaultChunkSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Failures returns the number of appends that could not be persisted.
func (l *Log) Failures() int64 { return l.failures.Load() }

// Corrupt returns the number of undecodable lines skipped by readers so far.
func (l *Log) Corrupt() int64 { return l.corrupt.Load() }

// Append stamps e with ts and seq, writes it as one line and returns the stamped event.
func (l *Log) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.TS.IsZero() {
		e.TS = l.now()
	}
	e.TS = e.TS.UTC()
	e = sanitize(e)

	if err := l.ensureOpen(); err != nil {
		l.report(fmt.Errorf("open event log: %w", err))
		return e
	}

	e.Seq = l.seq + 1
	line, err := json.Marshal(e)
	if err != nil {
		// Keep the fill itself on disk even if its free-form details are unencodable.
		e.Details = map[string]any{"marshal_error": err.Error()}
		if line, err = json.Marshal(e); err != nil {
			l.report(fmt.Errorf("marshal event: %w", err))
			return e
		}
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		l.report(fmt.Errorf("write event: %w", err))
		_ = l.f.Close()
		l.f = nil
		return e
	}
	l.seq = e.Seq

	if l.fsync {
		if err := l.f.Sync(); err != nil {
			l.report(fmt.Errorf("sync event log: %w", err))
		}
	}
	return e
}

// Close releases the file handle. Later appends reopen it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *Log) ensureOpen() error {
	if l.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	if !l.seqLoaded {
		seq, err := l.lastSeq()
		if err != nil {
			return err
		}
		l.seq = seq
		l.seqLoaded = true
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	// A crash may have left an unterminated line; start ours on a fresh one.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		if last, err := lastByte(l.path, info.Size()); err == nil && last != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	l.f = f
	return nil
}

func (l *Log) lastSeq() (int64, error) {
	var seq int64
	found := false
	err := l.walkBackward(0, func(e Event) bool {
		seq = e.Seq
		found = true
		return false
	})
	if err != nil || !found || seq > 0 {
		return seq, err
	}
	// Older lines written without seq: fall back to counting lines.
	return l.countLines()
}

func (l *Log) countLines() (int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var n int64
	buf := make([]byte, l.chunkSize)
	for {
		c, err := f.Read(buf)
		n += int64(bytes.Count(buf[:c], []byte{'\n'}))
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

func (l *Log) report(err error) {
	l.failures.Add(1)
	if l.onError != nil {
		l.onError(err)
	}
}

func lastByte(path string, size int64) (byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, size-1); err != nil {
		return 0, err
	}
	return b[0], nil
}

func sanitize(e Event) Event {
	clean := func(p *float64) *float64 {
		if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
			return nil
		}
		return p
	}
	e.Price = clean(e.Price)
	e.Equity = clean(e.Equity)
	e.Cash = clean(e.Cash)
	return e
}

func (l *Log) decode(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		l.corrupt.Add(1)
		return Event{}, false
	}
	return e, true
}

// Scan calls fn for every decodable event in append order.
// Returning a non-nil error from fn stops the scan and is returned as is.
func (l *Log) Scan(fn func(Event) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, l.chunkSize)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if e, ok := l.decode(line); ok {
				if ferr := fn(e); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read event log: %w", err)
		}
	}
}

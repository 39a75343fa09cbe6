package events

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"
)

// TailRead returns up to limit events accepted by match, newest first.
// It reads the file backward in fixed-size chunks and stops once limit
// events were found or maxBytes were scanned. limit <= 0 and maxBytes <= 0
// mean unbounded; a nil match accepts everything.
func (l *Log) TailRead(limit int, match func(Event) bool, maxBytes int64) ([]Event, error) {
	var out []Event
	err := l.walkBackward(maxBytes, func(e Event) bool {
		if match == nil || match(e) {
			out = append(out, e)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// Since returns the events stamped at or after t, in append order.
// The walk stops at the first older event.
func (l *Log) Since(t time.Time, maxBytes int64) ([]Event, error) {
	var out []Event
	err := l.walkBackward(maxBytes, func(e Event) bool {
		if e.TS.Before(t) {
			return false
		}
		out = append(out, e)
		return true
	})
	slices.Reverse(out)
	return out, err
}

// walkBackward feeds decodable events to fn from the newest to the oldest
// until fn returns false, the file start is reached or maxBytes were read.
func (l *Log) walkBackward(maxBytes int64, fn func(Event) bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}

	pos := info.Size()
	var carry []byte
	var scanned int64
	for pos > 0 {
		if maxBytes > 0 && scanned >= maxBytes {
			return nil
		}
		n := int64(l.chunkSize)
		if n > pos {
			n = pos
		}
		pos -= n

		buf := make([]byte, int(n)+len(carry))
		if _, err := f.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read event log: %w", err)
		}
		copy(buf[n:], carry)
		scanned += n

		lines := bytes.Split(buf, []byte{'\n'})
		if pos > 0 {
			// The first piece may continue in the previous chunk.
			carry = lines[0]
			lines = lines[1:]
		} else {
			carry = nil
		}
		for i := len(lines) - 1; i >= 0; i-- {
			e, ok := l.decode(lines[i])
			if !ok {
				continue
			}
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

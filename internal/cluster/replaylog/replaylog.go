// Package replaylog implements the durable, rotated, optionally
// compressed outbound event log of spec.md §4.7: append-only segments
// under <state_dir>/cluster/log/, replay to a reconnecting peer from a
// timestamp bookmark, and GC by the minimum peer position.
package replaylog

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sentryd/sentryd/internal/cluster/wire"
)

// maxRecordsPerSegment is the rotation threshold spec.md §4.7 names.
const maxRecordsPerSegment = 50_000

// Record is one durable log entry.
type Record struct {
	TS       float64         `json:"ts"`
	Source   string          `json:"source_endpoint,omitempty"`
	Security *wire.Security  `json:"security_descriptor,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Log is the append-only replay log for one node.
type Log struct {
	dir      string
	compress bool
	log      *logrus.Entry

	mu      sync.Mutex
	current *os.File
	count   int

	persistCh chan Record
	done      chan struct{}
}

// Open opens (creating if necessary) the log directory dir and starts
// the persist worker. compress wraps each finished segment with zlib
// (github.com/klauspost/compress/zlib) per spec.md §4.7's "optional zlib
// wrap for the whole file".
func Open(dir string, compress bool, log *logrus.Entry) (*Log, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "replaylog: mkdir")
	}

	l := &Log{
		dir:       dir,
		compress:  compress,
		log:       log,
		persistCh: make(chan Record, 4096), // the bounded persist queue of spec.md §5
		done:      make(chan struct{}),
	}

	// "On startup, close-then-rotate-then-reopen": any leftover `current`
	// from a previous run is rotated out before we accept new writes.
	if _, err := os.Stat(l.currentPath()); err == nil {
		if err := l.rotateLocked(0); err != nil {
			return nil, err
		}
	}
	if err := l.openCurrentLocked(); err != nil {
		return nil, err
	}

	go l.persistLoop()
	return l, nil
}

func (l *Log) currentPath() string { return filepath.Join(l.dir, "current") }

func (l *Log) openCurrentLocked() error {
	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(err, "replaylog: open current")
	}
	l.current = f
	l.count = 0
	return nil
}

// Append enqueues rec for durable persistence. It blocks if the persist
// queue is saturated, the back-pressure policy of spec.md §5 ("bounded
// persist queue blocks durable producers rather than silently
// dropping").
func (l *Log) Append(rec Record) {
	l.persistCh <- rec
}

// Close stops the persist worker and closes the current segment.
func (l *Log) Close() error {
	close(l.persistCh)
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return l.current.Close()
	}
	return nil
}

func (l *Log) persistLoop() {
	defer close(l.done)
	for rec := range l.persistCh {
		if err := l.writeRecord(rec); err != nil {
			l.log.WithError(err).Error("replaylog: write record failed")
		}
	}
}

func (l *Log) writeRecord(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "replaylog: marshal record")
	}
	frame := strconv.Itoa(len(body)) + ":" + string(body) + ","
	if _, err := io.WriteString(l.current, frame); err != nil {
		return errors.Wrap(err, "replaylog: write frame")
	}

	l.count++
	if l.count >= maxRecordsPerSegment {
		return l.rotateLocked(rec.TS)
	}
	return nil
}

// rotateLocked closes current and renames it to <nextTS>, where nextTS
// is the timestamp just after the last record written (spec.md §4.7:
// "next_ts = last_message_ts + 1"), then reopens a fresh current. Caller
// must hold l.mu.
func (l *Log) rotateLocked(lastTS float64) error {
	if l.current != nil {
		if err := l.current.Close(); err != nil {
			return errors.Wrap(err, "replaylog: close segment")
		}
		if _, statErr := os.Stat(l.currentPath()); statErr == nil {
			nextTS := int64(lastTS) + 1
			target := filepath.Join(l.dir, strconv.FormatInt(nextTS, 10))
			if err := os.Rename(l.currentPath(), target); err != nil {
				return errors.Wrap(err, "replaylog: rotate rename")
			}
			if l.compress {
				if err := compressFile(target); err != nil {
					return err
				}
			}
		}
	}
	return l.openCurrentLocked()
}

func compressFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "replaylog: read for compression")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "replaylog: recreate for compression")
	}
	defer f.Close()
	zw := zlib.NewWriter(f)
	if _, err := zw.Write(raw); err != nil {
		return errors.Wrap(err, "replaylog: zlib write")
	}
	return zw.Close()
}

// segmentTimestamps returns every rotated segment's timestamp, sorted
// ascending. "current" is excluded.
func (l *Log) segmentTimestamps() ([]int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrap(err, "replaylog: read dir")
	}
	var ts []int64
	for _, e := range entries {
		if e.Name() == "current" {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ts = append(ts, n)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts, nil
}

func (l *Log) openSegmentForRead(ts int64) (io.ReadCloser, error) {
	path := filepath.Join(l.dir, strconv.FormatInt(ts, 10))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !l.compress {
		return f, nil
	}
	zr, err := zlib.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "replaylog: zlib reader")
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: zr, Closer: f}, nil
}

// GC deletes every rotated segment whose filename timestamp is older
// than minpos, the minimum local_log_position over all non-self
// endpoints (spec.md §4.7).
func (l *Log) GC(minpos float64) (deleted int, err error) {
	ts, err := l.segmentTimestamps()
	if err != nil {
		return 0, err
	}
	for _, t := range ts {
		if float64(t) < minpos {
			path := filepath.Join(l.dir, strconv.FormatInt(t, 10))
			if rmErr := os.Remove(path); rmErr == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

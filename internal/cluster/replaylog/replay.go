package replaylog

import (
	"bufio"
	"encoding/json"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sentryd/sentryd/internal/cluster/wire"
)

// PeerView is the subset of endpoint state ReplayTo needs: the
// destination's name (for source-suppression) and its privilege check
// over a record's security descriptor.
type PeerView interface {
	Name() string
	HasPrivileges(sec *wire.Security) bool
}

// Sender delivers one record's payload to the peer; returning an error
// aborts the replay.
type Sender func(payload json.RawMessage) error

// ReplayTo implements spec.md §4.7's replay loop: repeated passes over
// the rotated segments starting at peerTS, rotating the live segment
// before each pass so concurrently-arriving messages are captured by a
// later pass instead of racing the reader. It terminates when a pass
// replays fewer than maxRecordsPerSegment records, i.e. the peer has
// caught up.
func (l *Log) ReplayTo(peer PeerView, peerTS float64, send Sender) error {
	for {
		l.mu.Lock()
		err := l.rotateLocked(peerTS)
		l.mu.Unlock()
		if err != nil {
			return err
		}

		ts, err := l.segmentTimestamps()
		if err != nil {
			return err
		}

		replayed := 0
		for _, fileTS := range ts {
			if float64(fileTS) < peerTS {
				continue
			}
			n, lastTS, err := l.replaySegment(fileTS, peer, peerTS, send)
			if err != nil {
				return err
			}
			replayed += n
			if lastTS > peerTS {
				peerTS = lastTS
			}
		}

		if replayed < maxRecordsPerSegment {
			return nil
		}
	}
}

func (l *Log) replaySegment(fileTS int64, peer PeerView, peerTS float64, send Sender) (replayed int, lastTS float64, err error) {
	rc, err := l.openSegmentForRead(fileTS)
	if err != nil {
		return 0, peerTS, errors.Wrap(err, "replaylog: open segment")
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	for {
		rec, readErr := readRecord(br)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// A truncated or garbled record is expected after a crash
			// mid-write (spec.md §7's CorruptReplayLog class): log it,
			// stop reading this segment, and let the caller move on to
			// the next one rather than aborting the whole replay.
			l.log.WithError(readErr).WithField("segment", fileTS).Warn("replaylog: corrupt record, skipping rest of segment")
			break
		}

		if rec.TS < peerTS {
			continue
		}
		if rec.Source == peer.Name() {
			continue
		}
		if rec.Security != nil && !peer.HasPrivileges(rec.Security) {
			continue
		}
		if err := send(rec.Payload); err != nil {
			return replayed, lastTS, err
		}
		lastTS = rec.TS
		replayed++
	}
	return replayed, lastTS, nil
}

// readRecord decodes one NetString-framed Record, mirroring
// wire.Reader.ReadMessage's framing but for the replay log's on-disk
// Record shape instead of the wire Message envelope.
func readRecord(br *bufio.Reader) (Record, error) {
	lenStr, err := br.ReadString(':')
	if err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errors.Wrap(err, "replaylog: read length prefix")
	}
	lenStr = lenStr[:len(lenStr)-1]

	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return Record{}, errors.Errorf("replaylog: invalid frame length %q", lenStr)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return Record{}, errors.Wrap(err, "replaylog: read frame body")
	}
	trailer := make([]byte, 1)
	if _, err := io.ReadFull(br, trailer); err != nil {
		return Record{}, errors.Wrap(err, "replaylog: read frame trailer")
	}

	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return Record{}, errors.Wrap(err, "replaylog: decode json")
	}
	return rec, nil
}

package replaylog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/cluster/wire"
)

type fakePeer struct {
	name string
}

func (p fakePeer) Name() string                               { return p.name }
func (p fakePeer) HasPrivileges(sec *wire.Security) bool       { return true }

func TestAppendAndReplayToRoundTrips(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, false, nil)
	assert.NilError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		log.Append(Record{TS: float64(i + 1), Payload: payload})
	}

	// Give the persist worker time to flush before we read it back.
	waitForFlush(t, log)

	var got []int
	err = log.ReplayTo(fakePeer{name: "peerA"}, 0, func(payload json.RawMessage) error {
		var m map[string]int
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		got = append(got, m["n"])
		return nil
	})
	assert.NilError(t, err)
	assert.Equal(t, len(got), 5)
}

func TestReplayToSkipsRecordsFromPeerItself(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, false, nil)
	assert.NilError(t, err)
	defer log.Close()

	payload, _ := json.Marshal(map[string]int{"n": 1})
	log.Append(Record{TS: 1, Source: "peerA", Payload: payload})
	waitForFlush(t, log)

	var got int
	err = log.ReplayTo(fakePeer{name: "peerA"}, 0, func(payload json.RawMessage) error {
		got++
		return nil
	})
	assert.NilError(t, err)
	assert.Equal(t, got, 0, "a record originated by the replay destination must not be replayed back to it")
}

// TestReplayToSkipsCorruptSegmentAndContinues guards spec.md §7's
// CorruptReplayLog class: a truncated record (as left by a crash
// mid-write) must stop replay of that segment only, not the whole
// ReplayTo call.
func TestReplayToSkipsCorruptSegmentAndContinues(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, false, nil)
	assert.NilError(t, err)
	defer log.Close()

	// Segment "2": one good record followed by a frame whose length
	// prefix promises more bytes than the file actually has.
	payload, _ := json.Marshal(map[string]int{"n": 1})
	good, _ := json.Marshal(Record{TS: 1, Payload: payload})
	frame := strconv.Itoa(len(good)) + ":" + string(good) + ","
	corrupt := frame + "999:{truncated"
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "2"), []byte(corrupt), 0o600))

	// A later segment with a clean record, proving replay moves past the
	// damaged segment instead of giving up entirely.
	payload2, _ := json.Marshal(map[string]int{"n": 2})
	log.Append(Record{TS: 3, Payload: payload2})
	waitForFlush(t, log)
	log.mu.Lock()
	assert.NilError(t, log.rotateLocked(3))
	log.mu.Unlock()

	var got []int
	err = log.ReplayTo(fakePeer{name: "peerA"}, 0, func(payload json.RawMessage) error {
		var m map[string]int
		if e := json.Unmarshal(payload, &m); e != nil {
			return e
		}
		got = append(got, m["n"])
		return nil
	})
	assert.NilError(t, err, "a corrupt record must not abort the whole replay")
	assert.DeepEqual(t, got, []int{1, 2})
}

func TestGCDeletesSegmentsOlderThanMinpos(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, true, nil)
	assert.NilError(t, err)
	defer log.Close()

	payload, _ := json.Marshal(map[string]int{"n": 1})
	log.Append(Record{TS: 100, Payload: payload})
	waitForFlush(t, log)

	log.mu.Lock()
	assert.NilError(t, log.rotateLocked(100))
	log.mu.Unlock()

	deleted, err := log.GC(200)
	assert.NilError(t, err)
	assert.Equal(t, deleted, 1)
}

func waitForFlush(t *testing.T, log *Log) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(log.persistCh) == 0 {
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(time.Millisecond)
	}
}

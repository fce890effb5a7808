package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/cluster/wire"
)

func TestIsIdleAfterSixtySeconds(t *testing.T) {
	e := New("peerA", "host", "5665")
	e.Touch(time.Now().Add(-90 * time.Second))
	assert.Check(t, e.IsIdle(time.Now()))
}

func TestIsIdleFalseBeforeTimeout(t *testing.T) {
	e := New("peerA", "host", "5665")
	e.Touch(time.Now())
	assert.Check(t, !e.IsIdle(time.Now()))
}

func TestSetFeaturesAndHasFeature(t *testing.T) {
	e := New("peerA", "host", "5665")
	e.SetFeatures([]string{"checker"})
	assert.Check(t, e.HasFeature("checker"))
	assert.Check(t, !e.HasFeature("notification"))
}

func TestRunIODeliversMessagesAndTearsDownOnReaderError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	e := New("peerA", "host", "5665")

	var received []string
	done := make(chan error, 1)
	go func() {
		done <- e.RunIO(context.Background(), server, func(ep *Endpoint, msg wire.Message) error {
			received = append(received, msg.Method)
			return nil
		})
	}()

	msg, err := wire.NewMessage("cluster::HeartBeat", wire.Params{TS: 1})
	assert.NilError(t, err)
	assert.NilError(t, wire.NewWriter(client).WriteMessage(msg))

	client.Close() // forces the reader to observe EOF and tear the pair down

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunIO did not return after client closed")
	}

	assert.Equal(t, len(received), 1)
	assert.Equal(t, received[0], "cluster::HeartBeat")
}

package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	msg, err := NewMessage("cluster::HeartBeat", Params{TS: 123.5})
	assert.NilError(t, err)

	var buf bytes.Buffer
	assert.NilError(t, NewWriter(&buf).WriteMessage(msg))

	got, err := NewReader(&buf).ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, got.Method, "cluster::HeartBeat")
	assert.Equal(t, got.JSONRPC, "2.0")

	var params Params
	assert.NilError(t, json.Unmarshal(got.Params, &params))
	assert.Equal(t, params.TS, 123.5)
}

func TestReadMessageMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := 0; i < 3; i++ {
		msg, err := NewMessage("cluster::HeartBeat", Params{TS: float64(i)})
		assert.NilError(t, err)
		assert.NilError(t, w.WriteMessage(msg))
	}

	r := NewReader(&buf)
	for i := 0; i < 3; i++ {
		msg, err := r.ReadMessage()
		assert.NilError(t, err)
		var params Params
		assert.NilError(t, json.Unmarshal(msg.Params, &params))
		assert.Equal(t, params.TS, float64(i))
	}
}

func TestReadMessageRejectsMissingTrailer(t *testing.T) {
	buf := bytes.NewBufferString(`7:{"a":1}`) // missing trailing comma
	_, err := NewReader(buf).ReadMessage()
	assert.ErrorContains(t, err, "trailer")
}

package errtag

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestNewNilError(t *testing.T) {
	assert.Check(t, New(Fatal, "startup", nil) == nil)
}

func TestIsMatchesClass(t *testing.T) {
	err := New(CorruptReplayLog, "segment.read", errors.New("unexpected eof"))
	assert.Check(t, Is(err, CorruptReplayLog))
	assert.Check(t, !Is(err, ProtocolViolation))
}

func TestErrorStringIncludesOpAndClass(t *testing.T) {
	err := New(AuthorizationDenied, "router.relay", errors.New("missing Command privilege"))
	assert.ErrorContains(t, err, "router.relay")
	assert.ErrorContains(t, err, "authorization_denied")
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(TransientNetwork, "endpoint.dial", cause)
	assert.Check(t, errors.Is(err, cause))
}

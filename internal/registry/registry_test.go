package registry

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestRegisterAndGet(t *testing.T) {
	r := New[int]()
	assert.NilError(t, r.Register(Key{Type: "service", Name: "host!http"}, 1))

	v, ok := r.Get(Key{Type: "service", Name: "host!http"})
	assert.Check(t, ok)
	assert.Equal(t, v, 1)
}

func TestRegisterDuplicateErrors(t *testing.T) {
	r := New[int]()
	k := Key{Type: "host", Name: "h1"}
	assert.NilError(t, r.Register(k, 1))
	assert.ErrorContains(t, r.Register(k, 2), "already registered")
}

func TestUnregisterRemoves(t *testing.T) {
	r := New[int]()
	k := Key{Type: "host", Name: "h1"}
	assert.NilError(t, r.Register(k, 1))
	r.Unregister(k)

	_, ok := r.Get(k)
	assert.Check(t, !ok)
}

func TestAllIsSortedByKey(t *testing.T) {
	r := New[string]()
	assert.NilError(t, r.Register(Key{Type: "service", Name: "b"}, "b"))
	assert.NilError(t, r.Register(Key{Type: "service", Name: "a"}, "a"))
	assert.NilError(t, r.Register(Key{Type: "host", Name: "z"}, "z"))

	got := r.All()
	assert.DeepEqual(t, got, []string{"z", "a", "b"})
	assert.Equal(t, r.Len(), 3)
}

package listener

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sentryd/sentryd/internal/cluster/endpoint"
)

type fakeResolver struct {
	byName map[string]*endpoint.Endpoint
}

func (r *fakeResolver) ByName(cn string) (*endpoint.Endpoint, bool) {
	e, ok := r.byName[cn]
	return e, ok
}

func (r *fakeResolver) All() []*endpoint.Endpoint {
	out := make([]*endpoint.Endpoint, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	return out
}

func TestEvictIdleLoopClosesStaleEndpoints(t *testing.T) {
	e := endpoint.New("peerA", "127.0.0.1", "5665")
	e.Touch(time.Now().Add(-90 * time.Second))
	// SetState alone makes Connected() true without a live stream, so
	// this exercises the idle check path in isolation: a Connected
	// endpoint with a stale last_seen must be evicted.
	e.SetState(endpoint.StateConnected)

	resolver := &fakeResolver{byName: map[string]*endpoint.Endpoint{"peerA": e}}
	l := New(Config{}, resolver, nil, nil, nil)

	l.SweepOnce(time.Now())

	assert.Equal(t, e.State(), endpoint.StateDisconnected)
}

package domain

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestNoDomainsMeansAll(t *testing.T) {
	assert.Equal(t, Membership(nil, "edge"), All)
}

func TestMembershipIsUnionAcrossDomains(t *testing.T) {
	production := New("production")
	production.Grant("edge", Read)

	staging := New("staging")
	staging.Grant("edge", Command)

	got := Membership([]*Domain{production, staging}, "edge")
	assert.Check(t, got.Has(Read))
	assert.Check(t, got.Has(Command))
}

func TestUngrantedEndpointHasNoPrivileges(t *testing.T) {
	production := New("production")
	production.Grant("edge", Read)

	got := Membership([]*Domain{production}, "other")
	assert.Check(t, !got.Has(Read))
	assert.Check(t, !got.Has(Command))
}

func TestHasRequiresAllBits(t *testing.T) {
	assert.Check(t, All.Has(Read|Command))
	assert.Check(t, !Read.Has(Command))
}

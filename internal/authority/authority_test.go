package authority

import (
	"sort"
	"testing"

	"gotest.tools/v3/assert"
	"pgregory.net/rapid"
)

func connectedChecker(names ...string) []Candidate {
	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, Candidate{
			Name:      n,
			Connected: true,
			Features:  map[Feature]bool{FeatureChecker: true},
		})
	}
	return out
}

// TestAuthorityDeterminism is spec.md §8 scenario 3: endpoints {"a","b","c"},
// checkable name "host!http", the computed owner must be identical on
// every node given the same candidate set.
func TestAuthorityDeterminism(t *testing.T) {
	candidates := connectedChecker("a", "b", "c")
	c := Checkable{Type: "service", Name: "host!http"}

	owner, ok := Elect("a", candidates, c, FeatureChecker)
	assert.Check(t, ok)

	for _, self := range []string{"a", "b", "c"} {
		got, ok := Elect(self, candidates, c, FeatureChecker)
		assert.Check(t, ok)
		assert.Equal(t, got, owner, "election must be identical regardless of which node computes it")
	}
}

func TestNoEligibleCandidateMeansNoAuthority(t *testing.T) {
	c := Checkable{Type: "service", Name: "host!http"}
	_, ok := Elect("self", nil, c, FeatureChecker)
	assert.Check(t, !ok)
}

func TestDisconnectedNonSelfExcluded(t *testing.T) {
	candidates := []Candidate{
		{Name: "a", Connected: false, Features: map[Feature]bool{FeatureChecker: true}},
		{Name: "b", Connected: true, Features: map[Feature]bool{FeatureChecker: true}},
	}
	owner, ok := Elect("self", candidates, Checkable{Type: "service", Name: "x"}, FeatureChecker)
	assert.Check(t, ok)
	assert.Equal(t, owner, "b")
}

func TestSelfIncludedEvenWhenNotMarkedConnected(t *testing.T) {
	candidates := []Candidate{
		{Name: "self", Connected: false, Features: map[Feature]bool{FeatureChecker: true}},
	}
	owner, ok := Elect("self", candidates, Checkable{Type: "service", Name: "x"}, FeatureChecker)
	assert.Check(t, ok)
	assert.Equal(t, owner, "self")
}

func TestFeatureFilterExcludesNonSupportingEndpoints(t *testing.T) {
	candidates := []Candidate{
		{Name: "a", Connected: true, Features: map[Feature]bool{FeatureChecker: true}},
		{Name: "b", Connected: true, Features: map[Feature]bool{FeatureNotification: true}},
	}
	owner, ok := Elect("self", candidates, Checkable{Type: "service", Name: "x"}, FeatureNotification)
	assert.Check(t, ok)
	assert.Equal(t, owner, "b")
}

func TestWhitelistRestrictsEligibleSet(t *testing.T) {
	candidates := connectedChecker("a", "b", "c")
	c := Checkable{Type: "service", Name: "host!http", AuthorityWhitelist: []string{"b"}}
	owner, ok := Elect("self", candidates, c, FeatureChecker)
	assert.Check(t, ok)
	assert.Equal(t, owner, "b")
}

func TestSDBMMatchesClassicRecurrence(t *testing.T) {
	var want uint32
	s := "service\thost!http"
	for i := 0; i < len(s); i++ {
		want = want*65599 + uint32(s[i])
	}
	assert.Equal(t, sdbm(s), want)
}

// TestElectionStableUnderPermutation is a property test: for any set of
// distinct candidate names including "self", the elected owner depends
// only on the set, not on its order, because Elect sorts before hashing.
func TestElectionStableUnderPermutation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}`), 1, 12, rapid.ID).Draw(rt, "names")
		c := Checkable{Type: "service", Name: rapid.StringMatching(`[a-z!]{1,10}`).Draw(rt, "checkable")}

		base := connectedChecker(names...)
		ownerA, okA := Elect(names[0], base, c, FeatureChecker)

		shuffled := append([]Candidate(nil), base...)
		sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].Name > shuffled[j].Name })
		ownerB, okB := Elect(names[0], shuffled, c, FeatureChecker)

		assert.Equal(rt, okA, okB)
		if okA {
			assert.Equal(rt, ownerA, ownerB)
		}
	})
}

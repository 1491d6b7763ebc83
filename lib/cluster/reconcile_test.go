package cluster

import (
	"testing"

	"github.com/ValentinKolb/dGrid/lib/topology"
	"github.com/stretchr/testify/assert"
)

func stateful(id topology.MemberID, v topology.View) Summary {
	return Summary{Member: id, HasState: true, Expected: v, Generation: 3}
}

func stateless(id topology.MemberID) Summary {
	return Summary{Member: id}
}

func TestReconcile(t *testing.T) {
	last := topology.NewView(7, "a", "b", "c")
	other := topology.NewView(4, "a", "b")

	tests := []struct {
		name      string
		summaries []Summary
		complete  bool
		admitted  []topology.MemberID
		fresh     []topology.MemberID
		rejected  []topology.MemberID
		source    topology.MemberID
	}{
		{
			name:      "same order",
			summaries: []Summary{stateful("a", last), stateful("b", last), stateful("c", last)},
			complete:  true,
			admitted:  []topology.MemberID{"a", "b", "c"},
			source:    "a",
		},
		{
			name:      "reverse order",
			summaries: []Summary{stateful("c", last), stateful("b", last), stateful("a", last)},
			complete:  true,
			admitted:  []topology.MemberID{"c", "b", "a"},
			source:    "c",
		},
		{
			name:      "extraneous coordinator",
			summaries: []Summary{stateless("x"), stateful("a", last), stateful("b", last), stateful("c", last)},
			complete:  true,
			admitted:  []topology.MemberID{"a", "b", "c"},
			rejected:  []topology.MemberID{"x"},
			source:    "a",
		},
		{
			name:      "extraneous member",
			summaries: []Summary{stateful("a", last), stateless("x"), stateful("b", last), stateful("c", last)},
			complete:  true,
			admitted:  []topology.MemberID{"a", "b", "c"},
			rejected:  []topology.MemberID{"x"},
			source:    "a",
		},
		{
			name:      "stateful extraneous coordinator is outvoted",
			summaries: []Summary{stateful("x", topology.NewView(9, "x")), stateful("a", last), stateful("b", last), stateful("c", last)},
			complete:  true,
			admitted:  []topology.MemberID{"a", "b", "c"},
			rejected:  []topology.MemberID{"x"},
			source:    "a",
		},
		{
			name:      "member without state rejoins fresh",
			summaries: []Summary{stateful("a", last), stateless("b"), stateful("c", last)},
			complete:  true,
			admitted:  []topology.MemberID{"a", "b", "c"},
			fresh:     []topology.MemberID{"b"},
			source:    "a",
		},
		{
			name:      "disagreeing view",
			summaries: []Summary{stateful("a", last), stateful("b", other), stateful("c", last)},
			complete:  false,
			admitted:  []topology.MemberID{"a", "c"},
			rejected:  []topology.MemberID{"b"},
			source:    "a",
		},
		{
			name:      "members missing",
			summaries: []Summary{stateful("b", last)},
			complete:  false,
			admitted:  []topology.MemberID{"b"},
			source:    "b",
		},
		{
			name:      "fresh cluster",
			summaries: []Summary{stateless("b"), stateless("a")},
			complete:  true,
			admitted:  []topology.MemberID{"b", "a"},
			fresh:     []topology.MemberID{"a"},
			source:    "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Reconcile(tt.summaries)
			assert.Equal(t, tt.complete, out.Complete)
			assert.Equal(t, tt.admitted, out.Admitted)
			assert.Equal(t, tt.fresh, out.FreshMembers)
			assert.Equal(t, tt.source, out.Source)
			assert.Len(t, out.Rejected, len(tt.rejected))
			for _, id := range tt.rejected {
				assert.Contains(t, out.Rejected, id)
			}
		})
	}
}

func TestReconcileIsOrderIndependent(t *testing.T) {
	last := topology.NewView(2, "a", "b", "c")
	orders := [][]Summary{
		{stateful("a", last), stateful("b", last), stateful("c", last), stateless("x")},
		{stateless("x"), stateful("c", last), stateful("b", last), stateful("a", last)},
		{stateful("b", last), stateless("x"), stateful("a", last), stateful("c", last)},
	}
	for _, sums := range orders {
		out := Reconcile(sums)
		assert.True(t, out.Complete)
		assert.ElementsMatch(t, []topology.MemberID{"a", "b", "c"}, out.Admitted)
		assert.Contains(t, out.Rejected, topology.MemberID("x"))
		assert.Equal(t, uint64(4), out.Generation)
	}
}

func TestDecisionFor(t *testing.T) {
	last := topology.NewView(2, "a", "b")
	out := Reconcile([]Summary{stateful("a", last), stateless("b"), stateless("x")})

	d, ok := out.DecisionFor("a")
	assert.True(t, ok)
	assert.True(t, d.Admitted)
	assert.False(t, d.Fresh)

	d, ok = out.DecisionFor("b")
	assert.True(t, ok)
	assert.True(t, d.Fresh)
	assert.Equal(t, topology.MemberID("a"), d.Source)

	d, ok = out.DecisionFor("x")
	assert.True(t, ok)
	assert.False(t, d.Admitted)
	assert.NotEmpty(t, d.Reason)

	_, ok = out.DecisionFor("nobody")
	assert.False(t, ok)

	partial := Reconcile([]Summary{stateful("a", last)})
	_, ok = partial.DecisionFor("a")
	assert.False(t, ok, "admission waits for a complete outcome")
}

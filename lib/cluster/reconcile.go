package cluster

import (
	"fmt"

	"github.com/ValentinKolb/dGrid/lib/topology"
)

// Summary is what a starting member reports to the coordinator
type Summary struct {
	Member     topology.MemberID `json:"member"`
	HasState   bool              `json:"has_state"`
	Expected   topology.View     `json:"expected"`   // view recorded at the last shutdown
	Generation uint64            `json:"generation"` // highest version generation the member knows
}

// Outcome is the result of reconciling the summaries of a starting cluster
type Outcome struct {
	Fresh        bool                         `json:"fresh"`         // no member had persisted state
	Complete     bool                         `json:"complete"`      // every expected member is admitted
	Expected     topology.View                `json:"expected"`      // the anchor view (empty when fresh)
	Admitted     []topology.MemberID          `json:"admitted"`      // in join order
	FreshMembers []topology.MemberID          `json:"fresh_members"` // admitted without usable state
	Rejected     map[topology.MemberID]string `json:"rejected"`
	Source       topology.MemberID            `json:"source"` // member fresh members copy their data from
	Generation   uint64                       `json:"generation"`
}

// Decision is the part of an Outcome that concerns one member
type Decision struct {
	Admitted   bool
	Fresh      bool
	Source     topology.MemberID
	Reason     string
	Generation uint64
}

// DecisionFor extracts the decision for id. The boolean is false when the
// outcome says nothing about id.
func (o Outcome) DecisionFor(id topology.MemberID) (Decision, bool) {
	if reason, ok := o.Rejected[id]; ok {
		return Decision{Reason: reason}, true
	}
	if !o.Complete || !contains(o.Admitted, id) {
		return Decision{}, false
	}
	return Decision{
		Admitted:   true,
		Fresh:      contains(o.FreshMembers, id),
		Source:     o.Source,
		Generation: o.Generation,
	}, true
}

// Reconcile decides which of the starting members may form the grid.
// summaries must be in join order; the result does not depend on that order
// except for the choice of Source.
//
// Without persisted state anywhere every member is admitted and the first one
// is the source of the others. Otherwise the anchor view is the expected view
// shared by most stateful members (ties go to the higher view id). Members
// outside the anchor and stateful members expecting another view are rejected.
// Stateless members of the anchor are admitted fresh.
func Reconcile(summaries []Summary) Outcome {
	out := Outcome{Rejected: map[topology.MemberID]string{}}
	for _, s := range summaries {
		if s.Generation > out.Generation {
			out.Generation = s.Generation
		}
	}
	out.Generation++

	anchor, ok := anchorView(summaries)
	if !ok {
		out.Fresh, out.Complete = true, len(summaries) > 0
		for i, s := range summaries {
			out.Admitted = append(out.Admitted, s.Member)
			if i == 0 {
				out.Source = s.Member
			} else {
				out.FreshMembers = append(out.FreshMembers, s.Member)
			}
		}
		return out
	}

	out.Expected = anchor
	for _, s := range summaries {
		switch {
		case !anchor.Contains(s.Member):
			out.Rejected[s.Member] = fmt.Sprintf("%s is not a member of the last persisted %s", s.Member, anchor)
		case s.HasState && !sameView(s.Expected, anchor):
			out.Rejected[s.Member] = fmt.Sprintf("%s expects %s but the cluster restarts %s", s.Member, s.Expected, anchor)
		case s.HasState:
			out.Admitted = append(out.Admitted, s.Member)
			if out.Source == "" {
				out.Source = s.Member
			}
		default:
			out.Admitted = append(out.Admitted, s.Member)
			out.FreshMembers = append(out.FreshMembers, s.Member)
		}
	}

	out.Complete = out.Source != ""
	for _, m := range anchor.Members {
		if !contains(out.Admitted, m) {
			out.Complete = false
		}
	}
	return out
}

// anchorView picks the expected view most stateful members agree on
func anchorView(summaries []Summary) (topology.View, bool) {
	var (
		best  topology.View
		votes int
	)
	for _, s := range summaries {
		if !s.HasState {
			continue
		}
		n := 0
		for _, o := range summaries {
			if o.HasState && sameView(o.Expected, s.Expected) {
				n++
			}
		}
		if n > votes || (n == votes && s.Expected.ID > best.ID) {
			best, votes = s.Expected, n
		}
	}
	return best, votes > 0
}

func sameView(a, b topology.View) bool {
	return a.ID == b.ID && a.SameMembers(b)
}

func contains(members []topology.MemberID, id topology.MemberID) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

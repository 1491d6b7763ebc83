// Package topology defines member identities and cluster views.
package topology

import (
	"fmt"
	"strings"
)

// MemberID identifies a grid member. It is stable across restarts of the same node.
type MemberID string

// View is an ordered set of members. Members are kept in join order and the
// first member is the coordinator. IDs grow with every membership change.
type View struct {
	ID      uint64     `json:"id"`
	Members []MemberID `json:"members"`
}

// NewView creates a view; duplicate members are dropped keeping the first occurrence
func NewView(id uint64, members ...MemberID) View {
	seen := make(map[MemberID]struct{}, len(members))
	out := make([]MemberID, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return View{ID: id, Members: out}
}

// Coordinator returns the first member in join order.
// The boolean is false for an empty view.
func (v View) Coordinator() (MemberID, bool) {
	if len(v.Members) == 0 {
		return "", false
	}
	return v.Members[0], true
}

// IsCoordinator reports whether m coordinates v
func (v View) IsCoordinator(m MemberID) bool {
	c, ok := v.Coordinator()
	return ok && c == m
}

// Contains reports whether m is part of v
func (v View) Contains(m MemberID) bool {
	return v.Index(m) >= 0
}

// Index returns the join position of m or -1
func (v View) Index(m MemberID) int {
	for i, member := range v.Members {
		if member == m {
			return i
		}
	}
	return -1
}

// Size returns the number of members
func (v View) Size() int {
	return len(v.Members)
}

// Others returns every member except self
func (v View) Others(self MemberID) []MemberID {
	out := make([]MemberID, 0, len(v.Members))
	for _, m := range v.Members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// With returns the successor view with m appended
func (v View) With(m MemberID) View {
	if v.Contains(m) {
		return v
	}
	members := append(append([]MemberID(nil), v.Members...), m)
	return View{ID: v.ID + 1, Members: members}
}

// Without returns the successor view with m removed
func (v View) Without(m MemberID) View {
	if !v.Contains(m) {
		return v
	}
	return View{ID: v.ID + 1, Members: v.Others(m)}
}

// SameMembers reports whether both views contain exactly the same members, ignoring order
func (v View) SameMembers(o View) bool {
	if len(v.Members) != len(o.Members) {
		return false
	}
	for _, m := range v.Members {
		if !o.Contains(m) {
			return false
		}
	}
	return true
}

func (v View) String() string {
	parts := make([]string, len(v.Members))
	for i, m := range v.Members {
		parts[i] = string(m)
	}
	return fmt.Sprintf("view#%d[%s]", v.ID, strings.Join(parts, ","))
}

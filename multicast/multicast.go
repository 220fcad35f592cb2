// Package multicast tracks multicast group membership advertisements.
// Group sets use deckarep/golang-set/v2 rather than a hand-rolled
// map[Group]struct{}.
package multicast

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Group is an (ethernet-multicast-address, ADI) pair a tap subscribes to.
type Group struct {
	MAC [6]byte
	ADI uint32
}

func (g Group) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x/%d",
		g.MAC[0], g.MAC[1], g.MAC[2], g.MAC[3], g.MAC[4], g.MAC[5], g.ADI)
}

// Set is a membership set for one network's taps.
type Set struct {
	groups mapset.Set[Group]
}

// NewSet returns an empty membership set.
func NewSet() *Set {
	return &Set{groups: mapset.NewThreadUnsafeSet[Group]()}
}

// Add enrolls g, returning true if it was not already present.
func (s *Set) Add(g Group) bool {
	return s.groups.Add(g)
}

// Remove disenrolls g, returning true if it was present.
func (s *Set) Remove(g Group) bool {
	had := s.groups.Contains(g)
	s.groups.Remove(g)
	return had
}

// Contains reports whether g is currently a member.
func (s *Set) Contains(g Group) bool {
	return s.groups.Contains(g)
}

// Slice returns the current membership as a plain slice, for wire encoding.
func (s *Set) Slice() []Group {
	return s.groups.ToSlice()
}

// Equal reports whether two sets have identical membership, used by the
// Network Registry to decide whether update_multicast_groups() changed
// anything.
func (s *Set) Equal(other *Set) bool {
	return s.groups.Equal(other.groups)
}

// Clone returns an independent copy of the set's current membership.
func (s *Set) Clone() *Set {
	return &Set{groups: s.groups.Clone()}
}

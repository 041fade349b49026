package scopes

import "sort"

// Set is a set of scope (or role) name strings.
type Set map[string]struct{}

// NewSet builds a set from the given names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts names into the set.
func (s Set) Add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

// Remove deletes names from the set.
func (s Set) Remove(names ...string) {
	for _, n := range names {
		delete(s, n)
	}
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for n := range s {
		out[n] = struct{}{}
	}
	return out
}

// Union returns a new set containing the members of s and other.
func (s Set) Union(other Set) Set {
	out := s.Clone()
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Intersect returns a new set containing the members present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for n := range s {
		if other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// IsSubsetOf reports whether every member of s is also in other.
func (s Set) IsSubsetOf(other Set) bool {
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Sorted returns the members as a sorted slice. Useful for deterministic
// error messages and API responses.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

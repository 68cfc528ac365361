package model

import "strings"

// GroupIDSet is the ordered set of aggregator group identifiers attached to
// a message, one per successful batch call. The persisted layout is a
// comma-joined string; ParseGroupIDs and String are inverses of each other
// and both tolerate empty input.
type GroupIDSet []string

func ParseGroupIDs(s string) GroupIDSet {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	set := make(GroupIDSet, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || set.Contains(p) {
			continue
		}
		set = append(set, p)
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (s GroupIDSet) String() string {
	return strings.Join(s, ",")
}

func (s GroupIDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Append adds id to the set. Duplicate insertion is a no-op; the second
// return reports whether the set changed.
func (s GroupIDSet) Append(id string) (GroupIDSet, bool) {
	if id == "" || s.Contains(id) {
		return s, false
	}
	return append(s, id), true
}

// Merge folds ids into the set, skipping duplicates, preserving order.
func (s GroupIDSet) Merge(ids ...string) (GroupIDSet, int) {
	added := 0
	for _, id := range ids {
		var ok bool
		if s, ok = s.Append(id); ok {
			added++
		}
	}
	return s, added
}

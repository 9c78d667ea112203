package workspace

import (
	"sort"
	"strings"
)

// Owned is a listing record with an owner and a display name.
type Owned interface {
	OwnerName() string
	DisplayName() string
}

// SortByOwner orders items owned by currentUser (case-insensitive) first and
// then by lowercase name. With no current user it sorts by name only. The
// sort is stable and sorts a copy.
func SortByOwner[T Owned](items []T, currentUser string) []T {
	out := make([]T, len(items))
	copy(out, items)
	user := strings.ToLower(strings.TrimSpace(currentUser))
	sort.SliceStable(out, func(i, j int) bool {
		if user != "" {
			oi := strings.ToLower(out[i].OwnerName()) == user
			oj := strings.ToLower(out[j].OwnerName()) == user
			if oi != oj {
				return oi
			}
		}
		return strings.ToLower(out[i].DisplayName()) < strings.ToLower(out[j].DisplayName())
	})
	return out
}

var warehouseStatePriority = map[string]int{
	"RUNNING":  0,
	"STARTING": 1,
	"STOPPING": 2,
	"STOPPED":  3,
	"DELETED":  4,
	"DELETING": 5,
}

// SortWarehouses orders running warehouses first, then by name.
func SortWarehouses(items []Warehouse) []Warehouse {
	out := make([]Warehouse, len(items))
	copy(out, items)
	priority := func(state string) int {
		if p, ok := warehouseStatePriority[state]; ok {
			return p
		}
		return 99
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := priority(out[i].State), priority(out[j].State)
		if pi != pj {
			return pi < pj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SortSpaces orders Genie spaces by lowercase title.
func SortSpaces(items []GenieSpace) []GenieSpace {
	out := make([]GenieSpace, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
	})
	return out
}

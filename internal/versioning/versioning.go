// Package versioning implements C7: stamping a workflow execution with the
// code version active at its start, and the patched() guard primitive that
// lets a workflow function evolve without bumping that version (spec.md
// §4.7).
package versioning

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a MAJOR.MINOR.PATCH triple, compared numerically per field
// rather than lexicographically.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	for _, d := range [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Parse reads a "MAJOR.MINOR.PATCH" string. An empty string parses as 0.0.0,
// the version of code predating any versioning discipline.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("versioning: %q is not MAJOR.MINOR.PATCH", s)
	}
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, fmt.Errorf("versioning: %q: %w", s, err)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, fmt.Errorf("versioning: %q: %w", s, err)
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
		return Version{}, fmt.Errorf("versioning: %q: %w", s, err)
	}
	return v, nil
}

// MustParse panics on a malformed version; intended for registration-time
// literals, where a typo is a programmer error caught at startup.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ChangeRegistry records, for each change_id a workflow function guards with
// patched(), the version at which that branch was introduced. A replay of a
// history stamped with an older version takes the pre-patch branch; a fresh
// execution (or one stamped at or after introducedAt) takes the patched
// branch. This is the whole of C7's guard primitive: no separate marker
// event is needed because the stamped version alone determines the answer,
// and the stamped version never changes across an execution's replays.
type ChangeRegistry struct {
	introduced map[string]Version
}

func NewChangeRegistry() *ChangeRegistry {
	return &ChangeRegistry{introduced: make(map[string]Version)}
}

// Declare registers changeID as introduced at introducedAt. Calling Declare
// twice for the same changeID with different versions panics: that is a
// programmer error in how the workflow function names its change points.
func (r *ChangeRegistry) Declare(changeID string, introducedAt Version) {
	if existing, ok := r.introduced[changeID]; ok && existing != introducedAt {
		panic(fmt.Sprintf("versioning: change_id %q already declared at %s, cannot redeclare at %s", changeID, existing, introducedAt))
	}
	r.introduced[changeID] = introducedAt
}

// Patched reports whether changeID's branch should be taken for an execution
// stamped with executionVersion. An undeclared changeID is treated as
// introduced at 0.0.0, i.e. always patched — matching the common case of a
// workflow calling Patched with a change_id the registry wiring hasn't been
// updated for yet, rather than silently taking the legacy branch forever.
func (r *ChangeRegistry) Patched(executionVersion Version, changeID string) bool {
	introducedAt, ok := r.introduced[changeID]
	if !ok {
		return true
	}
	return executionVersion.Compare(introducedAt) >= 0
}

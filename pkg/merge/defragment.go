package merge

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
)

// ValidateFragments checks that members form one fragment set: every member
// carries the first member's fragment identifier and count, and an index in
// [0, count). Cardinality and duplicate indices are only checked when strict
// is set. Members are never mutated.
func ValidateFragments(members []*flowfile.FlowFile, strict bool) error {
	if len(members) == 0 {
		return invalidFragments("bin has no members", "FRAGMENTS_EMPTY")
	}

	first := members[0]
	id, ok := first.Attribute(flowfile.AttrFragmentID)
	if !ok {
		return invalidFragments(fmt.Sprintf("flow file %s has no %s", first.UUID, flowfile.AttrFragmentID), "FRAGMENT_ID_MISSING")
	}
	countValue, ok := first.Attribute(flowfile.AttrFragmentCount)
	if !ok {
		return invalidFragments(fmt.Sprintf("flow file %s has no %s", first.UUID, flowfile.AttrFragmentCount), "FRAGMENT_COUNT_MISSING")
	}
	count, err := strconv.Atoi(countValue)
	if err != nil || count < 0 {
		return invalidFragments(fmt.Sprintf("fragment count %q is not a non-negative integer", countValue), "FRAGMENT_COUNT_INVALID")
	}

	var seen []bool
	if strict {
		if len(members) != count {
			return invalidFragments(fmt.Sprintf("bin holds %d of %d fragments", len(members), count), "FRAGMENT_SET_INCOMPLETE")
		}
		seen = make([]bool, count)
	}

	for _, ff := range members {
		if v, _ := ff.Attribute(flowfile.AttrFragmentID); v != id {
			return invalidFragments(fmt.Sprintf("flow file %s belongs to fragment set %q, expected %q", ff.UUID, v, id), "FRAGMENT_ID_MISMATCH")
		}
		if v, _ := ff.Attribute(flowfile.AttrFragmentCount); v != countValue {
			return invalidFragments(fmt.Sprintf("flow file %s has fragment count %q, expected %q", ff.UUID, v, countValue), "FRAGMENT_COUNT_MISMATCH")
		}
		index, ok := fragmentIndex(ff)
		if !ok || index < 0 || index >= count {
			v, _ := ff.Attribute(flowfile.AttrFragmentIndex)
			return invalidFragments(fmt.Sprintf("flow file %s has fragment index %q outside [0, %d)", ff.UUID, v, count), "FRAGMENT_INDEX_RANGE")
		}
		if strict {
			if seen[index] {
				return invalidFragments(fmt.Sprintf("fragment index %d appears more than once", index), "FRAGMENT_INDEX_DUPLICATE")
			}
			seen[index] = true
		}
	}
	return nil
}

// SortFragments returns a copy of members ordered by ascending fragment index.
// The sort is stable; members must have passed ValidateFragments.
func SortFragments(members []*flowfile.FlowFile) []*flowfile.FlowFile {
	out := make([]*flowfile.FlowFile, len(members))
	copy(out, members)
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := fragmentIndex(out[i])
		b, _ := fragmentIndex(out[j])
		return a < b
	})
	return out
}

func fragmentIndex(ff *flowfile.FlowFile) (int, bool) {
	v, ok := ff.Attribute(flowfile.AttrFragmentIndex)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	return i, err == nil
}

func invalidFragments(message, code string) error {
	return errors.NewValidationError(message, code, errors.ErrFragmentsInvalid)
}

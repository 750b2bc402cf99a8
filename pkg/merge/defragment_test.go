package merge

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
)

func fragment(id string, count, index int) *flowfile.FlowFile {
	return flowfile.New().
		WithAttribute(flowfile.AttrFragmentID, id).
		WithAttribute(flowfile.AttrFragmentCount, strconv.Itoa(count)).
		WithAttribute(flowfile.AttrFragmentIndex, strconv.Itoa(index))
}

func TestValidateFragmentsAcceptsIncompleteSet(t *testing.T) {
	// range membership is the only index check by default
	members := []*flowfile.FlowFile{fragment("X", 3, 0), fragment("X", 3, 1)}
	assert.NoError(t, ValidateFragments(members, false))
}

func TestValidateFragmentsAcceptsDuplicateIndex(t *testing.T) {
	members := []*flowfile.FlowFile{fragment("X", 2, 1), fragment("X", 2, 1)}
	assert.NoError(t, ValidateFragments(members, false))
	assert.Error(t, ValidateFragments(members, true))
}

func TestValidateFragmentsRejects(t *testing.T) {
	missingCount := fragment("X", 3, 1)
	missingCount.RemoveAttribute(flowfile.AttrFragmentCount)

	missingID := fragment("X", 3, 0)
	missingID.RemoveAttribute(flowfile.AttrFragmentID)

	badCount := fragment("X", 3, 0).WithAttribute(flowfile.AttrFragmentCount, "three")
	negativeCount := fragment("X", 3, 0).WithAttribute(flowfile.AttrFragmentCount, "-1")
	badIndex := fragment("X", 3, 1).WithAttribute(flowfile.AttrFragmentIndex, "one")
	noIndex := fragment("X", 3, 1)
	noIndex.RemoveAttribute(flowfile.AttrFragmentIndex)

	tests := []struct {
		name    string
		members []*flowfile.FlowFile
		code    string
	}{
		{"empty bin", nil, "FRAGMENTS_EMPTY"},
		{"first member without identifier", []*flowfile.FlowFile{missingID}, "FRAGMENT_ID_MISSING"},
		{"first member without count", []*flowfile.FlowFile{missingCount, fragment("X", 3, 0)}, "FRAGMENT_COUNT_MISSING"},
		{"later member without count", []*flowfile.FlowFile{fragment("X", 3, 0), missingCount}, "FRAGMENT_COUNT_MISMATCH"},
		{"count not an integer", []*flowfile.FlowFile{badCount}, "FRAGMENT_COUNT_INVALID"},
		{"negative count", []*flowfile.FlowFile{negativeCount}, "FRAGMENT_COUNT_INVALID"},
		{"identifier mismatch", []*flowfile.FlowFile{fragment("X", 3, 0), fragment("Y", 3, 1)}, "FRAGMENT_ID_MISMATCH"},
		{"count mismatch", []*flowfile.FlowFile{fragment("X", 3, 0), fragment("X", 4, 1)}, "FRAGMENT_COUNT_MISMATCH"},
		{"index not an integer", []*flowfile.FlowFile{fragment("X", 3, 0), badIndex}, "FRAGMENT_INDEX_RANGE"},
		{"index missing", []*flowfile.FlowFile{fragment("X", 3, 0), noIndex}, "FRAGMENT_INDEX_RANGE"},
		{"index equals count", []*flowfile.FlowFile{fragment("X", 3, 3)}, "FRAGMENT_INDEX_RANGE"},
		{"negative index", []*flowfile.FlowFile{fragment("X", 3, -1)}, "FRAGMENT_INDEX_RANGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFragments(tt.members, false)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			assert.ErrorIs(t, err, errors.ErrFragmentsInvalid)

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestValidateFragmentsStrict(t *testing.T) {
	complete := []*flowfile.FlowFile{fragment("X", 3, 2), fragment("X", 3, 0), fragment("X", 3, 1)}
	assert.NoError(t, ValidateFragments(complete, true))

	partial := []*flowfile.FlowFile{fragment("X", 3, 0), fragment("X", 3, 1)}
	err := ValidateFragments(partial, true)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "FRAGMENT_SET_INCOMPLETE", appErr.Code)
}

func TestValidateFragmentsDoesNotMutate(t *testing.T) {
	members := []*flowfile.FlowFile{fragment("X", 3, 1), fragment("Y", 3, 0)}
	before := []map[string]string{members[0].CopyAttributes(), members[1].CopyAttributes()}

	require.Error(t, ValidateFragments(members, false))
	assert.Equal(t, before[0], members[0].Attributes)
	assert.Equal(t, before[1], members[1].Attributes)
}

func TestSortFragments(t *testing.T) {
	a, b, c := fragment("X", 3, 2), fragment("X", 3, 0), fragment("X", 3, 1)
	in := []*flowfile.FlowFile{a, b, c}

	out := SortFragments(in)
	assert.Equal(t, []*flowfile.FlowFile{b, c, a}, out)
	assert.Equal(t, []*flowfile.FlowFile{a, b, c}, in)
}

func TestSortFragmentsIsStable(t *testing.T) {
	first, second := fragment("X", 2, 1), fragment("X", 2, 1)
	zero := fragment("X", 2, 0)

	out := SortFragments([]*flowfile.FlowFile{first, zero, second})
	assert.Same(t, zero, out[0])
	assert.Same(t, first, out[1])
	assert.Same(t, second, out[2])
}

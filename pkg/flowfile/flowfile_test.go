package flowfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIdentifier(t *testing.T) {
	a := New()
	b := New()

	require.NotEmpty(t, a.UUID)
	assert.NotEqual(t, a.UUID, b.UUID)

	id, ok := a.Attribute(AttrUUID)
	require.True(t, ok)
	assert.Equal(t, a.UUID, id)
	assert.False(t, a.EntryDate.IsZero())
}

func TestAttributeAccessors(t *testing.T) {
	ff := New().
		WithAttribute(AttrFilename, "data.csv").
		WithAttribute("tag", "even").
		WithContent("claim-1", 32)

	v, ok := ff.Attribute(AttrFilename)
	assert.True(t, ok)
	assert.Equal(t, "data.csv", v)

	_, ok = ff.Attribute("missing")
	assert.False(t, ok)

	ff.RemoveAttribute("tag")
	_, ok = ff.Attribute("tag")
	assert.False(t, ok)

	assert.Equal(t, "claim-1", ff.ContentClaim)
	assert.EqualValues(t, 32, ff.Size)
}

func TestAttributeOnZeroValue(t *testing.T) {
	var ff FlowFile
	_, ok := ff.Attribute("x")
	assert.False(t, ok)

	ff.SetAttribute("x", "1")
	v, _ := ff.Attribute("x")
	assert.Equal(t, "1", v)
}

func TestAttributeKeysSorted(t *testing.T) {
	ff := &FlowFile{Attributes: map[string]string{"b": "2", "a": "1", "c": "3"}}
	assert.Equal(t, []string{"a", "b", "c"}, ff.AttributeKeys())
}

func TestCloneIsIndependent(t *testing.T) {
	ff := New().WithAttribute("k", "v")
	c := ff.Clone()
	c.SetAttribute("k", "changed")

	v, _ := ff.Attribute("k")
	assert.Equal(t, "v", v)
}

func TestFromBytesInitialisesAttributes(t *testing.T) {
	ff, err := FromBytes([]byte(`{"uuid":"u-1","size":3}`))
	require.NoError(t, err)
	assert.Equal(t, "u-1", ff.UUID)
	assert.NotNil(t, ff.Attributes)

	_, err = FromBytes([]byte(`{`))
	assert.Error(t, err)
}

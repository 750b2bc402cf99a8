// Package flowfile defines the unit of data that moves through the pipeline:
// an identifier, a set of string attributes and a reference to content held
// in a content repository.
package flowfile

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Well-known attribute names
const (
	AttrFilename = "filename"
	AttrPath     = "path"
	AttrUUID     = "uuid"
	AttrMimeType = "mime.type"

	AttrFragmentID    = "fragment.identifier"
	AttrFragmentIndex = "fragment.index"
	AttrFragmentCount = "fragment.count"

	AttrSegmentOriginalFilename = "segment.original.filename"

	// Legacy names still produced by older splitters
	AttrSegmentID    = "segment.identifier"
	AttrSegmentIndex = "segment.index"
	AttrSegmentCount = "segment.count"
)

// FlowFile is one discrete item of data moving through the pipeline.
// The content itself lives in a content repository and is addressed by ContentClaim.
type FlowFile struct {
	// UUID is the stable identifier of the flow file
	UUID string `json:"uuid"`

	// Attributes holds the flow file's attributes; keys are unique
	Attributes map[string]string `json:"attributes"`

	// Size is the content length in bytes
	Size int64 `json:"size"`

	// ContentClaim references the content in a repository; empty means no content
	ContentClaim string `json:"contentClaim,omitempty"`

	// EntryDate is when the flow file entered the pipeline
	EntryDate time.Time `json:"entryDate"`
}

// New creates an empty flow file with a fresh identifier
func New() *FlowFile {
	id := uuid.New().String()
	return &FlowFile{
		UUID:       id,
		Attributes: map[string]string{AttrUUID: id},
		EntryDate:  time.Now(),
	}
}

// WithAttribute sets an attribute and returns the flow file
func (f *FlowFile) WithAttribute(key, value string) *FlowFile {
	f.SetAttribute(key, value)
	return f
}

// WithContent records the content claim and size
func (f *FlowFile) WithContent(claim string, size int64) *FlowFile {
	f.ContentClaim = claim
	f.Size = size
	return f
}

// Attribute returns the value of key and whether it is present
func (f *FlowFile) Attribute(key string) (string, bool) {
	if f.Attributes == nil {
		return "", false
	}
	v, ok := f.Attributes[key]
	return v, ok
}

// SetAttribute sets key to value
func (f *FlowFile) SetAttribute(key, value string) {
	if f.Attributes == nil {
		f.Attributes = make(map[string]string)
	}
	f.Attributes[key] = value
}

// RemoveAttribute deletes key
func (f *FlowFile) RemoveAttribute(key string) {
	delete(f.Attributes, key)
}

// AttributeKeys returns the attribute names in lexicographic order
func (f *FlowFile) AttributeKeys() []string {
	keys := make([]string, 0, len(f.Attributes))
	for k := range f.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CopyAttributes returns a copy of the attribute map
func (f *FlowFile) CopyAttributes() map[string]string {
	out := make(map[string]string, len(f.Attributes))
	for k, v := range f.Attributes {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the flow file
func (f *FlowFile) Clone() *FlowFile {
	c := *f
	c.Attributes = f.CopyAttributes()
	return &c
}

// ToBytes serializes the flow file metadata to JSON bytes
func (f *FlowFile) ToBytes() ([]byte, error) {
	return json.Marshal(f)
}

// FromBytes deserializes flow file metadata from JSON bytes
func FromBytes(data []byte) (*FlowFile, error) {
	var f FlowFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Attributes == nil {
		f.Attributes = make(map[string]string)
	}
	return &f, nil
}

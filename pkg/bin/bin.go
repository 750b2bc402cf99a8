// Package bin accumulates flow files into bounded groups ("bins") keyed by a
// group key and decides when a group is complete.
//
// A Manager owns every open bin. Bins are append-only until they complete;
// a completed bin is handed out exactly once by DrainCompleted, SweepAged or
// Purge and is never touched by the manager again.
package bin

import (
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
)

// Bin is an ordered collection of flow files sharing one group key.
type Bin struct {
	id       string
	groupKey string
	seq      uint64
	created  time.Time

	members []*flowfile.FlowFile
	size    int64

	minSize    int64
	maxSize    int64
	minEntries int
	maxEntries int

	// fileCountAttr, when set, overrides min/max entries from each offered flow file
	fileCountAttr string

	complete bool
}

func newBin(groupKey string, seq uint64, created time.Time, th Thresholds) *Bin {
	return &Bin{
		id:            uuid.New().String(),
		groupKey:      groupKey,
		seq:           seq,
		created:       created,
		minSize:       th.MinSize,
		maxSize:       th.MaxSize,
		minEntries:    th.MinEntries,
		maxEntries:    th.MaxEntries,
		fileCountAttr: th.FileCountAttribute,
	}
}

// offer appends ff if it fits under the bin's ceilings.
func (b *Bin) offer(ff *flowfile.FlowFile) bool {
	if b.complete {
		return false
	}
	if b.fileCountAttr != "" {
		if v, ok := ff.Attribute(b.fileCountAttr); ok {
			if count, err := strconv.Atoi(v); err == nil {
				b.minEntries = count
				b.maxEntries = count
			}
		}
	}
	if b.size+ff.Size > b.maxSize || len(b.members)+1 > b.maxEntries {
		return false
	}
	b.members = append(b.members, ff)
	b.size += ff.Size
	return true
}

// IsFull reports whether a size or entry ceiling has been reached
func (b *Bin) IsFull() bool {
	return b.size >= b.maxSize || len(b.members) >= b.maxEntries
}

// IsReadyForMerge reports whether the bin is full or has reached both floors
func (b *Bin) IsReadyForMerge() bool {
	return b.IsFull() || (b.size >= b.minSize && len(b.members) >= b.minEntries)
}

// IsOlderThan reports whether the bin was created more than age before now.
// A non-positive age never expires.
func (b *Bin) IsOlderThan(now time.Time, age time.Duration) bool {
	if age <= 0 {
		return false
	}
	return now.Sub(b.created) > age
}

// ID returns the bin's identifier
func (b *Bin) ID() string { return b.id }

// GroupKey returns the key the bin was created for
func (b *Bin) GroupKey() string { return b.groupKey }

// CreatedAt returns the bin's creation time
func (b *Bin) CreatedAt() time.Time { return b.created }

// Len returns the number of members
func (b *Bin) Len() int { return len(b.members) }

// Size returns the cumulative content size of all members
func (b *Bin) Size() int64 { return b.size }

// IsComplete reports whether the bin stopped accepting appends
func (b *Bin) IsComplete() bool { return b.complete }

// Members returns a copy of the member list in insertion order
func (b *Bin) Members() []*flowfile.FlowFile {
	out := make([]*flowfile.FlowFile, len(b.members))
	copy(out, b.members)
	return out
}

func (b *Bin) handle() Handle {
	return Handle{
		ID:       b.id,
		GroupKey: b.groupKey,
		Len:      len(b.members),
		Size:     b.size,
		Complete: b.complete,
	}
}

// Handle is a snapshot of a bin taken while the manager still owns it.
type Handle struct {
	ID       string
	GroupKey string
	Len      int
	Size     int64
	Complete bool
}

// Thresholds bound every bin created by a Manager.
type Thresholds struct {
	MinSize    int64
	MaxSize    int64
	MinEntries int
	MaxEntries int

	// MaxBinAge forces completion of older bins; zero disables it
	MaxBinAge time.Duration

	// MaxBinCount bounds the number of simultaneously open bins
	MaxBinCount int

	// FileCountAttribute names the attribute that sets a bin's entry count (defragment mode)
	FileCountAttribute string
}

// DefaultMaxBinCount is used when Thresholds.MaxBinCount is not positive
const DefaultMaxBinCount = 100

// DefaultThresholds returns thresholds under which every appended flow file completes its own bin
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSize:     0,
		MaxSize:     math.MaxInt64,
		MinEntries:  1,
		MaxEntries:  math.MaxInt32,
		MaxBinCount: DefaultMaxBinCount,
	}
}

// normalize maps unset ceilings to unbounded
func (t Thresholds) normalize() Thresholds {
	if t.MaxSize <= 0 {
		t.MaxSize = math.MaxInt64
	}
	if t.MaxEntries <= 0 {
		t.MaxEntries = math.MaxInt32
	}
	if t.MinEntries < 0 {
		t.MinEntries = 0
	}
	if t.MinSize < 0 {
		t.MinSize = 0
	}
	if t.MaxBinCount <= 0 {
		t.MaxBinCount = DefaultMaxBinCount
	}
	return t
}

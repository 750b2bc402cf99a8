package bin

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"go.uber.org/zap"
)

// ErrRejected is returned when a flow file cannot be placed even into a fresh bin
var ErrRejected = errors.New("flow file rejected by bin manager")

// Manager maps group keys to their bins. All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	thresholds Thresholds
	groups     map[string][]*Bin // oldest first; only the tail may be open
	ready      []*Bin            // completed bins not held in groups
	open       int
	seq        uint64

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger used for bin lifecycle events
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager whose bins are bounded by th
func NewManager(th Thresholds, opts ...Option) *Manager {
	m := &Manager{
		thresholds: th.normalize(),
		groups:     make(map[string][]*Bin),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Thresholds returns the normalized thresholds in effect
func (m *Manager) Thresholds() Thresholds {
	return m.thresholds
}

// Append adds ff to the open bin for key, creating a bin when none is open
// or the open one cannot take ff. A flow file larger than the maximum bin
// size is placed alone in a bin that completes immediately.
func (m *Manager) Append(key string, ff *flowfile.FlowFile) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ff.Size > m.thresholds.MaxSize {
		b := m.isolated(key, ff, math.MaxInt32)
		m.logger.Debug("Flow file exceeds max bin size, binned alone",
			zap.String("group_key", key),
			zap.String("flowfile", ff.UUID),
			zap.Int64("size", ff.Size))
		return b.handle(), nil
	}

	queue := m.groups[key]
	if n := len(queue); n > 0 {
		tail := queue[n-1]
		if !tail.complete {
			if tail.offer(ff) {
				m.evaluate(tail)
				return tail.handle(), nil
			}
			// the tail hit a ceiling; it can only be drained from now on
			m.markComplete(tail)
		}
	}

	b := newBin(key, m.nextSeq(), m.now(), m.thresholds)
	if !b.offer(ff) {
		return Handle{}, ErrRejected
	}
	m.groups[key] = append(queue, b)
	m.open++
	m.logger.Debug("Created bin",
		zap.String("bin", b.id),
		zap.String("group_key", key),
		zap.Int("open_bins", m.open))

	m.evaluate(b)
	m.enforceBinCount()
	return b.handle(), nil
}

// AppendSingleton places ff alone in a bin that is complete immediately.
func (m *Manager) AppendSingleton(key string, ff *flowfile.FlowFile) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isolated(key, ff, 1).handle()
}

func (m *Manager) isolated(key string, ff *flowfile.FlowFile, maxEntries int) *Bin {
	b := newBin(key, m.nextSeq(), m.now(), Thresholds{
		MinSize:    0,
		MaxSize:    math.MaxInt64,
		MinEntries: 1,
		MaxEntries: maxEntries,
	})
	b.offer(ff)
	b.complete = true
	m.ready = append(m.ready, b)
	return b
}

// DrainCompleted removes and returns every bin that satisfies a completion
// criterion, including age and the open-bin ceiling. Bins are ordered by
// creation, so within one key the oldest bin comes first.
func (m *Manager) DrainCompleted() []*Bin {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.enforceBinCount()

	out := m.ready
	m.ready = nil
	for key, queue := range m.groups {
		i := 0
		for ; i < len(queue); i++ {
			b := queue[i]
			if !b.complete && !b.IsOlderThan(now, m.thresholds.MaxBinAge) {
				break
			}
			m.markComplete(b)
			out = append(out, b)
		}
		m.setQueue(key, queue[i:])
	}
	return nonEmptyByAge(out)
}

// SweepAged forces completion of bins older than the maximum bin age and
// returns them. Other completed bins stay in place for DrainCompleted.
func (m *Manager) SweepAged(now time.Time) []*Bin {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Bin
	for key, queue := range m.groups {
		kept := queue[:0:0]
		for _, b := range queue {
			if b.IsOlderThan(now, m.thresholds.MaxBinAge) {
				m.markComplete(b)
				out = append(out, b)
				continue
			}
			kept = append(kept, b)
		}
		m.setQueue(key, kept)
	}
	if len(out) > 0 {
		m.logger.Debug("Swept aged bins", zap.Int("bins", len(out)))
	}
	return nonEmptyByAge(out)
}

// RemoveOldestBin forces the oldest open bin to complete. It reports false
// when no bin is open.
func (m *Manager) RemoveOldestBin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeOldest()
}

// Purge completes and returns every bin the manager holds.
func (m *Manager) Purge() []*Bin {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.ready
	m.ready = nil
	for _, queue := range m.groups {
		for _, b := range queue {
			m.markComplete(b)
			out = append(out, b)
		}
	}
	m.groups = make(map[string][]*Bin)
	return nonEmptyByAge(out)
}

// BinCount returns the number of open bins
func (m *Manager) BinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Pending returns the number of bins held, open or complete
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ready)
	for _, queue := range m.groups {
		n += len(queue)
	}
	return n
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// evaluate marks b complete when it reached a ceiling or both floors
func (m *Manager) evaluate(b *Bin) {
	if b.IsReadyForMerge() {
		m.markComplete(b)
	}
}

func (m *Manager) markComplete(b *Bin) {
	if b.complete {
		return
	}
	b.complete = true
	m.open--
}

func (m *Manager) enforceBinCount() {
	for m.open > m.thresholds.MaxBinCount {
		if !m.completeOldest() {
			return
		}
	}
}

func (m *Manager) completeOldest() bool {
	var oldest *Bin
	for _, queue := range m.groups {
		for _, b := range queue {
			if b.complete {
				continue
			}
			if oldest == nil || b.seq < oldest.seq {
				oldest = b
			}
		}
	}
	if oldest == nil {
		return false
	}
	m.markComplete(oldest)
	m.logger.Debug("Forced oldest bin to complete",
		zap.String("bin", oldest.id),
		zap.String("group_key", oldest.groupKey),
		zap.Int("members", len(oldest.members)))
	return true
}

func (m *Manager) setQueue(key string, queue []*Bin) {
	if len(queue) == 0 {
		delete(m.groups, key)
		return
	}
	m.groups[key] = queue
}

func nonEmptyByAge(bins []*Bin) []*Bin {
	out := bins[:0]
	for _, b := range bins {
		if len(b.members) > 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Package session implements the unit of work a merge.Processor runs in.
// Transfers and removals are staged and only take effect on Commit.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// Queue is a FIFO of flow files waiting to be processed. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []*flowfile.FlowFile
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends flow files to the queue
func (q *Queue) Push(ffs ...*flowfile.FlowFile) {
	q.mu.Lock()
	q.items = append(q.items, ffs...)
	q.mu.Unlock()
}

// Pop removes the oldest flow file
func (q *Queue) Pop() (*flowfile.FlowFile, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ff := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return ff, true
}

// Len returns the number of queued flow files
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Transfer is a flow file routed to a relationship
type Transfer struct {
	FlowFile     *flowfile.FlowFile
	Relationship merge.Relationship
}

// Session stages the effects of one trigger. It is not safe for concurrent use.
type Session struct {
	ctx    context.Context
	repo   storage.Repository
	queue  *Queue
	logger *zap.Logger

	created   []*flowfile.FlowFile
	order     []string
	transfers map[string]Transfer
	removed   []*flowfile.FlowFile
}

var _ merge.Session = (*Session)(nil)

// New creates a session reading from queue and storing content in repo.
// ctx bounds every repository call the session makes.
func New(ctx context.Context, repo storage.Repository, queue *Queue, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == nil {
		queue = NewQueue()
	}
	return &Session{
		ctx:       ctx,
		repo:      repo,
		queue:     queue,
		logger:    logger,
		transfers: make(map[string]Transfer),
	}
}

// Get implements merge.Session
func (s *Session) Get() (*flowfile.FlowFile, bool) {
	return s.queue.Pop()
}

// Create implements merge.Session
func (s *Session) Create() *flowfile.FlowFile {
	ff := flowfile.New()
	s.created = append(s.created, ff)
	return ff
}

// Write streams what fn writes into a new content claim and points ff at it
func (s *Session) Write(ff *flowfile.FlowFile, fn func(io.Writer) error) error {
	claim := storage.NewClaim()
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := fn(pw)
		pw.CloseWithError(err)
		done <- err
	}()

	n, err := s.repo.Write(s.ctx, claim, pr)
	pr.CloseWithError(err)
	fnErr := <-done
	if fnErr != nil || err != nil {
		// the repository may have kept part of the upload
		_ = s.repo.Remove(s.ctx, claim)
	}
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("store content for %s: %w", ff.UUID, err)
	}

	old := ff.ContentClaim
	ff.WithContent(claim, n)
	if old != "" && s.isCreated(ff) {
		_ = s.repo.Remove(s.ctx, old)
	}
	return nil
}

// Read implements merge.ContentSource. A flow file without a claim has empty content.
func (s *Session) Read(ff *flowfile.FlowFile, fn func(io.Reader) error) error {
	if ff.ContentClaim == "" {
		return fn(bytes.NewReader(nil))
	}
	rc, err := s.repo.Open(s.ctx, ff.ContentClaim)
	if err != nil {
		return err
	}
	defer rc.Close()
	return fn(rc)
}

// PutAttribute implements merge.Session
func (s *Session) PutAttribute(ff *flowfile.FlowFile, key, value string) {
	ff.SetAttribute(key, value)
}

// Transfer implements merge.Session. A later transfer of the same flow file replaces an earlier one.
func (s *Session) Transfer(ff *flowfile.FlowFile, rel merge.Relationship) {
	if _, ok := s.transfers[ff.UUID]; !ok {
		s.order = append(s.order, ff.UUID)
	}
	s.transfers[ff.UUID] = Transfer{FlowFile: ff, Relationship: rel}
}

// Remove implements merge.Session
func (s *Session) Remove(ff *flowfile.FlowFile) {
	delete(s.transfers, ff.UUID)
	s.removed = append(s.removed, ff)
}

// Commit applies staged removals and returns the staged transfers in the
// order they were first made. The session is empty afterwards.
func (s *Session) Commit() []Transfer {
	for _, ff := range s.removed {
		s.dropContent(ff)
	}

	out := make([]Transfer, 0, len(s.transfers))
	for _, id := range s.order {
		if t, ok := s.transfers[id]; ok {
			out = append(out, t)
		}
	}
	s.reset()
	return out
}

// Rollback discards staged transfers and the content of flow files created in this session
func (s *Session) Rollback() {
	for _, ff := range s.created {
		s.dropContent(ff)
	}
	s.reset()
}

func (s *Session) dropContent(ff *flowfile.FlowFile) {
	if ff.ContentClaim == "" {
		return
	}
	if err := s.repo.Remove(s.ctx, ff.ContentClaim); err != nil {
		s.logger.Warn("Failed to remove content",
			zap.String("flowfile", ff.UUID),
			zap.String("claim", ff.ContentClaim),
			zap.Error(err))
	}
}

func (s *Session) isCreated(ff *flowfile.FlowFile) bool {
	for _, c := range s.created {
		if c == ff {
			return true
		}
	}
	return false
}

func (s *Session) reset() {
	s.created = nil
	s.order = nil
	s.transfers = make(map[string]Transfer)
	s.removed = nil
}

// Ingest stores content in repo and returns a new flow file carrying attrs
func Ingest(ctx context.Context, repo storage.Repository, content []byte, attrs map[string]string) (*flowfile.FlowFile, error) {
	ff := flowfile.New()
	for k, v := range attrs {
		ff.SetAttribute(k, v)
	}
	claim := storage.NewClaim()
	n, err := repo.Write(ctx, claim, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	ff.WithContent(claim, n)
	return ff, nil
}

// Package merge turns completed bins into merged flow files.
//
// A Processor pulls flow files from a Session, groups them through a
// bin.Manager and, for every completed bin, validates fragments (Defragment
// only), reconciles attributes, merges content and routes the result.
package merge

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/wehubfusion/Daedalus/pkg/bin"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Session is the unit of work a Processor runs in
type Session interface {
	ContentSource

	// Get returns the next queued flow file, or false when none is queued
	Get() (*flowfile.FlowFile, bool)

	// Create returns a new flow file owned by the session
	Create() *flowfile.FlowFile

	// Write replaces the content of ff with what fn writes
	Write(ff *flowfile.FlowFile, fn func(io.Writer) error) error

	PutAttribute(ff *flowfile.FlowFile, key, value string)

	// Transfer routes ff to rel when the session commits
	Transfer(ff *flowfile.FlowFile, rel Relationship)

	// Remove drops ff and its content
	Remove(ff *flowfile.FlowFile)
}

// State is the stage a bin reached while being processed
type State int

const (
	Validating State = iota
	Reconciling
	Merging
	Committing
	Committed
	Rejected
)

func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case Reconciling:
		return "reconciling"
	case Merging:
		return "merging"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Rejection describes a bin that could not be merged
type Rejection struct {
	BinID    string
	GroupKey string
	Members  int
	Stage    State
	Err      error
}

// Processor merges completed bins. OnTrigger must not be called concurrently
// on one Processor; the bin manager itself is safe for concurrent use.
type Processor struct {
	settings settings
	bins     *bin.Manager
	logger   *zap.Logger
	tracer   trace.Tracer
	onReject func(Rejection)
	readFile func(string) ([]byte, error)
	binOpts  []bin.Option
}

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the processor's logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer used for per-bin spans
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithRejectHook registers fn to be called for every rejected bin
func WithRejectHook(fn func(Rejection)) Option {
	return func(p *Processor) {
		p.onReject = fn
	}
}

// WithFileReader replaces os.ReadFile for loading delimiter files
func WithFileReader(fn func(string) ([]byte, error)) Option {
	return func(p *Processor) {
		p.readFile = fn
	}
}

// WithBinOptions passes options to the processor's bin manager
func WithBinOptions(opts ...bin.Option) Option {
	return func(p *Processor) {
		p.binOpts = append(p.binOpts, opts...)
	}
}

// NewProcessor validates cfg and returns a processor with its own bin
// manager. Any unknown setting value is a configuration error.
func NewProcessor(cfg Config, opts ...Option) (*Processor, error) {
	p := &Processor{
		logger: zap.NewNop(),
		tracer: otel.Tracer("daedalus/merge"),
	}
	for _, opt := range opts {
		opt(p)
	}

	s, err := cfg.resolve(p.readFile)
	if err != nil {
		return nil, err
	}
	p.settings = s
	p.bins = bin.NewManager(s.thresholds, append([]bin.Option{bin.WithLogger(p.logger)}, p.binOpts...)...)

	p.logger.Info("Merge processor configured",
		zap.String("strategy", string(s.strategy)),
		zap.String("format", string(s.format)),
		zap.String("attribute_strategy", string(s.attributeStrategy)),
		zap.String("correlation_attribute", s.correlation),
		zap.Int("batch_size", s.batchSize))
	return p, nil
}

// Bins returns the processor's bin manager
func (p *Processor) Bins() *bin.Manager {
	return p.bins
}

// Strategy returns the configured merge strategy
func (p *Processor) Strategy() Strategy {
	return p.settings.strategy
}

// Format returns the configured merge format
func (p *Processor) Format() Format {
	return p.settings.format
}

// OnTrigger pulls up to the batch size of flow files from s into bins and
// processes every bin that completed. Per-bin failures are routed to
// failure and logged; they never fail the trigger.
func (p *Processor) OnTrigger(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := 0; i < p.settings.batchSize; i++ {
		ff, ok := s.Get()
		if !ok {
			break
		}
		p.enqueue(s, ff)
	}

	for _, b := range p.bins.DrainCompleted() {
		_ = p.ProcessBin(ctx, s, b)
	}
	return nil
}

// Shutdown processes every bin still held, regardless of thresholds. It
// returns the number of bins processed.
func (p *Processor) Shutdown(ctx context.Context, s Session) int {
	bins := p.bins.Purge()
	for _, b := range bins {
		_ = p.ProcessBin(ctx, s, b)
	}
	if len(bins) > 0 {
		p.logger.Info("Flushed open bins on shutdown", zap.Int("bins", len(bins)))
	}
	return len(bins)
}

func (p *Processor) enqueue(s Session, ff *flowfile.FlowFile) {
	for k, v := range legacyFragmentBackfill(ff) {
		s.PutAttribute(ff, k, v)
	}

	key := ResolveGroupKey(ff, p.settings.strategy, p.settings.correlation)
	if key == "" && p.settings.strategy == StrategyDefragment {
		p.bins.AppendSingleton(key, ff)
		return
	}
	if _, err := p.bins.Append(key, ff); err != nil {
		p.logger.Warn("Flow file could not be binned, routing to failure",
			zap.String("flowfile", ff.UUID),
			zap.String("group_key", key),
			zap.Int64("size", ff.Size),
			zap.Error(err))
		s.Transfer(ff, RelFailure)
	}
}

// ProcessBin validates, reconciles, merges and commits one completed bin.
// On failure the merged unit is discarded, the members are routed to
// failure and the error is returned.
func (p *Processor) ProcessBin(ctx context.Context, s Session, b *bin.Bin) error {
	members := b.Members()
	if len(members) == 0 {
		return nil
	}

	_, span := p.tracer.Start(ctx, "merge.ProcessBin",
		trace.WithAttributes(
			attribute.String("bin.id", b.ID()),
			attribute.String("bin.group_key", b.GroupKey()),
			attribute.Int("bin.members", len(members)),
			attribute.Int64("bin.size", b.Size()),
		))
	defer span.End()

	state := Validating
	reject := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("bin.outcome", Rejected.String()))
		p.reject(s, b, members, state, err)
		return err
	}

	if p.settings.strategy == StrategyDefragment {
		if err := ValidateFragments(members, p.settings.strict); err != nil {
			return reject(err)
		}
		members = SortFragments(members)
	}

	state = Reconciling
	attrs := reconcilers[p.settings.attributeStrategy](members)

	state = Merging
	merged := s.Create()
	opts := ContentOptions{Delimiters: p.settings.delimiters, KeepPath: p.settings.keepPath}
	if err := s.Write(merged, func(w io.Writer) error {
		return MergeContent(w, p.settings.format, members, s, opts)
	}); err != nil {
		s.Remove(merged)
		return reject(errors.NewInternalError(b.ID(), "merge content", "MERGE_WRITE_FAILED", fmt.Errorf("%w: %w", errors.ErrMergeFailed, err)))
	}

	state = Committing
	for k, v := range attrs {
		if k == flowfile.AttrUUID {
			continue
		}
		s.PutAttribute(merged, k, v)
	}
	s.PutAttribute(merged, flowfile.AttrMimeType, MimeType(p.settings.format))
	if name := MergedFilename(p.settings.format, members); name != "" {
		s.PutAttribute(merged, flowfile.AttrFilename, name)
	}
	s.PutAttribute(merged, flowfile.AttrFragmentCount, strconv.Itoa(len(members)))

	s.Transfer(merged, RelMerged)
	for _, ff := range members {
		s.Transfer(ff, RelOriginal)
	}

	span.SetAttributes(attribute.String("bin.outcome", Committed.String()))
	span.SetStatus(codes.Ok, "bin merged")
	p.logger.Info("Merged bin",
		zap.String("bin", b.ID()),
		zap.String("group_key", b.GroupKey()),
		zap.Int("members", len(members)),
		zap.String("merged", merged.UUID),
		zap.Int64("size", merged.Size))
	return nil
}

func (p *Processor) reject(s Session, b *bin.Bin, members []*flowfile.FlowFile, stage State, err error) {
	p.logger.Error("Bin rejected, routing members to failure",
		zap.String("bin", b.ID()),
		zap.String("group_key", b.GroupKey()),
		zap.Int("members", len(members)),
		zap.String("stage", stage.String()),
		zap.Error(err))
	for _, ff := range members {
		s.Transfer(ff, RelFailure)
	}
	if p.onReject != nil {
		p.onReject(Rejection{
			BinID:    b.ID(),
			GroupKey: b.GroupKey(),
			Members:  len(members),
			Stage:    stage,
			Err:      err,
		})
	}
}

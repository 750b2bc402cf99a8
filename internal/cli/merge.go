package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"github.com/wehubfusion/Daedalus/pkg/session"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// MergeOptions holds flags for the merge command
type MergeOptions struct {
	*RootOptions
	OutDir     string
	Strategy   string
	Format     string
	Demarcator string
	FragmentID string
	Name       string
	Attributes map[string]string
}

var (
	strategyNames = map[string]merge.Strategy{
		"defragment": merge.StrategyDefragment,
		"bin-pack":   merge.StrategyBinPack,
	}
	formatNames = map[string]merge.Format{
		"concat": merge.FormatConcat,
		"tar":    merge.FormatTar,
		"zip":    merge.FormatZip,
	}
)

// NewMergeCommand creates the merge command
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge <file>...",
		Short: "Merge local files once and write the results",
		Long: `Merge local files with the configured merge settings. Every file becomes a
flow file; all bins are flushed at the end and each merged flow file is
written to the output directory.

Without --fragment-id, --strategy or a configured strategy the files are
bin-packed. Under defragment, files without fragment attributes cannot be
reassembled and the command fails.

Example:
  daedalus merge --out ./merged --strategy bin-pack --demarcator '\n' a.json b.json
  daedalus merge --out ./merged --fragment-id report --name report.csv part-0 part-1 part-2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "directory merged files are written to (required)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "merge strategy, overrides the configuration (defragment|bin-pack)")
	cmd.Flags().StringVar(&opts.Format, "format", "", "merge format, overrides the configuration (concat|tar|zip)")
	cmd.Flags().StringVar(&opts.Demarcator, "demarcator", "", "literal text written between concatenated files")
	cmd.Flags().StringVar(&opts.FragmentID, "fragment-id", "", "treat the files, in argument order, as fragments of one unit")
	cmd.Flags().StringVar(&opts.Name, "name", "", "file name of the reassembled unit when --fragment-id is set")
	cmd.Flags().StringToStringVar(&opts.Attributes, "attr", nil, "attribute added to every flow file (key=value)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runMerge(ctx context.Context, opts *MergeOptions, files []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	mcfg := cfg.MergeConfig()
	if opts.Strategy != "" {
		s, ok := strategyNames[opts.Strategy]
		if !ok {
			return fmt.Errorf("unknown strategy %q", opts.Strategy)
		}
		mcfg.Strategy = string(s)
	}
	if opts.Format != "" {
		f, ok := formatNames[opts.Format]
		if !ok {
			return fmt.Errorf("unknown format %q", opts.Format)
		}
		mcfg.Format = string(f)
	}
	if opts.Demarcator != "" {
		mcfg.DelimiterStrategy = string(merge.DelimiterText)
		mcfg.Demarcator = unescape(opts.Demarcator)
	}
	switch {
	case opts.FragmentID != "":
		mcfg.Strategy = string(merge.StrategyDefragment)
	case mcfg.Strategy == "":
		// plain files carry no fragment attributes to reassemble
		mcfg.Strategy = string(merge.StrategyBinPack)
	}
	// bins only close on their ceilings or at the final flush
	if mcfg.Strategy == string(merge.StrategyBinPack) && mcfg.MinEntries < len(files) {
		mcfg.MinEntries = len(files)
		if mcfg.MaxEntries > 0 {
			mcfg.MinEntries = min(mcfg.MinEntries, mcfg.MaxEntries)
		}
	}

	proc, err := merge.NewProcessor(mcfg, merge.WithLogger(logger))
	if err != nil {
		return err
	}

	repo := storage.NewMemoryRepository()
	queue := session.NewQueue()
	for i, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		ff, err := session.Ingest(ctx, repo, content, fileAttributes(opts, path, i, len(files)))
		if err != nil {
			return err
		}
		queue.Push(ff)
	}

	s := session.New(ctx, repo, queue, logger)
	for queue.Len() > 0 {
		if err := proc.OnTrigger(ctx, s); err != nil {
			s.Rollback()
			return err
		}
	}
	proc.Shutdown(ctx, s)
	transfers := s.Commit()

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var merged, failed int
	for _, t := range transfers {
		switch t.Relationship {
		case merge.RelMerged:
			path, err := writeMerged(ctx, repo, t.FlowFile, opts.OutDir)
			if err != nil {
				return err
			}
			merged++
			fmt.Fprintln(out, path)
		case merge.RelFailure:
			failed++
			logger.Warn("Flow file was not merged",
				zap.String("filename", t.FlowFile.Attributes[flowfile.AttrFilename]),
				zap.String("path", t.FlowFile.Attributes[flowfile.AttrPath]))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be merged", failed, len(files))
	}
	logger.Info("Merge complete", zap.Int("files", len(files)), zap.Int("merged", merged))
	return nil
}

func fileAttributes(opts *MergeOptions, path string, index, count int) map[string]string {
	attrs := make(map[string]string, len(opts.Attributes)+6)
	for k, v := range opts.Attributes {
		attrs[k] = v
	}
	attrs[flowfile.AttrFilename] = filepath.Base(path)
	attrs[flowfile.AttrPath] = filepath.Dir(path) + string(filepath.Separator)
	if opts.FragmentID != "" {
		attrs[flowfile.AttrFragmentID] = opts.FragmentID
		attrs[flowfile.AttrFragmentIndex] = strconv.Itoa(index)
		attrs[flowfile.AttrFragmentCount] = strconv.Itoa(count)
		name := opts.Name
		if name == "" {
			name = opts.FragmentID
		}
		attrs[flowfile.AttrSegmentOriginalFilename] = name
	}
	return attrs
}

func writeMerged(ctx context.Context, repo storage.Repository, ff *flowfile.FlowFile, dir string) (string, error) {
	name, ok := ff.Attribute(flowfile.AttrFilename)
	if !ok || name == "" {
		name = ff.UUID
	}
	path := filepath.Join(dir, filepath.Base(name))

	content, err := storage.ReadAll(ctx, repo, ff.ContentClaim)
	if err != nil {
		return "", fmt.Errorf("failed to read merged content: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// unescape turns \n, \t and \r in a flag value into control characters
func unescape(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

package merge

import (
	"fmt"
	"os"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/bin"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
)

// Strategy selects how flow files are grouped into bins
type Strategy string

const (
	StrategyDefragment Strategy = "Defragment"
	StrategyBinPack    Strategy = "Bin-Packing Algorithm"
)

// Format selects the content merger
type Format string

const (
	FormatConcat Format = "Binary Concatenation"
	FormatTar    Format = "TAR"
	FormatZip    Format = "ZIP"
)

// DelimiterStrategy selects whether header, footer and demarcator are file paths or literal text
type DelimiterStrategy string

const (
	DelimiterFilename DelimiterStrategy = "Filename"
	DelimiterText     DelimiterStrategy = "Text"
)

// AttributeStrategy selects the attribute reconciler
type AttributeStrategy string

const (
	KeepCommon    AttributeStrategy = "Keep Only Common Attributes"
	KeepAllUnique AttributeStrategy = "Keep All Unique Attributes"
)

// Relationship names an outcome a flow file is routed to
type Relationship string

const (
	RelMerged   Relationship = "merged"
	RelOriginal Relationship = "original"
	RelFailure  Relationship = "failure"
)

// Relationships lists every outcome in a stable order
var Relationships = []Relationship{RelMerged, RelOriginal, RelFailure}

// Config holds the processor settings as the surrounding system supplies them.
// Empty values fall back to the defaults.
type Config struct {
	Strategy             string
	Format               string
	CorrelationAttribute string
	DelimiterStrategy    string
	Header               string
	Footer               string
	Demarcator           string
	KeepPath             bool
	AttributeStrategy    string

	// StrictFragments additionally requires fragment indices to be a permutation of [0, fragment.count)
	StrictFragments bool

	MinSize     int64
	MaxSize     int64
	MinEntries  int
	MaxEntries  int
	MaxBinAge   time.Duration
	MaxBinCount int
	BatchSize   int
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Strategy:          string(StrategyDefragment),
		Format:            string(FormatConcat),
		DelimiterStrategy: string(DelimiterFilename),
		AttributeStrategy: string(KeepCommon),
		MinEntries:        1,
		MaxBinCount:       bin.DefaultMaxBinCount,
		BatchSize:         1,
	}
}

// Delimiters are the byte strings framing concatenated content
type Delimiters struct {
	Header     []byte
	Footer     []byte
	Demarcator []byte
}

// settings is a validated Config
type settings struct {
	strategy          Strategy
	format            Format
	attributeStrategy AttributeStrategy
	correlation       string
	delimiters        Delimiters
	keepPath          bool
	strict            bool
	batchSize         int
	thresholds        bin.Thresholds
}

func oneOf[T ~string](value, fallback T, allowed ...T) (T, bool) {
	if value == "" {
		return fallback, true
	}
	for _, a := range allowed {
		if value == a {
			return value, true
		}
	}
	return value, false
}

// resolve validates c against the closed value sets and loads delimiter files
func (c Config) resolve(readFile func(string) ([]byte, error)) (settings, error) {
	var s settings
	var ok bool

	if s.strategy, ok = oneOf(Strategy(c.Strategy), StrategyDefragment, StrategyDefragment, StrategyBinPack); !ok {
		return s, errors.NewConfigurationError(fmt.Sprintf("unknown merge strategy %q", c.Strategy), "INVALID_MERGE_STRATEGY", nil)
	}
	if s.format, ok = oneOf(Format(c.Format), FormatConcat, FormatConcat, FormatTar, FormatZip); !ok {
		return s, errors.NewConfigurationError(fmt.Sprintf("unknown merge format %q", c.Format), "INVALID_MERGE_FORMAT", nil)
	}
	delim, ok := oneOf(DelimiterStrategy(c.DelimiterStrategy), DelimiterFilename, DelimiterFilename, DelimiterText)
	if !ok {
		return s, errors.NewConfigurationError(fmt.Sprintf("unknown delimiter strategy %q", c.DelimiterStrategy), "INVALID_DELIMITER_STRATEGY", nil)
	}
	if s.attributeStrategy, ok = oneOf(AttributeStrategy(c.AttributeStrategy), KeepCommon, KeepCommon, KeepAllUnique); !ok {
		return s, errors.NewConfigurationError(fmt.Sprintf("unknown attribute strategy %q", c.AttributeStrategy), "INVALID_ATTRIBUTE_STRATEGY", nil)
	}

	if c.MaxSize > 0 && c.MinSize > c.MaxSize {
		return s, errors.NewConfigurationError("minimum bin size exceeds maximum bin size", "INVALID_BIN_SIZE", nil)
	}
	if c.MaxEntries > 0 && c.MinEntries > c.MaxEntries {
		return s, errors.NewConfigurationError("minimum bin entries exceed maximum bin entries", "INVALID_BIN_ENTRIES", nil)
	}

	if s.format == FormatConcat {
		d, err := loadDelimiters(delim, c, readFile)
		if err != nil {
			return s, err
		}
		s.delimiters = d
	}

	s.correlation = c.CorrelationAttribute
	s.keepPath = c.KeepPath
	s.strict = c.StrictFragments
	s.batchSize = c.BatchSize
	if s.batchSize <= 0 {
		s.batchSize = 1
	}

	s.thresholds = bin.Thresholds{
		MinSize:     c.MinSize,
		MaxSize:     c.MaxSize,
		MinEntries:  c.MinEntries,
		MaxEntries:  c.MaxEntries,
		MaxBinAge:   c.MaxBinAge,
		MaxBinCount: c.MaxBinCount,
	}
	if s.strategy == StrategyDefragment {
		s.thresholds.FileCountAttribute = flowfile.AttrFragmentCount
	}
	return s, nil
}

func loadDelimiters(strategy DelimiterStrategy, c Config, readFile func(string) ([]byte, error)) (Delimiters, error) {
	if strategy == DelimiterText {
		return Delimiters{
			Header:     bytesOrNil(c.Header),
			Footer:     bytesOrNil(c.Footer),
			Demarcator: bytesOrNil(c.Demarcator),
		}, nil
	}

	if readFile == nil {
		readFile = os.ReadFile
	}
	var d Delimiters
	for _, f := range []struct {
		name string
		path string
		dst  *[]byte
	}{
		{"header", c.Header, &d.Header},
		{"footer", c.Footer, &d.Footer},
		{"demarcator", c.Demarcator, &d.Demarcator},
	} {
		if f.path == "" {
			continue
		}
		data, err := readFile(f.path)
		if err != nil {
			return d, errors.NewConfigurationError(fmt.Sprintf("cannot read %s file %q", f.name, f.path), "DELIMITER_UNREADABLE", err)
		}
		*f.dst = data
	}
	return d, nil
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var timeUnits = map[string]time.Duration{
	"ns": time.Nanosecond, "nano": time.Nanosecond, "nanos": time.Nanosecond, "nanosecond": time.Nanosecond, "nanoseconds": time.Nanosecond,
	"ms": time.Millisecond, "msec": time.Millisecond, "msecs": time.Millisecond, "milli": time.Millisecond, "millis": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

var sizeUnits = map[string]int64{
	"b": 1, "byte": 1, "bytes": 1,
	"k": 1 << 10, "kb": 1 << 10,
	"m": 1 << 20, "mb": 1 << 20,
	"g": 1 << 30, "gb": 1 << 30,
	"t": 1 << 40, "tb": 1 << 40,
}

// splitQuantity splits "10 MB" or "10MB" into 10 and "mb"
func splitQuantity(s string) (int64, string, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, "", fmt.Errorf("%q does not start with a number", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return n, strings.ToLower(strings.TrimSpace(s[i:])), nil
}

// ParseDuration accepts Go durations ("1m30s") and "<n> <unit>" periods ("1 sec", "5 mins").
// A bare number is milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
		return d, nil
	}
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time period: %w", err)
	}
	mult := time.Millisecond
	if unit != "" {
		var ok bool
		if mult, ok = timeUnits[unit]; !ok {
			return 0, fmt.Errorf("invalid time period %q: unknown unit %q", s, unit)
		}
	}
	if n > math.MaxInt64/int64(mult) {
		return 0, fmt.Errorf("invalid time period %q: out of range", s)
	}
	return time.Duration(n) * mult, nil
}

// ParseDataSize accepts "<n> <unit>" sizes ("10 MB", "512KB"). Units are powers of 1024.
// A bare number is bytes.
func ParseDataSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("invalid data size: %w", err)
	}
	if unit == "" {
		return n, nil
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid data size %q: unknown unit %q", s, unit)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("invalid data size %q: out of range", s)
	}
	return n * mult, nil
}

// Duration is a time.Duration that unmarshals from either notation ParseDuration accepts
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DataSize is a byte count that unmarshals from ParseDataSize notation
type DataSize int64

// UnmarshalYAML implements yaml.Unmarshaler
func (s *DataSize) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDataSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = DataSize(v)
	return nil
}

package merge

import "github.com/wehubfusion/Daedalus/pkg/flowfile"

// ResolveGroupKey returns the bin key for ff. The correlation attribute wins
// when configured and non-empty; under Defragment the fragment identifier is
// the fallback. Absence yields an empty key, never an error.
func ResolveGroupKey(ff *flowfile.FlowFile, strategy Strategy, correlationAttr string) string {
	if correlationAttr != "" {
		if v, ok := ff.Attribute(correlationAttr); ok && v != "" {
			return v
		}
	}
	if strategy == StrategyDefragment {
		if v, ok := ff.Attribute(flowfile.AttrFragmentID); ok && v != "" {
			return v
		}
	}
	return ""
}

var legacyFragmentAttributes = [...][2]string{
	{flowfile.AttrSegmentID, flowfile.AttrFragmentID},
	{flowfile.AttrSegmentIndex, flowfile.AttrFragmentIndex},
	{flowfile.AttrSegmentCount, flowfile.AttrFragmentCount},
}

// legacyFragmentBackfill returns the fragment.* attributes ff lacks but
// carries under their segment.* names
func legacyFragmentBackfill(ff *flowfile.FlowFile) map[string]string {
	var out map[string]string
	for _, pair := range legacyFragmentAttributes {
		if _, ok := ff.Attribute(pair[1]); ok {
			continue
		}
		if v, ok := ff.Attribute(pair[0]); ok {
			if out == nil {
				out = make(map[string]string, len(legacyFragmentAttributes))
			}
			out[pair[1]] = v
		}
	}
	return out
}

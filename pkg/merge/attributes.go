package merge

import "github.com/wehubfusion/Daedalus/pkg/flowfile"

// Reconciler reduces the attributes of an ordered member list to one map.
// Reconcilers never fail and never mutate their input.
type Reconciler func(members []*flowfile.FlowFile) map[string]string

var reconcilers = map[AttributeStrategy]Reconciler{
	KeepCommon:    KeepCommonAttributes,
	KeepAllUnique: KeepAllUniqueAttributes,
}

// ReconcilerFor returns the reconciler registered for strategy
func ReconcilerFor(strategy AttributeStrategy) (Reconciler, bool) {
	r, ok := reconcilers[strategy]
	return r, ok
}

// KeepCommonAttributes keeps the attributes that carry the same value on every member.
func KeepCommonAttributes(members []*flowfile.FlowFile) map[string]string {
	if len(members) == 0 {
		return map[string]string{}
	}
	out := members[0].CopyAttributes()
	for _, ff := range members[1:] {
		for k, v := range out {
			if other, ok := ff.Attribute(k); !ok || other != v {
				delete(out, k)
			}
		}
	}
	return out
}

// KeepAllUniqueAttributes keeps every attribute that never had conflicting
// values. Once a key conflicts it stays out even if later members agree
// with an earlier value.
func KeepAllUniqueAttributes(members []*flowfile.FlowFile) map[string]string {
	out := make(map[string]string)
	excluded := make(map[string]struct{})
	for _, ff := range members {
		for k, v := range ff.Attributes {
			if _, ok := excluded[k]; ok {
				continue
			}
			existing, ok := out[k]
			switch {
			case !ok:
				out[k] = v
			case existing != v:
				delete(out, k)
				excluded[k] = struct{}{}
			}
		}
	}
	return out
}

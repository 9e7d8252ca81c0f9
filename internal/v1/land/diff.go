package land

import (
	"sort"
	"strconv"
	"strings"

	"github.com/driftline/landsync/internal/v1/types"
)

// escapeComponent escapes one JSON-pointer component per RFC 6901.
func escapeComponent(c string) string {
	c = strings.ReplaceAll(c, "~", "~0")
	return strings.ReplaceAll(c, "/", "~1")
}

// childPath extends a JSON pointer by one component.
func childPath(prefix, component string) string {
	return prefix + "/" + escapeComponent(component)
}

// numericValue coerces any Go numeric into a float64 for cross-type
// comparison. Integer and floating representations of the same quantity
// compare equal.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// scalarsEqual compares two leaf values. Numbers compare by value across
// int/float types; everything else compares by type and value.
func scalarsEqual(a, b any) bool {
	if an, ok := numericValue(a); ok {
		bn, bok := numericValue(b)
		return bok && an == bn
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	return false
}

// diffValue appends the patches turning prev into curr at path. Objects
// recurse key by key; same-length arrays recurse index by index; anything
// else that differs becomes a single set.
func diffValue(prev, curr any, path string, out []types.StatePatch) []types.StatePatch {
	prevMap, prevIsMap := asStringMap(prev)
	currMap, currIsMap := asStringMap(curr)
	if prevIsMap && currIsMap {
		return diffMaps(prevMap, currMap, path, out)
	}

	prevArr, prevIsArr := prev.([]any)
	currArr, currIsArr := curr.([]any)
	if prevIsArr && currIsArr {
		if len(prevArr) != len(currArr) {
			return append(out, types.StatePatch{Path: path, Op: types.OpSet, Value: curr})
		}
		for i := range currArr {
			out = diffValue(prevArr[i], currArr[i], childPath(path, strconv.Itoa(i)), out)
		}
		return out
	}

	if scalarsEqual(prev, curr) {
		return out
	}
	return append(out, types.StatePatch{Path: path, Op: types.OpSet, Value: curr})
}

// diffMaps compares two object levels. Keys are visited in sorted order so
// patch sequences are deterministic.
func diffMaps(prev, curr map[string]any, path string, out []types.StatePatch) []types.StatePatch {
	keys := make([]string, 0, len(curr))
	for k := range curr {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		cv := curr[k]
		pv, existed := prev[k]
		kp := childPath(path, k)
		if !existed {
			out = append(out, types.StatePatch{Path: kp, Op: types.OpAdd, Value: cv})
			continue
		}
		out = diffValue(pv, cv, kp, out)
	}

	removed := make([]string, 0)
	for k := range prev {
		if _, ok := curr[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		out = append(out, types.StatePatch{Path: childPath(path, k), Op: types.OpRemove})
	}
	return out
}

// asStringMap normalizes both map[string]any and Snapshot to one map type.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Snapshot:
		return m, true
	}
	return nil, false
}

// diffSnapshots diffs only the fields present in curr; fields missing from
// curr are untouched, not removed. Dirty-field extraction produces partial
// snapshots and absence there means "unchanged".
func diffSnapshots(prev, curr types.Snapshot) []types.StatePatch {
	keys := make([]string, 0, len(curr))
	for k := range curr {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []types.StatePatch
	for _, k := range keys {
		kp := childPath("", k)
		pv, existed := prev[k]
		if !existed {
			out = append(out, types.StatePatch{Path: kp, Op: types.OpAdd, Value: curr[k]})
			continue
		}
		out = diffValue(pv, curr[k], kp, out)
	}
	return out
}

package detection

import (
	"fmt"
	"strconv"
	"strings"
)

// Access walks root by a dotted/bracketed path (`prop`, `prop.nested`,
// `prop[index]`) and returns the value found, or ok=false if any segment of
// the path is missing. It never panics on a malformed or absent path —
// "undefined, never raising" per spec.
func Access(root interface{}, path string) (interface{}, bool) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false
	}

	cur := root
	for _, seg := range segments {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// pathSegment is either a map key lookup or a slice index lookup.
type pathSegment struct {
	key      string
	isIndex  bool
	index    int
}

func splitPath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("detection: empty field path")
	}
	var segments []pathSegment
	for _, dotPart := range strings.Split(path, ".") {
		if dotPart == "" {
			return nil, fmt.Errorf("detection: empty path segment in %q", path)
		}
		name := dotPart
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				if name != "" {
					segments = append(segments, pathSegment{key: name})
				}
				break
			}
			close := strings.IndexByte(name, ']')
			if close < open {
				return nil, fmt.Errorf("detection: malformed index in %q", path)
			}
			if open > 0 {
				segments = append(segments, pathSegment{key: name[:open]})
			}
			idxStr := name[open+1 : close]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("detection: non-numeric index %q in %q", idxStr, path)
			}
			segments = append(segments, pathSegment{isIndex: true, index: idx})
			name = name[close+1:]
			if name == "" {
				break
			}
		}
	}
	return segments, nil
}

func step(cur interface{}, seg pathSegment) (interface{}, bool) {
	if seg.isIndex {
		slice, ok := cur.([]interface{})
		if !ok {
			return nil, false
		}
		if seg.index < 0 || seg.index >= len(slice) {
			return nil, false
		}
		return slice[seg.index], true
	}

	switch m := cur.(type) {
	case map[string]interface{}:
		v, ok := m[seg.key]
		return v, ok
	default:
		return nil, false
	}
}

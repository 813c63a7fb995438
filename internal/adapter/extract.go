package adapter

import (
	"fmt"
	"strconv"
	"strings"
)

// extractPath resolves a dotted/indexed path such as
// "choices.0.message.content" against decoded JSON. Numeric segments index
// into arrays. A missing key, an out-of-range index, or descent into a
// scalar is an error; callers classify it as MalformedResponse.
func extractPath(doc interface{}, path string) (interface{}, error) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("path %q: missing key %q", path, seg)
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("path %q: segment %q is not an array index", path, seg)
			}
			if idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("path %q: index %d out of range (len %d)", path, idx, len(node))
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("path %q: cannot descend into %T at %q", path, cur, seg)
		}
	}
	return cur, nil
}

// extractString resolves path and coerces the leaf to a string.
func extractString(doc interface{}, path string) (string, error) {
	v, err := extractPath(doc, path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("path %q: leaf is %T, not a string", path, v)
	}
	return s, nil
}

// extractFloat resolves path and coerces the leaf to a float64.
func extractFloat(doc interface{}, path string) (float64, error) {
	v, err := extractPath(doc, path)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("path %q: leaf is %T, not a number", path, v)
	}
	return f, nil
}

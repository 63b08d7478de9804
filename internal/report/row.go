package report

import (
	"encoding/json"
	"strings"
)

// KeySeparator joins key segments in the wire representation of a row path.
const KeySeparator = "::"

// UnknownValue is the display bucket for NULL/empty dimension values. It
// participates in grouping and override merging like any other value.
const UnknownValue = "Unknown"

// KeySegment is one (dimension, value) step of a row's path from the root.
type KeySegment struct {
	Dimension string
	Value     string
}

// KeyPath identifies a row's position in the report tree as a typed ordered
// tuple. Lookups and equality are structural; the "::"-joined string form
// only exists at the JSON boundary.
type KeyPath []KeySegment

// String renders the wire form, e.g. "Denmark::Google Ads".
func (k KeyPath) String() string {
	parts := make([]string, len(k))
	for i, seg := range k {
		parts[i] = seg.Value
	}
	return strings.Join(parts, KeySeparator)
}

// MarshalJSON serializes the path as its wire string.
func (k KeyPath) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Depth is the 0-based level of the row this path identifies.
func (k KeyPath) Depth() int {
	return len(k) - 1
}

// Child returns a new path extended by one segment. The receiver is not
// modified and shares no backing array with the result.
func (k KeyPath) Child(dimension, value string) KeyPath {
	child := make(KeyPath, len(k)+1)
	copy(child, k)
	child[len(k)] = KeySegment{Dimension: dimension, Value: value}
	return child
}

// Equal reports structural equality of two paths.
func (k KeyPath) Equal(other KeyPath) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether k is a strict prefix of other.
func (k KeyPath) IsPrefixOf(other KeyPath) bool {
	if len(k) >= len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// lookupKey is a collision-safe canonical form used as a map key when
// correlating primary and override result sets.
func (k KeyPath) lookupKey() string {
	var b strings.Builder
	for i, seg := range k {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(seg.Dimension)
		b.WriteByte('=')
		b.WriteString(seg.Value)
	}
	return b.String()
}

// ParseKey zips the segments of a wire key with the dimension list by index.
// Surplus segments beyond the dimension list are dropped.
func ParseKey(raw string, dimensions []string) KeyPath {
	if raw == "" {
		return nil
	}
	segments := strings.Split(raw, KeySeparator)
	if len(segments) > len(dimensions) {
		segments = segments[:len(dimensions)]
	}
	path := make(KeyPath, len(segments))
	for i, value := range segments {
		path[i] = KeySegment{Dimension: dimensions[i], Value: value}
	}
	return path
}

// Row is the universal hierarchical report unit.
//
// Children is nil when the level below has not been fetched and an empty
// slice when it was fetched and came back empty; JSON preserves the
// distinction as null vs [].
type Row struct {
	Key         KeyPath            `json:"key"`
	Attribute   string             `json:"attribute"`
	Depth       int                `json:"depth"`
	HasChildren bool               `json:"hasChildren"`
	Children    []Row              `json:"children"`
	Metrics     map[string]float64 `json:"metrics"`
}

// ParentFilters converts a path into per-dimension equality constraints for
// fetching that branch's children.
func (k KeyPath) ParentFilters() map[string]string {
	filters := make(map[string]string, len(k))
	for _, seg := range k {
		filters[seg.Dimension] = seg.Value
	}
	return filters
}

// ParseKeyToParentFilters splits a wire key and zips the segments 1:1 with
// the dimension list. Surplus segments are dropped, not an error.
func ParseKeyToParentFilters(key string, dimensions []string) map[string]string {
	return ParseKey(key, dimensions).ParentFilters()
}

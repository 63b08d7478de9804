package report

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Tree reconciliation utilities. All functions here are pure: they never
// mutate their inputs and rebuild only the path they touch, leaving
// untouched branches sharing storage with the originals.

// UpdateHasChildren recomputes HasChildren for every row and all loaded
// descendants against a new dimension count.
func UpdateHasChildren(rows []Row, dimensionCount int) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		row.HasChildren = row.Depth < dimensionCount-1
		row.Children = UpdateHasChildren(row.Children, dimensionCount)
		out[i] = row
	}
	return out
}

// UpdateTreeChildren attaches children under the row whose key exactly
// matches parentKey. Only the path to that row is rebuilt; sibling rows keep
// their existing storage. When no row matches, the input is returned as-is.
func UpdateTreeChildren(rows []Row, parentKey KeyPath, children []Row) []Row {
	updated, _ := attachChildren(rows, parentKey, children)
	return updated
}

// attachChildren reports whether a matching parent row was actually found,
// so callers can tell an attached branch from a no-op.
func attachChildren(rows []Row, parentKey KeyPath, children []Row) ([]Row, bool) {
	for i := range rows {
		if rows[i].Key.Equal(parentKey) {
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i].Children = children
			return out, true
		}
		if rows[i].Children != nil && rows[i].Key.IsPrefixOf(parentKey) {
			updated, ok := attachChildren(rows[i].Children, parentKey, children)
			if !ok {
				return rows, false
			}
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i].Children = updated
			return out, true
		}
	}
	return rows, false
}

// FetchResult is the settled outcome of one branch fetch.
type FetchResult struct {
	ParentKey KeyPath
	Rows      []Row
	Err       error
	Success   bool
}

// UpdateTreeWithResults applies a batch of settled branch fetches. Failed or
// unsuccessful results are skipped silently: the branch simply stays
// un-expanded, with no error written into the tree.
func UpdateTreeWithResults(rows []Row, results []FetchResult) []Row {
	for _, result := range results {
		if result.Err != nil || !result.Success {
			continue
		}
		rows = UpdateTreeChildren(rows, result.ParentKey, result.Rows)
	}
	return rows
}

// GroupKeysByDepth buckets wire keys by their tree depth (segment count
// minus one) so shallower levels can be fetched before deeper ones.
func GroupKeysByDepth(keys []string) map[int][]string {
	grouped := make(map[int][]string)
	for _, key := range keys {
		if key == "" {
			continue
		}
		depth := strings.Count(key, KeySeparator)
		grouped[depth] = append(grouped[depth], key)
	}
	return grouped
}

// ChildFetcher loads the children of one branch. filters carries the
// parsed per-dimension values of the branch key; depth is the level of the
// children being requested.
type ChildFetcher func(ctx context.Context, key string, filters map[string]string, depth int) ([]Row, error)

// RestoreConfig drives RestoreExpandedRows.
type RestoreConfig struct {
	ExpandedKeys []string
	Dimensions   []string
	Fetch        ChildFetcher
}

// RestoreExpandedRows re-expands a previously saved set of branches into an
// existing tree. Levels are restored shallowest-first so a parent row exists
// before its children are attached; within a level branches are fetched
// concurrently and settled individually. A failed branch is omitted from the
// restored set without aborting the rest.
func RestoreExpandedRows(ctx context.Context, rows []Row, cfg RestoreConfig) ([]Row, []string) {
	grouped := GroupKeysByDepth(cfg.ExpandedKeys)

	depths := make([]int, 0, len(grouped))
	for depth := range grouped {
		depths = append(depths, depth)
	}
	sort.Ints(depths)

	var restored []string
	for _, depth := range depths {
		keys := grouped[depth]
		results := make([]FetchResult, len(keys))

		var wg sync.WaitGroup
		for i, key := range keys {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				parentKey := ParseKey(key, cfg.Dimensions)
				children, err := cfg.Fetch(ctx, key, parentKey.ParentFilters(), depth+1)
				results[i] = FetchResult{
					ParentKey: parentKey,
					Rows:      children,
					Err:       err,
					Success:   err == nil,
				}
			}(i, key)
		}
		wg.Wait()

		// A key counts as restored only when its children were actually
		// attached: a fetch can succeed for a branch whose own parent never
		// made it into the tree.
		for i, result := range results {
			if result.Err != nil || !result.Success {
				continue
			}
			updated, attached := attachChildren(rows, result.ParentKey, result.Rows)
			if !attached {
				continue
			}
			rows = updated
			restored = append(restored, keys[i])
		}
	}

	return rows, restored
}

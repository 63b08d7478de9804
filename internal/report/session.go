package report

import (
	"sort"
	"strings"
	"time"
)

// SessionDimension describes one groupable attribute of the flat on-page
// result set.
type SessionDimension struct {
	ID string
	// Field is the column carrying the display value.
	Field string
	// KeyField, when set, is a stable id column; rows with the same id but
	// differently-written display values collapse into one node (enriched
	// dimensions such as campaign).
	KeyField string
	IsDate   bool
}

// BuildSessionTree groups one flat, fully-dimensioned result set into a
// complete tree. Raw counters are summed at every level and each level's
// ratios are derived from that level's own sums; a parent's ratio is never
// the average of its children's ratios.
func BuildSessionTree(flat []map[string]interface{}, dims []SessionDimension, counters []string, ratios []RatioSpec, sortBy, sortDir string) []Row {
	if len(dims) == 0 {
		return []Row{}
	}
	return buildSessionLevel(nil, flat, dims, 0, counters, ratios, sortBy, sortDir)
}

type sessionGroup struct {
	key       string
	attribute string
	rawDate   time.Time
	members   []map[string]interface{}
}

func buildSessionLevel(parent KeyPath, flat []map[string]interface{}, dims []SessionDimension, depth int, counters []string, ratios []RatioSpec, sortBy, sortDir string) []Row {
	dim := dims[depth]

	groups := make(map[string]*sessionGroup)
	order := make([]string, 0)
	for _, row := range flat {
		attribute := normalizeSessionValue(row[dim.Field])
		key := attribute
		if dim.KeyField != "" {
			key = normalizeSessionValue(row[dim.KeyField])
		}
		group, ok := groups[key]
		if !ok {
			group = &sessionGroup{key: key, attribute: attribute}
			if dim.IsDate {
				group.rawDate = parseSessionDate(row[dim.Field])
			}
			groups[key] = group
			order = append(order, key)
		}
		group.members = append(group.members, row)
	}

	result := make([]Row, 0, len(groups))
	for _, key := range order {
		group := groups[key]

		metrics := make(map[string]float64, len(counters)+len(ratios))
		for _, counter := range counters {
			var sum float64
			for _, member := range group.members {
				sum += toFloat(member[counter])
			}
			metrics[counter] = sum
		}
		for _, r := range ratios {
			metrics[r.Name] = ratio(metrics[r.Numerator], metrics[r.Denominator])
		}

		row := Row{
			Key:         parent.Child(dim.ID, group.key),
			Attribute:   group.attribute,
			Depth:       depth,
			HasChildren: depth < len(dims)-1,
			Metrics:     metrics,
		}
		if row.HasChildren {
			row.Children = buildSessionLevel(row.Key, group.members, dims, depth+1, counters, ratios, sortBy, sortDir)
		}
		result = append(result, row)
	}

	sortSessionLevel(result, groups, dim, sortBy, sortDir)
	return result
}

// sortSessionLevel orders one level: date dimensions chronologically
// descending regardless of the requested sort, everything else by the
// requested metric with a display-label tie-break.
func sortSessionLevel(rows []Row, groups map[string]*sessionGroup, dim SessionDimension, sortBy, sortDir string) {
	if dim.IsDate {
		sort.SliceStable(rows, func(i, j int) bool {
			gi, gj := groups[lastSegment(rows[i].Key)], groups[lastSegment(rows[j].Key)]
			if !gi.rawDate.Equal(gj.rawDate) {
				return gi.rawDate.After(gj.rawDate)
			}
			return rows[i].Attribute > rows[j].Attribute
		})
		return
	}

	asc := strings.EqualFold(sortDir, "ASC")
	sort.SliceStable(rows, func(i, j int) bool {
		vi, vj := rows[i].Metrics[sortBy], rows[j].Metrics[sortBy]
		if vi != vj {
			if asc {
				return vi < vj
			}
			return vi > vj
		}
		return rows[i].Attribute < rows[j].Attribute
	})
}

func lastSegment(key KeyPath) string {
	return key[len(key)-1].Value
}

func normalizeSessionValue(raw interface{}) string {
	value := strings.TrimSpace(stringValue(raw))
	if value == "" {
		return UnknownValue
	}
	return value
}

func parseSessionDate(raw interface{}) time.Time {
	if t, ok := raw.(time.Time); ok {
		return t
	}
	value := strings.TrimSpace(stringValue(raw))
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

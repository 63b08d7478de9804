package report

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor runs a parameterized query against one of the two stores and
// returns rows as column-name maps. Both pkg/database wrappers satisfy it.
type Executor interface {
	ExecuteQuery(ctx context.Context, sql string, params []interface{}) ([]map[string]interface{}, error)
}

// Engine executes report queries and assembles merged Row pages.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a report engine. Dependencies are injected; there is no
// package-level error sink.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Run executes the primary query and every override co-query concurrently,
// merges override counters into the primary rows by key path, and recomputes
// all derived ratios from the merged counts. A failure in any query fails
// the whole request; there is no partial success at this level.
func (e *Engine) Run(ctx context.Context, exec Executor, spec *ReportSpec, opts QueryOptions) ([]Row, error) {
	primaryQuery, err := spec.BuildQuery(opts)
	if err != nil {
		return nil, err
	}

	overrideQueries := make([]Query, len(spec.Overrides))
	for i, ov := range spec.Overrides {
		q, err := spec.BuildOverrideQuery(ov, opts)
		if err != nil {
			return nil, err
		}
		overrideQueries[i] = q
	}

	var (
		primaryRows  []map[string]interface{}
		overrideRows = make([][]map[string]interface{}, len(spec.Overrides))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		rows, err := exec.ExecuteQuery(groupCtx, primaryQuery.SQL, primaryQuery.Params)
		if err != nil {
			return err
		}
		primaryRows = rows
		return nil
	})
	for i := range spec.Overrides {
		i := i
		group.Go(func() error {
			rows, err := exec.ExecuteQuery(groupCtx, overrideQueries[i].SQL, overrideQueries[i].Params)
			if err != nil {
				return err
			}
			overrideRows[i] = rows
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return e.merge(spec, opts, primaryRows, overrideRows), nil
}

// merge assembles the final page. Override counters overwrite the primary
// values (they are recomputed from the authoritative source, not added);
// a bucket with no override activity gets zero, which is not an error.
func (e *Engine) merge(spec *ReportSpec, opts QueryOptions, primaryRows []map[string]interface{}, overrideRows [][]map[string]interface{}) []Row {
	dim := opts.Dimensions[opts.Depth]
	dspec := spec.Dimensions[dim]
	parentPath := parentKeyPath(opts)
	hasChildren := opts.Depth < len(opts.Dimensions)-1

	// Override lookups keyed by the same normalized path as the primary
	// rows. Any normalization drift here silently drops merge data, so both
	// sides go through the same keyValue helpers.
	lookups := make([]map[string]map[string]float64, len(spec.Overrides))
	for i, rows := range overrideRows {
		lookup := make(map[string]map[string]float64, len(rows))
		for _, row := range rows {
			key := parentPath.Child(dim, overrideKeyValue(row["dimension_value"], dspec))
			metrics := make(map[string]float64, len(spec.Overrides[i].Counters))
			for _, counter := range spec.Overrides[i].Counters {
				metrics[counter.Name] = toFloat(row[counter.Name])
			}
			lookup[key.lookupKey()] = metrics
		}
		lookups[i] = lookup
	}

	result := make([]Row, 0, len(primaryRows))
	for _, raw := range primaryRows {
		displayed := displayValue(raw["dimension_value"], dspec)
		key := parentPath.Child(dim, primaryKeyValue(raw, dspec))

		metrics := make(map[string]float64, len(spec.Counters)+len(spec.Ratios))
		for _, counter := range spec.Counters {
			metrics[counter.Name] = toFloat(raw[counter.Name])
		}

		for i, ov := range spec.Overrides {
			overrides := lookups[i][key.lookupKey()]
			for _, counter := range ov.Counters {
				metrics[counter.Name] = overrides[counter.Name] // zero when absent
			}
		}

		for _, r := range spec.Ratios {
			metrics[r.Name] = ratio(metrics[r.Numerator], metrics[r.Denominator])
		}

		attribute := displayed
		if dspec.Attribute != nil {
			attribute = dspec.Attribute(raw, displayed)
		}

		result = append(result, Row{
			Key:         key,
			Attribute:   attribute,
			Depth:       opts.Depth,
			HasChildren: hasChildren,
			Metrics:     metrics,
		})
	}

	return result
}

// parentKeyPath reconstructs the ancestor path from the request's dimension
// ordering and parent filters.
func parentKeyPath(opts QueryOptions) KeyPath {
	path := make(KeyPath, 0, opts.Depth)
	for _, dim := range opts.Dimensions[:opts.Depth] {
		path = append(path, KeySegment{Dimension: dim, Value: opts.ParentFilters[dim]})
	}
	return path
}

// primaryKeyValue picks the key segment for a primary row: the stable id
// column for enriched dimensions, the displayed value otherwise.
func primaryKeyValue(row map[string]interface{}, dspec DimensionSpec) string {
	if dspec.KeyColumn != "" {
		value := strings.TrimSpace(stringValue(row["dimension_key"]))
		if value == "" {
			return UnknownValue
		}
		return value
	}
	return displayValue(row["dimension_value"], dspec)
}

// overrideKeyValue normalizes an override row's grouping value the same way
// the primary side does. Enriched dimensions group overrides by id.
func overrideKeyValue(raw interface{}, dspec DimensionSpec) string {
	if dspec.KeyColumn != "" {
		value := strings.TrimSpace(stringValue(raw))
		if value == "" {
			return UnknownValue
		}
		return value
	}
	return displayValue(raw, dspec)
}

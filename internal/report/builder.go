package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridianlabs/insight-api/internal/apperror"
)

// MaxRows is the hard cap on any single report page. A result of exactly
// MaxRows must be treated by callers as possibly truncated.
const MaxRows = 1000

// Dialect selects the placeholder style for the target store.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectMariaDB
)

// DateRange bounds a report query, inclusive on both ends.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QueryOptions is the per-request input to a report query build.
type QueryOptions struct {
	DateRange     DateRange
	Dimensions    []string
	Depth         int
	ParentFilters map[string]string
	SortBy        string
	SortDirection string
	Limit         int
}

// Query is a parameterized SQL statement ready for an executor.
type Query struct {
	SQL    string
	Params []interface{}
}

// DimensionSpec maps a report dimension id to its physical column.
type DimensionSpec struct {
	// Column is the grouping expression for this dimension.
	Column string
	// KeyColumn, when set, is a stable id column used for the composite key
	// while Column provides the display value (enriched dimensions).
	KeyColumn string
	// ExtraColumns are selected and grouped alongside Column when this
	// dimension is active, for Attribute to compose a richer label.
	ExtraColumns []string
	// TitleCase folds case variants of Column into one bucket, in SQL via
	// INITCAP and again on the Go side for values from other sources.
	TitleCase bool
	// Attribute overrides the row label, receiving the full result row and
	// the displayed dimension value. Used by leaf-level order rows.
	Attribute func(row map[string]interface{}, displayed string) string
	// IsDate marks date-like dimensions, which sort chronologically.
	IsDate bool
}

// CounterSpec is a raw additive metric computed by SQL aggregation.
type CounterSpec struct {
	Name string
	Expr string
}

// RatioSpec is a derived metric recomputed from two counters at assembly
// time. It is never read from SQL: a parent's ratio must come from the
// parent's own merged counts, not an average of child ratios.
type RatioSpec struct {
	Name        string
	Numerator   string
	Denominator string
}

// OverrideSpec describes a standalone co-query that recomputes specific
// counters from an authoritative source. The merge layer overwrites the
// primary values with these, defaulting to zero when a bucket is absent.
type OverrideSpec struct {
	Name       string
	From       string
	DateColumn string
	// Filter is an extra WHERE fragment, e.g. "s.is_trial = TRUE".
	Filter string
	// Dimensions maps every report dimension id onto a column in this
	// source's join path.
	Dimensions map[string]string
	Counters   []CounterSpec
}

// ReportSpec configures the generic builder for one report.
type ReportSpec struct {
	Name        string
	Dialect     Dialect
	From        string
	DateColumn  string
	Dimensions  map[string]DimensionSpec
	Counters    []CounterSpec
	Ratios      []RatioSpec
	Overrides   []OverrideSpec
	DefaultSort string
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Validate checks the options against the spec: dimensions must be known,
// depth in range, every ancestor dimension covered by a parent filter.
func (s *ReportSpec) Validate(opts QueryOptions) error {
	if len(opts.Dimensions) == 0 {
		return apperror.NewValidation("report %q: at least one dimension is required", s.Name)
	}
	if opts.Depth < 0 || opts.Depth >= len(opts.Dimensions) {
		return apperror.NewValidation("report %q: depth %d is out of range for %d dimensions", s.Name, opts.Depth, len(opts.Dimensions))
	}
	for _, dim := range opts.Dimensions {
		if _, ok := s.Dimensions[dim]; !ok {
			return apperror.NewValidation("report %q: unknown dimension %q", s.Name, dim)
		}
	}
	for _, ancestor := range opts.Dimensions[:opts.Depth] {
		if _, ok := opts.ParentFilters[ancestor]; !ok {
			return apperror.NewValidation("report %q: missing parent filter for dimension %q", s.Name, ancestor)
		}
	}
	if opts.DateRange.Start.IsZero() || opts.DateRange.End.IsZero() {
		return apperror.NewValidation("report %q: date range is required", s.Name)
	}
	if opts.SortDirection != "" && opts.SortDirection != "ASC" && opts.SortDirection != "DESC" {
		return apperror.NewValidation("report %q: sort direction must be ASC or DESC", s.Name)
	}
	return nil
}

// BuildQuery emits the primary query for the dimension at opts.Depth.
// Ordering is deterministic: requested sort first, grouping column ascending
// as the tie-break. Results are capped at MaxRows.
func (s *ReportSpec) BuildQuery(opts QueryOptions) (Query, error) {
	if err := s.Validate(opts); err != nil {
		return Query{}, err
	}

	dim := opts.Dimensions[opts.Depth]
	dspec := s.Dimensions[dim]

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = s.DefaultSort
	}
	if err := s.validateSort(sortBy); err != nil {
		return Query{}, err
	}
	direction := opts.SortDirection
	if direction == "" {
		direction = "DESC"
	}

	var (
		b      strings.Builder
		params []interface{}
	)
	next := func(v interface{}) string {
		params = append(params, v)
		return s.Dialect.placeholder(len(params))
	}

	b.WriteString("SELECT ")
	b.WriteString(normalizeExpr(dspec.Column, dspec))
	b.WriteString(" AS dimension_value")
	if dspec.KeyColumn != "" {
		b.WriteString(", ")
		b.WriteString(dspec.KeyColumn)
		b.WriteString(" AS dimension_key")
	}
	for _, extra := range dspec.ExtraColumns {
		b.WriteString(", ")
		b.WriteString(extra)
	}
	for _, counter := range s.Counters {
		b.WriteString(", ")
		b.WriteString(counter.Expr)
		b.WriteString(" AS ")
		b.WriteString(counter.Name)
	}

	b.WriteString("\nFROM ")
	b.WriteString(s.From)
	b.WriteString("\nWHERE ")
	b.WriteString(s.DateColumn)
	b.WriteString(" >= ")
	b.WriteString(next(opts.DateRange.Start))
	b.WriteString(" AND ")
	b.WriteString(s.DateColumn)
	b.WriteString(" <= ")
	b.WriteString(next(opts.DateRange.End))

	for _, ancestor := range opts.Dimensions[:opts.Depth] {
		aspec := s.Dimensions[ancestor]
		value := opts.ParentFilters[ancestor]
		if aspec.KeyColumn != "" {
			writeKeyFilter(&b, aspec.KeyColumn, value, next)
			continue
		}
		b.WriteString(" AND ")
		b.WriteString(normalizeExpr(aspec.Column, aspec))
		b.WriteString(" = ")
		b.WriteString(next(displayValue(value, aspec)))
	}

	b.WriteString("\nGROUP BY ")
	b.WriteString(normalizeExpr(dspec.Column, dspec))
	if dspec.KeyColumn != "" {
		b.WriteString(", ")
		b.WriteString(dspec.KeyColumn)
	}
	for _, extra := range dspec.ExtraColumns {
		b.WriteString(", ")
		b.WriteString(groupableColumn(extra))
	}

	b.WriteString("\nORDER BY ")
	if dspec.IsDate {
		// Date dimensions always read newest-first.
		b.WriteString("dimension_value DESC")
	} else {
		b.WriteString(sortBy)
		b.WriteString(" ")
		b.WriteString(direction)
		b.WriteString(", dimension_value ASC")
	}

	limit := opts.Limit
	if limit <= 0 || limit > MaxRows {
		limit = MaxRows
	}
	b.WriteString("\nLIMIT ")
	b.WriteString(next(limit))

	return Query{SQL: b.String(), Params: params}, nil
}

// BuildOverrideQuery emits the co-query for one override source, grouped by
// the same dimension path as the primary query.
func (s *ReportSpec) BuildOverrideQuery(ov OverrideSpec, opts QueryOptions) (Query, error) {
	if err := s.Validate(opts); err != nil {
		return Query{}, err
	}

	dim := opts.Dimensions[opts.Depth]
	column, ok := ov.Dimensions[dim]
	if !ok {
		return Query{}, apperror.NewValidation("report %q: override %q has no column for dimension %q", s.Name, ov.Name, dim)
	}

	var (
		b      strings.Builder
		params []interface{}
	)
	next := func(v interface{}) string {
		params = append(params, v)
		return s.Dialect.placeholder(len(params))
	}

	dspec := s.Dimensions[dim]

	b.WriteString("SELECT ")
	b.WriteString(normalizeExpr(column, dspec))
	b.WriteString(" AS dimension_value")
	for _, counter := range ov.Counters {
		b.WriteString(", ")
		b.WriteString(counter.Expr)
		b.WriteString(" AS ")
		b.WriteString(counter.Name)
	}

	b.WriteString("\nFROM ")
	b.WriteString(ov.From)
	b.WriteString("\nWHERE ")
	b.WriteString(ov.DateColumn)
	b.WriteString(" >= ")
	b.WriteString(next(opts.DateRange.Start))
	b.WriteString(" AND ")
	b.WriteString(ov.DateColumn)
	b.WriteString(" <= ")
	b.WriteString(next(opts.DateRange.End))
	if ov.Filter != "" {
		b.WriteString(" AND ")
		b.WriteString(ov.Filter)
	}

	for _, ancestor := range opts.Dimensions[:opts.Depth] {
		acol, ok := ov.Dimensions[ancestor]
		if !ok {
			return Query{}, apperror.NewValidation("report %q: override %q has no column for dimension %q", s.Name, ov.Name, ancestor)
		}
		aspec := s.Dimensions[ancestor]
		if aspec.KeyColumn != "" {
			writeKeyFilter(&b, acol, opts.ParentFilters[ancestor], next)
			continue
		}
		b.WriteString(" AND ")
		b.WriteString(normalizeExpr(acol, aspec))
		b.WriteString(" = ")
		b.WriteString(next(displayValue(opts.ParentFilters[ancestor], aspec)))
	}

	b.WriteString("\nGROUP BY ")
	b.WriteString(normalizeExpr(column, dspec))
	b.WriteString("\nORDER BY dimension_value ASC")

	return Query{SQL: b.String(), Params: params}, nil
}

func (s *ReportSpec) validateSort(sortBy string) error {
	for _, counter := range s.Counters {
		if counter.Name == sortBy {
			return nil
		}
	}
	if sortBy == "dimension_value" {
		return nil
	}
	return apperror.NewValidation("report %q: unknown sort field %q", s.Name, sortBy)
}

// normalizeExpr wraps a text dimension column so NULL, empty and, for
// TitleCase dimensions, case variants all land in one bucket. Grouping,
// ancestor filters and override co-queries must all use this same
// expression: normalizing later in Go would leave COUNT(DISTINCT) buckets
// that cannot be re-summed. Id and date columns pass through untouched.
func normalizeExpr(column string, dspec DimensionSpec) string {
	if dspec.IsDate || dspec.KeyColumn != "" {
		return column
	}
	expr := "TRIM(" + column + ")"
	if dspec.TitleCase {
		expr = "INITCAP(" + expr + ")"
	}
	return "COALESCE(NULLIF(" + expr + ", ''), '" + UnknownValue + "')"
}

// writeKeyFilter appends an ancestor constraint on a stable id column.
// Drilling into an "Unknown" bucket must match the NULL/empty rows that
// produced it; text dimensions instead filter on their normalizeExpr, where
// plain equality against "Unknown" already does this.
func writeKeyFilter(b *strings.Builder, column, value string, next func(interface{}) string) {
	if value == UnknownValue {
		b.WriteString(" AND (")
		b.WriteString(column)
		b.WriteString(" IS NULL OR ")
		b.WriteString(column)
		b.WriteString(" = '')")
		return
	}
	b.WriteString(" AND ")
	b.WriteString(column)
	b.WriteString(" = ")
	b.WriteString(next(value))
}

// groupableColumn strips an "expr AS alias" down to expr for GROUP BY.
func groupableColumn(selected string) string {
	if i := strings.Index(strings.ToUpper(selected), " AS "); i >= 0 {
		return selected[:i]
	}
	return selected
}

// displayValue applies the Go-side mirror of normalizeExpr for values that
// did not come through it, such as expanded-key segments saved by an older
// client. The primary row key and the override lookup key must both pass
// through here, keeping the two result sets joinable.
func displayValue(raw interface{}, dspec DimensionSpec) string {
	value := strings.TrimSpace(stringValue(raw))
	if value == "" {
		return UnknownValue
	}
	if dspec.TitleCase {
		return titleCase(value)
	}
	return value
}

// titleCase is the Go equivalent of INITCAP: "denmark east" and "Denmark
// East" fold to the same bucket.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format("2006-01-02")
	case fmt.Stringer:
		return val.String()
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// toFloat coerces a driver value to float64. MariaDB returns numeric
// aggregates as []byte; pgx returns int64 or float64.
func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case nil:
		return 0
	case float64:
		return val
	case float32:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case int:
		return float64(val)
	case []byte:
		f, _ := strconv.ParseFloat(string(val), 64)
		return f
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

// ratio derives numerator/denominator, defined as 0 when the denominator is 0.
func ratio(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

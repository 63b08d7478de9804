package report

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/insight-api/internal/apperror"
)

func testOptions() QueryOptions {
	return QueryOptions{
		DateRange: DateRange{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		Dimensions: []string{"country", "source", "campaign"},
		Depth:      0,
	}
}

const normalizedCountry = "COALESCE(NULLIF(INITCAP(TRIM(c.country)), ''), 'Unknown')"

func TestBuildQueryRoot(t *testing.T) {
	q, err := DashboardSpec.BuildQuery(testOptions())
	require.NoError(t, err)

	assert.Contains(t, q.SQL, normalizedCountry+" AS dimension_value")
	assert.Contains(t, q.SQL, "o.created_at >= $1 AND o.created_at <= $2")
	// Deterministic ordering with the grouping value as tie-break.
	assert.Contains(t, q.SQL, "ORDER BY orders DESC, dimension_value ASC")
	require.Len(t, q.Params, 3)
	assert.Equal(t, MaxRows, q.Params[2])
}

// NULL, '' and case variants of a raw value must collapse into one SQL
// bucket before aggregation. Splitting them and coalescing in Go instead
// would double-count merged override metrics and leave COUNT(DISTINCT)
// buckets that cannot be re-summed.
func TestBuildQueryGroupsOnNormalizedColumn(t *testing.T) {
	q, err := DashboardSpec.BuildQuery(testOptions())
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "GROUP BY "+normalizedCountry)

	// A plain text dimension normalizes NULL/empty without case folding.
	opts := testOptions()
	opts.Dimensions = []string{"source"}
	q, err = DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "GROUP BY COALESCE(NULLIF(TRIM(c.source), ''), 'Unknown')")
}

func TestBuildQueryDeterministic(t *testing.T) {
	opts := testOptions()
	first, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	second, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildQueryWithParentFilters(t *testing.T) {
	opts := testOptions()
	opts.Depth = 1
	opts.ParentFilters = map[string]string{"country": "Denmark"}

	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)

	assert.Contains(t, q.SQL, "COALESCE(NULLIF(TRIM(c.source), ''), 'Unknown') AS dimension_value")
	// The child filter uses the same normalized expression the parent level
	// grouped on, so rows counted into the parent cannot escape the drill-down.
	assert.Contains(t, q.SQL, normalizedCountry+" = $3")
	assert.Equal(t, "Denmark", q.Params[2])
}

// A parent key is title-cased; the raw rows behind it may not be. The filter
// value and column are both folded so "denmark" rows stay inside a "Denmark"
// parent and children re-sum to the parent's counts.
func TestBuildQueryParentFilterFoldsCase(t *testing.T) {
	opts := testOptions()
	opts.Depth = 1
	opts.ParentFilters = map[string]string{"country": "denmark"}

	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, normalizedCountry+" = $3")
	assert.Equal(t, "Denmark", q.Params[2])
}

func TestBuildQueryUnknownParentMatchesNullAndEmpty(t *testing.T) {
	opts := testOptions()
	opts.Depth = 1
	opts.ParentFilters = map[string]string{"country": UnknownValue}

	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	// The normalized expression maps NULL and '' to "Unknown", so plain
	// equality against the bucket value is enough.
	assert.Contains(t, q.SQL, normalizedCountry+" = $3")
	assert.Equal(t, UnknownValue, q.Params[2])
}

func TestBuildQueryUnknownKeyParentMatchesNullAndEmpty(t *testing.T) {
	opts := testOptions()
	opts.Dimensions = []string{"campaign", "source"}
	opts.Depth = 1
	opts.ParentFilters = map[string]string{"campaign": UnknownValue}

	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "(o.campaign_id IS NULL OR o.campaign_id = '')")
}

func TestBuildQueryRejectsUnknownDimension(t *testing.T) {
	opts := testOptions()
	opts.Dimensions = []string{"country", "flavor"}

	_, err := DashboardSpec.BuildQuery(opts)
	require.Error(t, err)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.KindValidation, appErr.Kind)
	assert.Contains(t, appErr.Message, "flavor")
}

func TestBuildQueryRejectsDepthOutOfRange(t *testing.T) {
	opts := testOptions()
	opts.Depth = 3
	_, err := DashboardSpec.BuildQuery(opts)
	assert.Error(t, err)
}

func TestBuildQueryRejectsMissingParentFilter(t *testing.T) {
	opts := testOptions()
	opts.Depth = 2
	opts.ParentFilters = map[string]string{"country": "Denmark"} // source missing
	_, err := DashboardSpec.BuildQuery(opts)
	assert.Error(t, err)
}

func TestBuildQueryRejectsUnknownSortField(t *testing.T) {
	opts := testOptions()
	opts.SortBy = "orders; DROP TABLE orders"
	_, err := DashboardSpec.BuildQuery(opts)
	assert.Error(t, err)
}

func TestBuildQueryLimitCap(t *testing.T) {
	opts := testOptions()
	opts.Limit = 50_000
	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Equal(t, MaxRows, q.Params[len(q.Params)-1])

	opts.Limit = 25
	q, err = DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Equal(t, 25, q.Params[len(q.Params)-1])
}

func TestBuildQueryEnrichedDimension(t *testing.T) {
	opts := testOptions()
	opts.Dimensions = []string{"campaign"}

	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "camp.name AS dimension_value")
	assert.Contains(t, q.SQL, "o.campaign_id AS dimension_key")
	assert.Contains(t, q.SQL, "GROUP BY camp.name, o.campaign_id")
}

func TestBuildQueryDateDimensionSortsChronologically(t *testing.T) {
	opts := testOptions()
	opts.Dimensions = []string{"date"}
	opts.SortBy = "orders"
	opts.SortDirection = "ASC"

	q, err := DashboardSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "ORDER BY dimension_value DESC")
}

func TestBuildQueryLeafAttributeColumns(t *testing.T) {
	opts := testOptions()
	opts.Dimensions = []string{"country", "order"}
	opts.Depth = 1
	opts.ParentFilters = map[string]string{"country": "Denmark"}

	q, err := NewOrdersSpec.BuildQuery(opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "c.full_name AS customer_name")
	assert.Contains(t, q.SQL, "GROUP BY COALESCE(NULLIF(TRIM(CAST(o.id AS TEXT)), ''), 'Unknown'), c.full_name, c.source")
}

func TestBuildOverrideQuery(t *testing.T) {
	opts := testOptions()
	opts.Depth = 1
	opts.ParentFilters = map[string]string{"country": "Denmark"}

	q, err := DashboardSpec.BuildOverrideQuery(DashboardSpec.Overrides[0], opts)
	require.NoError(t, err)

	// The co-query uses its own source-of-truth table and date column, but
	// groups and filters on the same normalized expressions as the primary.
	assert.Contains(t, q.SQL, "FROM one_time_sales ots")
	assert.Contains(t, q.SQL, "ots.sold_at >= $1")
	assert.Contains(t, q.SQL, normalizedCountry+" = $3")
	assert.Contains(t, q.SQL, "otsCount")
}

func TestBuildOverrideQueryGroupsOnNormalizedColumn(t *testing.T) {
	opts := testOptions()
	opts.Dimensions = []string{"product"}

	q, err := DashboardSpec.BuildOverrideQuery(DashboardSpec.Overrides[0], opts)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "COALESCE(NULLIF(TRIM(ots.product_type), ''), 'Unknown') AS dimension_value")
	assert.Contains(t, q.SQL, "GROUP BY COALESCE(NULLIF(TRIM(ots.product_type), ''), 'Unknown')")
}

func TestBuildOverrideQueryWithFilter(t *testing.T) {
	q, err := DashboardSpec.BuildOverrideQuery(DashboardSpec.Overrides[1], testOptions())
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "s.is_trial = TRUE")
	assert.Contains(t, q.SQL, "trialCount")
}

func TestBuildOnPageQuery(t *testing.T) {
	opts := QueryOptions{
		DateRange: DateRange{
			Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		Dimensions: []string{"date", "page", "campaign"},
	}

	q, err := BuildOnPageQuery(opts)
	require.NoError(t, err)

	// MariaDB placeholders, every dimension grouped in one flat query.
	assert.Contains(t, q.SQL, "ps.session_date >= ? AND ps.session_date <= ?")
	assert.Contains(t, q.SQL, "GROUP BY DATE(ps.session_date), ps.page_path, ps.campaign_name, ps.campaign_id")
	assert.Contains(t, q.SQL, "SUM(ps.sessions) AS sessions")
	require.Len(t, q.Params, 3)
}

func TestBuildOnPageQueryUnknownDimension(t *testing.T) {
	_, err := BuildOnPageQuery(QueryOptions{
		DateRange:  DateRange{Start: time.Now(), End: time.Now()},
		Dimensions: []string{"page", "browser"},
	})
	assert.Error(t, err)
}

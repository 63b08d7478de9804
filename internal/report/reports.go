package report

import (
	"fmt"
	"strings"

	"github.com/meridianlabs/insight-api/internal/apperror"
)

// Report specs for the CRM store. One generic builder, configured per
// report: dimension→column tables, counter expressions, ratio formulas and
// any override co-queries live here.

// DashboardSpec is the main marketing dashboard. Subscriptions and orders
// come from the primary join; OTS and trial counts are recomputed by
// standalone co-queries because the subscription join fans out when an order
// carries both a subscription and a one-time sale.
var DashboardSpec = ReportSpec{
	Name:       "dashboard",
	Dialect:    DialectPostgres,
	From:       "orders o JOIN customers c ON c.id = o.customer_id LEFT JOIN subscriptions s ON s.order_id = o.id LEFT JOIN campaigns camp ON camp.id = o.campaign_id",
	DateColumn: "o.created_at",
	Dimensions: map[string]DimensionSpec{
		"country":  {Column: "c.country", TitleCase: true},
		"product":  {Column: "o.product_type"},
		"source":   {Column: "c.source"},
		"campaign": {Column: "camp.name", KeyColumn: "o.campaign_id"},
		"date":     {Column: "DATE(o.created_at)", IsDate: true},
	},
	Counters: []CounterSpec{
		{Name: "customers", Expr: "COUNT(DISTINCT o.customer_id)"},
		{Name: "orders", Expr: "COUNT(DISTINCT o.id)"},
		{Name: "subscriptions", Expr: "COUNT(DISTINCT s.id)"},
		{Name: "approved", Expr: "COUNT(DISTINCT o.id) FILTER (WHERE o.status = 'approved')"},
		{Name: "revenue", Expr: "COALESCE(SUM(o.amount), 0)"},
	},
	Ratios: []RatioSpec{
		{Name: "approvalRate", Numerator: "approved", Denominator: "orders"},
		{Name: "trialRate", Numerator: "trialCount", Denominator: "orders"},
	},
	Overrides: []OverrideSpec{
		{
			Name:       "ots",
			From:       "one_time_sales ots JOIN customers c ON c.id = ots.customer_id",
			DateColumn: "ots.sold_at",
			Dimensions: map[string]string{
				"country":  "c.country",
				"product":  "ots.product_type",
				"source":   "c.source",
				"campaign": "ots.campaign_id",
				"date":     "DATE(ots.sold_at)",
			},
			Counters: []CounterSpec{
				{Name: "otsCount", Expr: "COUNT(DISTINCT ots.id)"},
			},
		},
		{
			Name:       "trials",
			From:       "subscriptions s JOIN orders o ON o.id = s.order_id JOIN customers c ON c.id = o.customer_id",
			DateColumn: "s.started_at",
			Filter:     "s.is_trial = TRUE",
			Dimensions: map[string]string{
				"country":  "c.country",
				"product":  "o.product_type",
				"source":   "c.source",
				"campaign": "o.campaign_id",
				"date":     "DATE(s.started_at)",
			},
			Counters: []CounterSpec{
				{Name: "trialCount", Expr: "COUNT(DISTINCT s.id)"},
			},
		},
	},
	DefaultSort: "orders",
}

// ValidationSpec breaks order validation and approval rates down per
// country/source/agent. All rates derive from counters at assembly time.
var ValidationSpec = ReportSpec{
	Name:       "validation",
	Dialect:    DialectPostgres,
	From:       "orders o JOIN customers c ON c.id = o.customer_id LEFT JOIN agents a ON a.id = o.agent_id",
	DateColumn: "o.created_at",
	Dimensions: map[string]DimensionSpec{
		"country": {Column: "c.country", TitleCase: true},
		"source":  {Column: "c.source"},
		"agent":   {Column: "a.name", KeyColumn: "o.agent_id"},
		"date":    {Column: "DATE(o.created_at)", IsDate: true},
	},
	Counters: []CounterSpec{
		{Name: "totalOrders", Expr: "COUNT(DISTINCT o.id)"},
		{Name: "validatedOrders", Expr: "COUNT(DISTINCT o.id) FILTER (WHERE o.validated_at IS NOT NULL)"},
		{Name: "approvedOrders", Expr: "COUNT(DISTINCT o.id) FILTER (WHERE o.status = 'approved')"},
		{Name: "rejectedOrders", Expr: "COUNT(DISTINCT o.id) FILTER (WHERE o.status = 'rejected')"},
	},
	Ratios: []RatioSpec{
		{Name: "validationRate", Numerator: "validatedOrders", Denominator: "totalOrders"},
		{Name: "approvalRate", Numerator: "approvedOrders", Denominator: "validatedOrders"},
		{Name: "rejectionRate", Numerator: "rejectedOrders", Denominator: "validatedOrders"},
	},
	DefaultSort: "totalOrders",
}

// NewOrdersSpec drills from country/source/date down to individual orders.
// The leaf level groups by order id and composes a display label from the
// customer columns selected alongside it.
var NewOrdersSpec = ReportSpec{
	Name:       "new-orders",
	Dialect:    DialectPostgres,
	From:       "orders o JOIN customers c ON c.id = o.customer_id LEFT JOIN subscriptions s ON s.order_id = o.id",
	DateColumn: "o.created_at",
	Dimensions: map[string]DimensionSpec{
		"country": {Column: "c.country", TitleCase: true},
		"source":  {Column: "c.source"},
		"date":    {Column: "DATE(o.created_at)", IsDate: true},
		"order": {
			Column:       "CAST(o.id AS TEXT)",
			ExtraColumns: []string{"c.full_name AS customer_name", "c.source AS customer_source"},
			Attribute: func(row map[string]interface{}, displayed string) string {
				name := strings.TrimSpace(stringValue(row["customer_name"]))
				if name == "" {
					name = UnknownValue
				}
				source := strings.TrimSpace(stringValue(row["customer_source"]))
				if source == "" {
					source = UnknownValue
				}
				return fmt.Sprintf("ID: %s %s - %s", displayed, name, source)
			},
		},
	},
	Counters: []CounterSpec{
		{Name: "orders", Expr: "COUNT(DISTINCT o.id)"},
		{Name: "subscriptions", Expr: "COUNT(DISTINCT s.id)"},
		{Name: "revenue", Expr: "COALESCE(SUM(o.amount), 0)"},
	},
	DefaultSort: "orders",
}

// SpecByName resolves a CRM report spec from its route name.
func SpecByName(name string) (*ReportSpec, error) {
	switch name {
	case "dashboard":
		return &DashboardSpec, nil
	case "validation":
		return &ValidationSpec, nil
	case "new-orders":
		return &NewOrdersSpec, nil
	}
	return nil, apperror.NewValidation("unknown report %q", name)
}

// On-page report (analytics store). Unlike the depth-paged CRM reports it
// runs one flat query carrying every requested dimension, then builds the
// whole tree in memory with BuildSessionTree.

var onPageDimensions = map[string]struct {
	spec    SessionDimension
	columns []string
}{
	"date":     {SessionDimension{ID: "date", Field: "session_date", IsDate: true}, []string{"DATE(ps.session_date) AS session_date"}},
	"page":     {SessionDimension{ID: "page", Field: "page_path"}, []string{"ps.page_path"}},
	"device":   {SessionDimension{ID: "device", Field: "device_type"}, []string{"ps.device_type"}},
	"country":  {SessionDimension{ID: "country", Field: "country"}, []string{"ps.country"}},
	"campaign": {SessionDimension{ID: "campaign", Field: "campaign_name", KeyField: "campaign_id"}, []string{"ps.campaign_name", "ps.campaign_id"}},
}

// OnPageCounters are the raw additive fields of the on-page rollup.
var OnPageCounters = []string{"sessions", "pageviews", "bounces", "scrolls", "form_starts", "form_submits"}

// OnPageRatios are derived per level from that level's own sums.
var OnPageRatios = []RatioSpec{
	{Name: "bounceRate", Numerator: "bounces", Denominator: "sessions"},
	{Name: "scrollRate", Numerator: "scrolls", Denominator: "sessions"},
	{Name: "formStartRate", Numerator: "form_starts", Denominator: "sessions"},
	{Name: "formSubmitRate", Numerator: "form_submits", Denominator: "form_starts"},
}

// OnPageDimensionSpecs resolves the ordered dimension list for the session
// tree builder, rejecting unknown ids.
func OnPageDimensionSpecs(ids []string) ([]SessionDimension, error) {
	if len(ids) == 0 {
		return nil, apperror.NewValidation("on-page report: at least one dimension is required")
	}
	specs := make([]SessionDimension, len(ids))
	for i, id := range ids {
		entry, ok := onPageDimensions[id]
		if !ok {
			return nil, apperror.NewValidation("on-page report: unknown dimension %q", id)
		}
		specs[i] = entry.spec
	}
	return specs, nil
}

// BuildOnPageQuery emits the single flat analytics query grouped by every
// requested dimension at once.
func BuildOnPageQuery(opts QueryOptions) (Query, error) {
	if _, err := OnPageDimensionSpecs(opts.Dimensions); err != nil {
		return Query{}, err
	}
	if opts.DateRange.Start.IsZero() || opts.DateRange.End.IsZero() {
		return Query{}, apperror.NewValidation("on-page report: date range is required")
	}

	var (
		selects []string
		groups  []string
	)
	for _, id := range opts.Dimensions {
		entry := onPageDimensions[id]
		for _, column := range entry.columns {
			selects = append(selects, column)
			groups = append(groups, groupableColumn(column))
		}
	}
	for _, counter := range OnPageCounters {
		selects = append(selects, fmt.Sprintf("SUM(ps.%s) AS %s", counter, counter))
	}

	sql := "SELECT " + strings.Join(selects, ", ") +
		"\nFROM page_sessions ps" +
		"\nWHERE ps.session_date >= ? AND ps.session_date <= ?" +
		"\nGROUP BY " + strings.Join(groups, ", ") +
		"\nORDER BY " + groups[0] + " ASC" +
		"\nLIMIT ?"

	limit := opts.Limit
	if limit <= 0 || limit > MaxRows {
		limit = MaxRows
	}

	return Query{
		SQL:    sql,
		Params: []interface{}{opts.DateRange.Start, opts.DateRange.End, limit},
	}, nil
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/report"
	"github.com/meridianlabs/insight-api/pkg/events"
)

// reportRequest is the shape every report endpoint consumes.
type reportRequest struct {
	DateRange     dateRange         `json:"dateRange"`
	Dimensions    []string          `json:"dimensions"`
	Depth         int               `json:"depth"`
	ParentFilters map[string]string `json:"parentFilters"`
	SortBy        string            `json:"sortBy"`
	SortDirection string            `json:"sortDirection"`
	Limit         int               `json:"limit"`
}

type dateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type restoreRequest struct {
	reportRequest
	Report       string   `json:"report"`
	ExpandedKeys []string `json:"expandedKeys"`
}

type restoreResponse struct {
	Rows         []report.Row `json:"rows"`
	RestoredKeys []string     `json:"restoredKeys"`
}

func (req *reportRequest) toQueryOptions(w http.ResponseWriter, s *Server) (report.QueryOptions, bool) {
	start, ok := parseDate(req.DateRange.Start)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid dateRange.start")
		return report.QueryOptions{}, false
	}
	end, ok := parseDate(req.DateRange.End)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid dateRange.end")
		return report.QueryOptions{}, false
	}

	return report.QueryOptions{
		DateRange:     report.DateRange{Start: start, End: end},
		Dimensions:    req.Dimensions,
		Depth:         req.Depth,
		ParentFilters: req.ParentFilters,
		SortBy:        req.SortBy,
		SortDirection: req.SortDirection,
		Limit:         req.Limit,
	}, true
}

// parseDate accepts both date-only and full RFC3339 timestamps.
func parseDate(raw string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// handleReport serves one depth page of a CRM report tree.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "report")
	spec, err := report.SpecByName(name)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	var req reportRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	opts, ok := req.toQueryOptions(w, s)
	if !ok {
		return
	}

	rows, err := s.engine.Run(r.Context(), s.crm, spec, opts)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	s.recordReportQuery(r, name, len(rows))
	s.writeData(w, rows)
}

// handleOnPageReport serves the analytics-store session report: one flat
// query over every requested dimension, assembled into a full tree in memory.
func (s *Server) handleOnPageReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	opts, ok := req.toQueryOptions(w, s)
	if !ok {
		return
	}

	dims, err := report.OnPageDimensionSpecs(opts.Dimensions)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	query, err := report.BuildOnPageQuery(opts)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	flat, err := s.analytics.ExecuteQuery(r.Context(), query.SQL, query.Params)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	rows := report.BuildSessionTree(flat, dims, report.OnPageCounters, report.OnPageRatios, opts.SortBy, opts.SortDirection)

	s.recordReportQuery(r, "on-page", len(rows))
	s.writeData(w, rows)
}

// handleRestoreReport rebuilds a saved tree state: root page first, then each
// previously expanded branch shallowest-first. A failed branch stays
// collapsed; it never fails the whole restore.
func (s *Server) handleRestoreReport(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	spec, err := report.SpecByName(req.Report)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	opts, ok := req.toQueryOptions(w, s)
	if !ok {
		return
	}

	rootOpts := opts
	rootOpts.Depth = 0
	rootOpts.ParentFilters = nil

	rows, err := s.engine.Run(r.Context(), s.crm, spec, rootOpts)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	rows, restored := report.RestoreExpandedRows(r.Context(), rows, report.RestoreConfig{
		ExpandedKeys: req.ExpandedKeys,
		Dimensions:   opts.Dimensions,
		Fetch: func(ctx context.Context, key string, filters map[string]string, depth int) ([]report.Row, error) {
			branchOpts := opts
			branchOpts.Depth = depth
			branchOpts.ParentFilters = filters
			return s.engine.Run(ctx, s.crm, spec, branchOpts)
		},
	})

	s.recordReportQuery(r, req.Report, len(rows))
	s.writeData(w, restoreResponse{Rows: rows, RestoredKeys: restored})
}

// recordReportQuery feeds the prometheus counter and announces the query on
// the event bus for any audit subscribers.
func (s *Server) recordReportQuery(r *http.Request, name string, rowCount int) {
	reportQueriesTotal.WithLabelValues(name).Inc()
	reportRowsReturned.WithLabelValues(name).Observe(float64(rowCount))

	if s.eventBus == nil {
		return
	}
	actorID := ""
	if user := userFrom(r.Context()); user != nil {
		actorID = user.ID.String()
	}
	s.eventBus.Publish(r.Context(), events.NewEvent(events.EventReportQueried, actorID, map[string]interface{}{
		"report": name,
		"rows":   rowCount,
	}))
	s.logger.Debug("report queried",
		zap.String("report", name),
		zap.Int("rows", rowCount),
	)
}

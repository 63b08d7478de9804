package apperror

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Vendor selects the code table used during classification.
type Vendor string

const (
	VendorPostgres Vendor = "postgres"
	VendorMariaDB  Vendor = "mariadb"
)

const maxLoggedQueryLen = 200

// networkPatterns are infrastructure-level failures, database-agnostic.
// Checked before any vendor table; first match wins.
var networkPatterns = []struct {
	substr string
	kind   Kind
	status int
	msg    string
}{
	{"i/o timeout", KindTimeout, http.StatusGatewayTimeout, "database request timed out"},
	{"context deadline exceeded", KindTimeout, http.StatusGatewayTimeout, "database request timed out"},
	{"connection refused", KindNetwork, http.StatusServiceUnavailable, "database is unreachable"},
	{"connection reset", KindNetwork, http.StatusServiceUnavailable, "database connection was reset"},
	{"no such host", KindNetwork, http.StatusServiceUnavailable, "database host could not be resolved"},
	{"broken pipe", KindNetwork, http.StatusServiceUnavailable, "database connection was lost"},
}

type codeEntry struct {
	kind   Kind
	status int
	msg    string
}

// Postgres SQLSTATE codes (pgconn.PgError.Code).
var postgresCodes = map[string]codeEntry{
	"23505": {KindConflict, http.StatusConflict, "record already exists"},
	"23503": {KindConflict, http.StatusConflict, "record is referenced by other data"},
	"23502": {KindValidation, http.StatusBadRequest, "required field is missing"},
	"22P02": {KindValidation, http.StatusBadRequest, "invalid value format"},
	"42P01": {KindDatabase, http.StatusInternalServerError, "query references a missing table"},
	"42703": {KindDatabase, http.StatusInternalServerError, "query references a missing column"},
	"40P01": {KindConflict, http.StatusConflict, "query was cancelled by a deadlock"},
	"57014": {KindTimeout, http.StatusGatewayTimeout, "query was cancelled by statement timeout"},
	"53300": {KindNetwork, http.StatusServiceUnavailable, "database has too many connections"},
	"28P01": {KindAuth, http.StatusUnauthorized, "database authentication failed"},
}

// MariaDB/MySQL error numbers (mysql.MySQLError.Number).
var mariadbCodes = map[uint16]codeEntry{
	1062: {KindConflict, http.StatusConflict, "record already exists"},
	1452: {KindConflict, http.StatusConflict, "record references missing data"},
	1048: {KindValidation, http.StatusBadRequest, "required field is missing"},
	1146: {KindDatabase, http.StatusInternalServerError, "query references a missing table"},
	1054: {KindDatabase, http.StatusInternalServerError, "query references a missing column"},
	1213: {KindConflict, http.StatusConflict, "query was cancelled by a deadlock"},
	1205: {KindTimeout, http.StatusGatewayTimeout, "query timed out waiting for a lock"},
	1040: {KindNetwork, http.StatusServiceUnavailable, "database has too many connections"},
	1045: {KindAuth, http.StatusUnauthorized, "database authentication failed"},
}

// vendorPatterns is the fallback text-pattern list consulted when no code matched.
var vendorPatterns = map[Vendor][]struct {
	substr string
	entry  codeEntry
}{
	VendorPostgres: {
		{"password authentication", codeEntry{KindAuth, http.StatusUnauthorized, "database authentication failed"}},
		{"duplicate key", codeEntry{KindConflict, http.StatusConflict, "record already exists"}},
		{"does not exist", codeEntry{KindDatabase, http.StatusInternalServerError, "query references a missing object"}},
	},
	VendorMariaDB: {
		{"access denied", codeEntry{KindAuth, http.StatusUnauthorized, "database authentication failed"}},
		{"duplicate entry", codeEntry{KindConflict, http.StatusConflict, "record already exists"}},
		{"doesn't exist", codeEntry{KindDatabase, http.StatusInternalServerError, "query references a missing object"}},
	},
}

// Classify maps a raw driver error to an AppError. The original error, vendor
// code and a truncated query are logged here; callers only ever see the
// sanitized message. Precedence: network patterns, vendor code table, vendor
// fallback patterns, generic.
func Classify(logger *zap.Logger, vendor Vendor, err error, query string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	truncated := query
	if len(truncated) > maxLoggedQueryLen {
		truncated = truncated[:maxLoggedQueryLen] + "..."
	}

	classified := classify(vendor, err)
	logger.Error("database query failed",
		zap.String("vendor", string(vendor)),
		zap.String("kind", string(classified.Kind)),
		zap.String("code", classified.Code),
		zap.String("query", truncated),
		zap.Error(err),
	)
	return classified
}

func classify(vendor Vendor, err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Kind: KindTimeout, Message: "database request timed out", HTTPStatus: http.StatusGatewayTimeout, err: err}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(lower, p.substr) {
			return &AppError{Kind: p.kind, Message: p.msg, HTTPStatus: p.status, err: err}
		}
	}

	switch vendor {
	case VendorPostgres:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if entry, ok := postgresCodes[pgErr.Code]; ok {
				return &AppError{Kind: entry.kind, Message: entry.msg, HTTPStatus: entry.status, Code: pgErr.Code, err: err}
			}
		}
	case VendorMariaDB:
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) {
			if entry, ok := mariadbCodes[myErr.Number]; ok {
				return &AppError{Kind: entry.kind, Message: entry.msg, HTTPStatus: entry.status, Code: strconv.Itoa(int(myErr.Number)), err: err}
			}
		}
	}

	for _, p := range vendorPatterns[vendor] {
		if strings.Contains(lower, p.substr) {
			return &AppError{Kind: p.entry.kind, Message: p.entry.msg, HTTPStatus: p.entry.status, err: err}
		}
	}

	return &AppError{
		Kind:       KindDatabase,
		Message:    "query failed",
		HTTPStatus: http.StatusInternalServerError,
		err:        err,
	}
}

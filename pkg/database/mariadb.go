package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
	"github.com/meridianlabs/insight-api/internal/config"
)

// MariaDB wraps the on-page analytics store connection. Same error contract
// as Postgres: callers only see classified *apperror.AppError.
type MariaDB struct {
	DB     *sql.DB
	logger *zap.Logger
}

// NewMariaDB creates a new analytics store connection
func NewMariaDB(cfg config.MariaDBConfig, logger *zap.Logger) (*MariaDB, error) {
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open analytics database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping analytics database: %w", err)
	}

	return &MariaDB{DB: db, logger: logger}, nil
}

// NewMariaDBFromDB wraps an existing handle. Used by tests.
func NewMariaDBFromDB(db *sql.DB, logger *zap.Logger) *MariaDB {
	return &MariaDB{DB: db, logger: logger}
}

// ExecuteQuery runs a parameterized query and returns rows as column-name maps.
// []byte column values are converted to string so downstream aggregation sees
// the same shapes from both stores.
func (db *MariaDB) ExecuteQuery(ctx context.Context, query string, params []interface{}) ([]map[string]interface{}, error) {
	rows, err := db.DB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, apperror.Classify(db.logger, apperror.VendorMariaDB, err, query)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperror.Classify(db.logger, apperror.VendorMariaDB, err, query)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, apperror.Classify(db.logger, apperror.VendorMariaDB, err, query)
		}

		record := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				record[column] = string(b)
				continue
			}
			record[column] = values[i]
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Classify(db.logger, apperror.VendorMariaDB, err, query)
	}

	return results, nil
}

// Close closes the database connection pool
func (db *MariaDB) Close() error {
	return db.DB.Close()
}

// Health checks database health
func (db *MariaDB) Health(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

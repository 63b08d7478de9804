package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
	"github.com/meridianlabs/insight-api/internal/config"
)

// Postgres wraps the CRM store connection pool. All errors crossing this
// boundary are classified *apperror.AppError; raw driver errors never leave.
type Postgres struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a new CRM store connection
func NewPostgres(cfg config.DatabaseConfig, logger *zap.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Pool: pool, logger: logger}, nil
}

// ExecuteQuery runs a parameterized query and returns rows as column-name maps.
func (db *Postgres) ExecuteQuery(ctx context.Context, sql string, params []interface{}) ([]map[string]interface{}, error) {
	rows, err := db.Pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperror.Classify(db.logger, apperror.VendorPostgres, err, sql)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, apperror.Classify(db.logger, apperror.VendorPostgres, err, sql)
		}
		record := make(map[string]interface{}, len(fields))
		for i, field := range fields {
			record[field.Name] = values[i]
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Classify(db.logger, apperror.VendorPostgres, err, sql)
	}

	return results, nil
}

// Close closes the database connection pool
func (db *Postgres) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks database health
func (db *Postgres) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

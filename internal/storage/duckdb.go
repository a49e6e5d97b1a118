package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/PerterPon/open-back/internal/models"
)

const (
	duckCandlesTable = "candles"
	duckStagingTable = "candles_staging"
)

// DuckDBStorage stores candles in a DuckDB database. Inserts go through the
// Appender API into a staging table and are then merged into candles with
// INSERT OR IGNORE, which gives bulk speed and duplicate-safe writes.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger

	// mu guards db; writeMu serialises the staging table.
	mu      sync.RWMutex
	writeMu sync.Mutex
}

// NewDuckDBStorage opens a DuckDB database. dbPath may be ":memory:" or
// empty for an in-memory database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer, as DuckDB recommends; also keeps an in-memory
	// database on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_storage"),
	}, nil
}

// Initialize implements Lifecycle.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{
		"SET memory_limit = '1GB'",
		"SET enable_progress_bar = false",
	} {
		if _, err := db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	statements := []struct {
		table string
		query string
	}{
		{duckCandlesTable, `
		CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			open_time TIMESTAMP NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			extra VARCHAR,
			comment VARCHAR,
			created_at TIMESTAMP DEFAULT current_timestamp,
			PRIMARY KEY (symbol, timeframe, open_time)
		)`},
		{duckStagingTable, `
		CREATE TABLE IF NOT EXISTS candles_staging (
			symbol VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			open_time TIMESTAMP NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			extra VARCHAR,
			comment VARCHAR
		)`},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, stmt.query, err)
		}
	}

	d.logger.Info("DuckDB storage initialized")
	return nil
}

// BulkInsert implements CandleWriter.
func (d *DuckDBStorage) BulkInsert(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if err := checkBatch(candles); err != nil {
		return 0, NewInsertError(duckCandlesTable, err)
	}

	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	start := time.Now()

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, NewInsertError(duckCandlesTable, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+duckStagingTable); err != nil {
		return 0, NewInsertError(duckStagingTable, fmt.Errorf("failed to clear staging: %w", err))
	}

	if err := d.stage(conn, candles); err != nil {
		return 0, NewInsertError(duckStagingTable, err)
	}

	const merge = `
		INSERT OR IGNORE INTO candles
			(symbol, timeframe, open_time, open, high, low, close, volume, extra, comment)
		SELECT DISTINCT ON (symbol, timeframe, open_time)
			symbol, timeframe, open_time, open, high, low, close, volume, extra, comment
		FROM candles_staging`

	res, err := conn.ExecContext(ctx, merge)
	if err != nil {
		return 0, NewStorageError("insert", duckCandlesTable, merge, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, NewInsertError(duckCandlesTable, fmt.Errorf("failed to read affected rows: %w", err))
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM "+duckStagingTable); err != nil {
		d.logger.Warn("failed to clear staging table", "error", err)
	}

	d.logger.Debug("stored candles batch",
		"received", len(candles),
		"inserted", affected,
		"duration", time.Since(start))

	return int(affected), nil
}

// stage appends the batch to the staging table on conn.
func (d *DuckDBStorage) stage(conn *sql.Conn, candles []models.Candle) error {
	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", duckStagingTable)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, c := range candles {
			if err := appender.AppendRow(
				c.Symbol,
				c.Interval.String(),
				c.OpenTime.UTC(),
				c.Open,
				c.High,
				c.Low,
				c.Close,
				c.Volume,
				c.Extra,
				c.Comment,
			); err != nil {
				_ = appender.Close()
				return fmt.Errorf("failed to append candle %s: %w", c.String(), err)
			}
		}

		// Close flushes the remaining rows.
		if err := appender.Close(); err != nil {
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return nil
	})
}

// LatestCandleTime implements CandleReader.
func (d *DuckDBStorage) LatestCandleTime(ctx context.Context, symbol string, interval models.Interval) (time.Time, bool, error) {
	db, err := d.conn()
	if err != nil {
		return time.Time{}, false, err
	}

	const query = `SELECT max(open_time) FROM candles WHERE symbol = ? AND timeframe = ?`

	var latest sql.NullTime
	if err := db.QueryRowContext(ctx, query, symbol, interval.String()).Scan(&latest); err != nil {
		return time.Time{}, false, NewQueryError(duckCandlesTable, query, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// Range implements CandleReader.
func (d *DuckDBStorage) Range(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Candle, error) {
	if !from.Before(to) {
		return nil, NewQueryError(duckCandlesTable, "range", fmt.Errorf("from %s must be before to %s", from, to))
	}

	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT open_time, open, high, low, close, volume, extra, comment
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`

	rows, err := db.QueryContext(ctx, query, symbol, interval.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, NewQueryError(duckCandlesTable, query, err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0)
	for rows.Next() {
		c := models.Candle{Symbol: symbol, Interval: interval}
		var extra, comment sql.NullString
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &extra, &comment); err != nil {
			return nil, NewQueryError(duckCandlesTable, query, fmt.Errorf("failed to scan candle: %w", err))
		}
		c.OpenTime = c.OpenTime.UTC()
		c.Extra = extra.String
		c.Comment = comment.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(duckCandlesTable, query, err)
	}
	return out, nil
}

// HealthCheck implements Lifecycle.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close implements Lifecycle.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	d.logger.Info("closing DuckDB storage")
	if err := d.db.Close(); err != nil {
		return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
	}
	d.db = nil
	return nil
}

func (d *DuckDBStorage) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("connect", "", "", errors.New("database connection is closed"))
	}
	return d.db, nil
}

var _ CandleStore = (*DuckDBStorage)(nil)

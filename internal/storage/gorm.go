package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/PerterPon/open-back/internal/models"
)

const klineTable = "kline"

// klineRecord is the relational row shape: one row per candle, keyed on
// (currency, time_interval, time).
type klineRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	Currency     string    `gorm:"column:currency;size:32;not null;uniqueIndex:uk_kline_pair_time,priority:1"`
	TimeInterval string    `gorm:"column:time_interval;size:8;not null;uniqueIndex:uk_kline_pair_time,priority:2"`
	Time         time.Time `gorm:"column:time;not null;uniqueIndex:uk_kline_pair_time,priority:3"`
	O            float64   `gorm:"column:o;not null"`
	H            float64   `gorm:"column:h;not null"`
	L            float64   `gorm:"column:l;not null"`
	C            float64   `gorm:"column:c;not null"`
	V            float64   `gorm:"column:v;not null"`
	Extra        string    `gorm:"column:extra;type:text"`
	Comment      string    `gorm:"column:comment;size:255"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName implements gorm's tabler.
func (klineRecord) TableName() string {
	return klineTable
}

func recordFromCandle(c models.Candle) klineRecord {
	return klineRecord{
		Currency:     c.Symbol,
		TimeInterval: c.Interval.String(),
		Time:         c.OpenTime.UTC(),
		O:            c.Open,
		H:            c.High,
		L:            c.Low,
		C:            c.Close,
		V:            c.Volume,
		Extra:        c.Extra,
		Comment:      c.Comment,
	}
}

func (r klineRecord) candle() models.Candle {
	return models.Candle{
		Symbol:   r.Currency,
		Interval: models.Interval(r.TimeInterval),
		OpenTime: r.Time.UTC(),
		Open:     r.O,
		High:     r.H,
		Low:      r.L,
		Close:    r.C,
		Volume:   r.V,
		Extra:    r.Extra,
		Comment:  r.Comment,
	}
}

// GormStorage stores candles in SQLite or MySQL through gorm.
type GormStorage struct {
	db        *gorm.DB
	dialect   string
	batchSize int
	logger    *slog.Logger
}

// NewGormStorage opens a relational store. dialect is "sqlite" or "mysql";
// dsn is a file path (or ":memory:") for sqlite and a go-sql-driver DSN for
// mysql.
func NewGormStorage(dialect, dsn string, logger *slog.Logger) (*GormStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		if dsn == "" {
			return nil, NewStorageError("open", "", "", errors.New("mysql dsn is required"))
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported dialect: %s", dialect))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open %s database: %w", dialect, err))
	}

	if dialect == "sqlite" {
		// sqlite allows one writer; an in-memory database also lives on a
		// single connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, NewStorageError("open", "", "", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormStorage{
		db:        db,
		dialect:   dialect,
		batchSize: 500,
		logger:    logger.With("component", "gorm_storage", "dialect", dialect),
	}, nil
}

// Initialize implements Lifecycle.
func (g *GormStorage) Initialize(ctx context.Context) error {
	g.logger.Info("initializing relational storage")
	if err := g.db.WithContext(ctx).AutoMigrate(&klineRecord{}); err != nil {
		return NewStorageError("initialize", klineTable, "", fmt.Errorf("failed to migrate: %w", err))
	}
	return nil
}

// BulkInsert implements CandleWriter. Conflicting keys are skipped by the
// database, so RowsAffected counts only new rows.
func (g *GormStorage) BulkInsert(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if err := checkBatch(candles); err != nil {
		return 0, NewInsertError(klineTable, err)
	}

	records := make([]klineRecord, 0, len(candles))
	for _, c := range candles {
		records = append(records, recordFromCandle(c))
	}

	var inserted int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(records); start += g.batchSize {
			end := min(start+g.batchSize, len(records))
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(records[start:end])
			if res.Error != nil {
				return res.Error
			}
			inserted += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, NewInsertError(klineTable, err)
	}

	g.logger.Debug("stored candles batch", "received", len(candles), "inserted", inserted)
	return int(inserted), nil
}

// LatestCandleTime implements CandleReader.
func (g *GormStorage) LatestCandleTime(ctx context.Context, symbol string, interval models.Interval) (time.Time, bool, error) {
	var rec klineRecord
	err := g.db.WithContext(ctx).
		Select("time").
		Where("currency = ? AND time_interval = ?", symbol, interval.String()).
		Order("time DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewQueryError(klineTable, "latest", err)
	}
	return rec.Time.UTC(), true, nil
}

// Range implements CandleReader.
func (g *GormStorage) Range(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) ([]models.Candle, error) {
	if !from.Before(to) {
		return nil, NewQueryError(klineTable, "range", fmt.Errorf("from %s must be before to %s", from, to))
	}

	var records []klineRecord
	err := g.db.WithContext(ctx).
		Where("currency = ? AND time_interval = ? AND time >= ? AND time < ?", symbol, interval.String(), from.UTC(), to.UTC()).
		Order("time ASC").
		Find(&records).Error
	if err != nil {
		return nil, NewQueryError(klineTable, "range", err)
	}

	out := make([]models.Candle, 0, len(records))
	for _, r := range records {
		out = append(out, r.candle())
	}
	return out, nil
}

// HealthCheck implements Lifecycle.
func (g *GormStorage) HealthCheck(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close implements Lifecycle.
func (g *GormStorage) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	g.logger.Info("closing relational storage")
	if err := sqlDB.Close(); err != nil {
		return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
	}
	return nil
}

var _ CandleStore = (*GormStorage)(nil)

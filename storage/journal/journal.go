package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"onloan/core/events"
	"onloan/native/lending"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	writeTimeout     = 5 * time.Second
)

// Journal durably records ledger events and oracle samples. It implements
// events.Emitter and oracle.SampleRecorder.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Filter narrows List results.
type Filter struct {
	Account  string
	Type     string
	AfterSeq uint64
	Limit    int
}

// Dialector picks the gorm driver for dsn: postgres URLs and keyword DSNs go
// to postgres, everything else is treated as a sqlite path or URI.
func Dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return nil, errors.New("journal: dsn required")
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"), strings.Contains(trimmed, "host="):
		return postgres.Open(trimmed), nil
	default:
		return sqlite.Open(trimmed), nil
	}
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Journal, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, logger: slog.Default()}, nil
}

// SetLogger overrides the logger used for write failures.
func (j *Journal) SetLogger(l *slog.Logger) {
	if j != nil && l != nil {
		j.logger = l
	}
}

// Emit persists committed records. Other event values are ignored. Failures
// are logged; the ledger has already committed by the time events flow.
func (j *Journal) Emit(ev events.Event) {
	if j == nil {
		return
	}
	rec, ok := ev.(events.Record)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Append(ctx, rec); err != nil {
		j.logger.Error("journal append failed", slog.Uint64("seq", rec.Seq), slog.String("type", rec.Type), slog.Any("error", err))
	}
}

// Append writes rec. Re-appending an existing sequence number is a no-op.
func (j *Journal) Append(ctx context.Context, rec events.Record) error {
	row := fromRecord(rec)
	var existing int64
	if err := j.db.WithContext(ctx).Model(&EventRecord{}).Where("seq = ?", row.Seq).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return j.db.WithContext(ctx).Create(&row).Error
}

// List returns records in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]events.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := j.db.WithContext(ctx).Model(&EventRecord{}).Where("seq > ?", filter.AfterSeq)
	if account := strings.ToLower(strings.TrimSpace(filter.Account)); account != "" {
		query = query.Where("account = ?", account)
	}
	if typ := strings.TrimSpace(filter.Type); typ != "" {
		query = query.Where("type = ?", typ)
	}
	var rows []EventRecord
	if err := query.Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	out := make([]events.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Record()
	}
	return out, nil
}

// LatestSeq reports the highest journaled sequence number, 0 when empty.
func (j *Journal) LatestSeq(ctx context.Context) (uint64, error) {
	var row EventRecord
	err := j.db.WithContext(ctx).Order("seq DESC").Limit(1).Find(&row).Error
	if err != nil {
		return 0, fmt.Errorf("journal: latest: %w", err)
	}
	return row.Seq, nil
}

// RecordSample stores an accepted oracle quote.
func (j *Journal) RecordSample(ctx context.Context, source string, quote lending.Quote, observedAt time.Time) error {
	sample := sampleFrom(source, quote, observedAt)
	return j.db.WithContext(ctx).Create(&sample).Error
}

// Samples returns the most recent oracle samples, newest first.
func (j *Journal) Samples(ctx context.Context, limit int) ([]OracleSample, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var rows []OracleSample
	if err := j.db.WithContext(ctx).Order("observed_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: samples: %w", err)
	}
	return rows, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ events.Emitter = (*Journal)(nil)

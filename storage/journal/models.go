package journal

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"onloan/core/events"
	"onloan/native/lending"
)

// EventRecord is a committed ledger event.
type EventRecord struct {
	ID         string            `gorm:"primaryKey;size:36"`
	Seq        uint64            `gorm:"uniqueIndex;not null"`
	Type       string            `gorm:"size:64;index"`
	Subject    string            `gorm:"size:42"`
	Account    string            `gorm:"size:42;index"`
	Attributes map[string]string `gorm:"serializer:json"`
	EmittedAt  time.Time         `gorm:"index"`
	CreatedAt  time.Time
}

// TableName pins the table name.
func (EventRecord) TableName() string { return "ledger_events" }

// OracleSample is a price quote the feed accepted.
type OracleSample struct {
	ID         uint   `gorm:"primaryKey"`
	Source     string `gorm:"size:64;index"`
	Price      string `gorm:"size:64;not null"`
	AsOf       time.Time
	ObservedAt time.Time `gorm:"index"`
}

// TableName pins the table name.
func (OracleSample) TableName() string { return "oracle_samples" }

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&OracleSample{},
	)
}

func fromRecord(rec events.Record) EventRecord {
	return EventRecord{
		ID:         rec.ID,
		Seq:        rec.Seq,
		Type:       rec.Type,
		Subject:    rec.Subject,
		Account:    strings.ToLower(rec.Subject),
		Attributes: rec.Attributes,
		EmittedAt:  rec.EmittedAt.UTC(),
	}
}

// Record converts the row back into the event it was written from.
func (r EventRecord) Record() events.Record {
	attrs := r.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return events.Record{
		Seq:        r.Seq,
		ID:         r.ID,
		Type:       r.Type,
		Subject:    r.Subject,
		Attributes: attrs,
		EmittedAt:  r.EmittedAt.UTC(),
	}
}

func sampleFrom(source string, quote lending.Quote, observedAt time.Time) OracleSample {
	return OracleSample{
		Source:     source,
		Price:      quote.Price.String(),
		AsOf:       quote.AsOf.UTC(),
		ObservedAt: observedAt.UTC(),
	}
}

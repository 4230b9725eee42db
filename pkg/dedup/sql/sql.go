// Package sql implements the dedup.Index contract on the job store's
// relational database.
//
// Riding the same SQLite (WAL) or PostgreSQL database as the job rows
// lets the bot and the worker hold the index open at the same time:
// WAL permits concurrent readers with a serialized writer, and the
// busy-timeout pragma absorbs writer contention between the two
// processes. Registrations run in transactions, so the
// first-writer-wins conflict rule holds across processes too.
package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cptnfren/teltubby/pkg/dedup"
)

// fileRow is one archived content entry, keyed by content hash.
type fileRow struct {
	SHA256    string    `gorm:"column:sha256;primaryKey;size:64"`
	S3Key     string    `gorm:"column:s3_key;not null"`
	Size      int64     `gorm:"column:size"`
	MIME      string    `gorm:"column:mime"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (fileRow) TableName() string { return "dedup_files" }

func (r fileRow) record() dedup.Record {
	return dedup.Record{
		SHA256:    r.SHA256,
		Key:       r.S3Key,
		Size:      r.Size,
		MIME:      r.MIME,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// aliasRow maps a transport unique id to a registered content hash.
type aliasRow struct {
	UniqueID string `gorm:"column:unique_id;primaryKey"`
	SHA256   string `gorm:"column:sha256;size:64;index"`
}

func (aliasRow) TableName() string { return "dedup_aliases" }

// unitRow marks a (chat, message) pair as committed under a prefix.
type unitRow struct {
	ChatID    int64  `gorm:"column:chat_id;primaryKey;autoIncrement:false"`
	MessageID int64  `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	Prefix    string `gorm:"column:prefix;not null"`
}

func (unitRow) TableName() string { return "dedup_units" }

// Store implements dedup.Index on a GORM database handle.
type Store struct {
	db *gorm.DB
}

// New prepares the dedup tables on an existing database handle,
// typically the job store's. The handle stays owned by its opener;
// Close on the returned store is a no-op.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if err := db.AutoMigrate(&fileRow{}, &aliasRow{}, &unitRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate dedup tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close is a no-op: the database handle belongs to the job store that
// opened it.
func (s *Store) Close() error {
	return nil
}

// LookupUniqueID resolves a transport unique id to its record.
func (s *Store) LookupUniqueID(ctx context.Context, uniqueID string) (*dedup.Record, error) {
	var alias aliasRow
	if err := s.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&alias).Error; err != nil {
		return nil, convertNotFound(err)
	}
	return s.LookupHash(ctx, alias.SHA256)
}

// LookupHash resolves a content hash to its record.
func (s *Store) LookupHash(ctx context.Context, sha256 string) (*dedup.Record, error) {
	var row fileRow
	if err := s.db.WithContext(ctx).Where("sha256 = ?", sha256).First(&row).Error; err != nil {
		return nil, convertNotFound(err)
	}
	rec := row.record()
	return &rec, nil
}

// Register stores a fresh record and maps uniqueID to its hash.
//
// Insert-or-ignore semantics: registering the same hash with the same
// key again is a no-op (crash-recovery re-runs hit this); the same hash
// with a different key fails with *dedup.ConflictError and leaves the
// existing record untouched.
func (s *Store) Register(ctx context.Context, rec dedup.Record, uniqueID string) error {
	if rec.SHA256 == "" || rec.Key == "" {
		return fmt.Errorf("record requires sha256 and key")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing fileRow
		err := tx.Where("sha256 = ?", rec.SHA256).First(&existing).Error
		switch {
		case err == nil:
			if existing.S3Key != rec.Key {
				return &dedup.ConflictError{Existing: existing.record()}
			}
			// idempotent re-registration; still refresh the alias
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := fileRow{
				SHA256:    rec.SHA256,
				S3Key:     rec.Key,
				Size:      rec.Size,
				MIME:      rec.MIME,
				CreatedAt: rec.CreatedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to store record: %w", err)
			}
		default:
			return err
		}

		if uniqueID != "" {
			return upsertAlias(tx, uniqueID, rec.SHA256)
		}
		return nil
	})
}

// MapUniqueID adds another unique-id alias for a registered hash.
func (s *Store) MapUniqueID(ctx context.Context, uniqueID, sha256 string) error {
	if uniqueID == "" {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row fileRow
		if err := tx.Where("sha256 = ?", sha256).First(&row).Error; err != nil {
			return convertNotFound(err)
		}
		return upsertAlias(tx, uniqueID, sha256)
	})
}

// RecordUnit marks a (chat, message) pair as committed.
func (s *Store) RecordUnit(ctx context.Context, chatID, messageID int64, prefix string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"prefix"}),
		}).
		Create(&unitRow{ChatID: chatID, MessageID: messageID, Prefix: prefix}).Error
}

// LookupUnit returns the committed prefix for a (chat, message) pair.
func (s *Store) LookupUnit(ctx context.Context, chatID, messageID int64) (string, error) {
	var row unitRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", chatID, messageID).
		First(&row).Error
	if err != nil {
		return "", convertNotFound(err)
	}
	return row.Prefix, nil
}

// Vacuum reclaims free pages on SQLite. PostgreSQL autovacuums; nothing
// to do there.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.db.Dialector.Name() != "sqlite" {
		return nil
	}
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

func upsertAlias(tx *gorm.DB, uniqueID, sha256 string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unique_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sha256"}),
	}).Create(&aliasRow{UniqueID: uniqueID, SHA256: sha256}).Error
	if err != nil {
		return fmt.Errorf("failed to map unique id: %w", err)
	}
	return nil
}

func convertNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dedup.ErrNotFound
	}
	return err
}

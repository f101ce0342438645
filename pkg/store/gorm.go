package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBProvider hands out gorm handles. frame's datastore pool satisfies it.
type DBProvider interface {
	DB(ctx context.Context, readOnly bool) *gorm.DB
}

// Entry is one key/value row.
type Entry struct {
	Key       string    `gorm:"type:varchar(512);primaryKey"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Entry) TableName() string { return "conversation_kv" }

// Gorm is a Store on top of a relational database managed by frame.
type Gorm struct {
	pool DBProvider
}

var _ Store = (*Gorm)(nil)

// NewGorm migrates the table and returns the store.
func NewGorm(ctx context.Context, pool DBProvider) (*Gorm, error) {
	if err := pool.DB(ctx, false).AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", Entry{}.TableName(), err)
	}
	return &Gorm{pool: pool}, nil
}

func (g *Gorm) db(ctx context.Context, readOnly bool) *gorm.DB {
	return g.pool.DB(ctx, readOnly)
}

func (g *Gorm) Get(ctx context.Context, key string) ([]byte, error) {
	var e Entry
	err := g.db(ctx, true).Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return e.Value, nil
}

func upsert(db *gorm.DB, key string, value []byte) error {
	e := Entry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

func (g *Gorm) Set(ctx context.Context, key string, value []byte) error {
	if err := upsert(g.db(ctx, false), key, value); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE. Two first writes of an
// absent key still race on the insert; the upsert keeps the later one.
func (g *Gorm) Update(ctx context.Context, key string, fn UpdateFunc) error {
	err := g.db(ctx, false).Transaction(func(tx *gorm.DB) error {
		var e Entry
		var old []byte
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("key = ?", key).First(&e).Error
		switch {
		case err == nil:
			old = e.Value
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		return upsert(tx, key, next)
	})
	if err != nil {
		return fmt.Errorf("update %q: %w", key, err)
	}
	return nil
}

func (g *Gorm) Delete(ctx context.Context, key string) error {
	if err := g.db(ctx, false).Where("key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (g *Gorm) Reset(ctx context.Context) error {
	err := g.db(ctx, false).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close is a no-op; frame owns the connection pool.
func (g *Gorm) Close() error { return nil }

// Package gorm adapts a gorm database to flashcache.OrderStore.
//
// The adapter owns no schema management beyond AutoMigrate; the composite
// unique index on (user_id, voucher_id) backs the one-order-per-user
// invariant authoritatively, and the conditional UPDATE keeps stock from
// going negative even if the fast path diverged.
package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	gormio "gorm.io/gorm"

	"github.com/unkn0wn-root/flashcache"
)

var ErrNilDB = errors.New("gorm store: nil db")

// Order aliases the core task type so adapter signatures read without the
// package qualifier.
type Order = flashcache.Order

// VoucherStock is the durable stock row, mutated only via the conditional
// decrement.
type VoucherStock struct {
	VoucherID uint64    `gorm:"primaryKey;column:voucher_id"`
	Stock     int64     `gorm:"column:stock"`
	BeginAt   time.Time `gorm:"column:begin_at"`
	EndAt     time.Time `gorm:"column:end_at"`
}

func (VoucherStock) TableName() string { return "voucher_stock" }

// VoucherOrder is the durable order row.
type VoucherOrder struct {
	ID        uint64    `gorm:"primaryKey;column:id"`
	UserID    uint64    `gorm:"column:user_id;uniqueIndex:uq_user_voucher"`
	VoucherID uint64    `gorm:"column:voucher_id;uniqueIndex:uq_user_voucher"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (VoucherOrder) TableName() string { return "voucher_order" }

type Store struct {
	db *gormio.DB
}

var _ flashcache.OrderStore = (*Store)(nil)

// New wraps an existing gorm handle; the caller keeps ownership of the
// connection pool.
func New(db *gormio.DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	return &Store{db: db}, nil
}

// Open dials MySQL with the given DSN and wraps the handle.
func Open(dsn string, opts ...gormio.Option) (*Store, error) {
	db, err := gormio.Open(mysql.Open(dsn), opts...)
	if err != nil {
		return nil, err
	}
	return New(db)
}

// Migrate creates or updates both tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&VoucherStock{}, &VoucherOrder{})
}

// InTx runs fn in one database transaction; an error from fn rolls back.
func (s *Store) InTx(ctx context.Context, fn func(tx flashcache.OrderTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gormio.DB) error {
		return fn(&storeTx{db: tx})
	})
}

type storeTx struct {
	db *gormio.DB
}

var _ flashcache.OrderTx = (*storeTx)(nil)

func (t *storeTx) HasOrder(ctx context.Context, userID, voucherID uint64) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&n).Error
	return n > 0, err
}

func (t *storeTx) DecrementStock(ctx context.Context, voucherID uint64) (bool, error) {
	res := t.db.WithContext(ctx).
		Model(&VoucherStock{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		UpdateColumn("stock", gormio.Expr("stock - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *storeTx) InsertOrder(ctx context.Context, o Order) error {
	row := VoucherOrder{
		ID:        o.ID,
		UserID:    o.UserID,
		VoucherID: o.VoucherID,
		CreatedAt: o.CreatedAt,
	}
	return t.db.WithContext(ctx).Create(&row).Error
}

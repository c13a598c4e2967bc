// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Order
// projection.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openfish/sellerbot/internal/domain"
)

// GetOrder fetches an order by its platform id.
func GetOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// UpsertOrder inserts or updates the order projection. All columns are
// replaced on conflict; callers pass the full projection they know.
func UpsertOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		UpdateAll: true,
	}).Create(o).Error
}

// ListOrders returns orders newest first, optionally filtered by account.
func ListOrders(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.Order, int64, error) {
	q := db.WithContext(ctx).Model(&domain.Order{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.Order
	err := q.Order("updated_at DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, total, err
}

// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for fulfillment
// rules, stock items, and delivery logs. Stock consumption is the one
// operation here with a hard concurrency contract: a stock item must
// transition unused -> used exactly once, so the draw runs as a
// select-one-unused plus guarded mark-used inside a single transaction.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
)

// ListEnabledRules returns enabled fulfillment rules matching the account
// and item scope. Rules with an empty scope field match everything, so a
// global rule and an item-specific rule can coexist; ordering by id keeps
// matching deterministic.
func ListEnabledRules(ctx context.Context, db *gorm.DB, accountID, itemID string) ([]domain.FulfillRule, error) {
	q := db.WithContext(ctx).Where("enabled = ?", true)
	if accountID != "" {
		q = q.Where("account_id = '' OR account_id = ?", accountID)
	}
	if itemID != "" {
		q = q.Where("item_id = '' OR item_id = ?", itemID)
	}
	var out []domain.FulfillRule
	err := q.Order("id ASC").Find(&out).Error
	return out, err
}

// CreateRule inserts a fulfillment rule.
func CreateRule(ctx context.Context, db *gorm.DB, r *domain.FulfillRule) error {
	return db.WithContext(ctx).Create(r).Error
}

// UpdateRule saves all fields of an existing rule.
func UpdateRule(ctx context.Context, db *gorm.DB, r *domain.FulfillRule) error {
	res := db.WithContext(ctx).Model(&domain.FulfillRule{}).
		Where("id = ?", r.ID).
		Select("Name", "Enabled", "AccountID", "ItemID", "DeliveryType", "DeliveryContent", "APIConfig", "TriggerOn", "WorkflowID").
		Updates(r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteRule removes a rule; its stock cascades away with it.
func DeleteRule(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.FulfillRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListRules returns all fulfillment rules, disabled included.
func ListRules(ctx context.Context, db *gorm.DB) ([]domain.FulfillRule, error) {
	var out []domain.FulfillRule
	err := db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// ListDeliveryLogs returns recent delivery attempts, newest first.
func ListDeliveryLogs(ctx context.Context, db *gorm.DB, accountID string, limit int) ([]domain.DeliveryLog, error) {
	q := db.WithContext(ctx).Order("id DESC")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.DeliveryLog
	err := q.Find(&out).Error
	return out, err
}

// GetRule fetches a fulfillment rule by id.
func GetRule(ctx context.Context, db *gorm.DB, id uint) (*domain.FulfillRule, error) {
	var r domain.FulfillRule
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// AddStock inserts stock items for a rule, one row per content line.
func AddStock(ctx context.Context, db *gorm.DB, ruleID uint, contents []string) (int, error) {
	items := make([]domain.StockItem, 0, len(contents))
	for _, c := range contents {
		if c == "" {
			continue
		}
		items = append(items, domain.StockItem{RuleID: ruleID, Content: c})
	}
	if len(items) == 0 {
		return 0, nil
	}
	if err := db.WithContext(ctx).Create(&items).Error; err != nil {
		return 0, err
	}
	return len(items), nil
}

// ConsumeStock atomically draws one unused stock item for the rule and
// marks it used by the given order. Two concurrent calls can select the
// same candidate row, so the UPDATE re-checks used = false and the loser
// retries on the next candidate. Returns ErrInsufficientStock when no
// unused item remains.
func ConsumeStock(ctx context.Context, db *gorm.DB, ruleID uint, orderID string) (*domain.StockItem, error) {
	var picked *domain.StockItem
	err := writeTx(ctx, db, func(tx *gorm.DB) error {
		for {
			var item domain.StockItem
			err := tx.Where("rule_id = ? AND used = ?", ruleID, false).
				Order("id ASC").
				First(&item).Error
			if err == gorm.ErrRecordNotFound {
				return ErrInsufficientStock
			}
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			res := tx.Model(&domain.StockItem{}).
				Where("id = ? AND used = ?", item.ID, false).
				Updates(map[string]any{
					"used":          true,
					"used_order_id": orderID,
					"used_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				item.Used = true
				item.UsedOrderID = orderID
				item.UsedAt = &now
				picked = &item
				return nil
			}
			// Lost the race for this row; try the next unused one.
		}
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// StockStats reports total and available stock counts for a rule.
func StockStats(ctx context.Context, db *gorm.DB, ruleID uint) (total, available int64, err error) {
	if err = db.WithContext(ctx).Model(&domain.StockItem{}).
		Where("rule_id = ?", ruleID).Count(&total).Error; err != nil {
		return
	}
	err = db.WithContext(ctx).Model(&domain.StockItem{}).
		Where("rule_id = ? AND used = ?", ruleID, false).Count(&available).Error
	return
}

// ClearUnusedStock deletes the unused stock items of a rule and returns
// how many were removed. Used items are kept for the audit trail.
func ClearUnusedStock(ctx context.Context, db *gorm.DB, ruleID uint) (int64, error) {
	res := db.WithContext(ctx).
		Where("rule_id = ? AND used = ?", ruleID, false).
		Delete(&domain.StockItem{})
	return res.RowsAffected, res.Error
}

// AddDeliveryLog appends one delivery attempt record.
func AddDeliveryLog(ctx context.Context, db *gorm.DB, entry *domain.DeliveryLog) error {
	entry.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(entry).Error
}

// HasDelivered reports whether the order already has a successful
// delivery log, which guards against double-delivery on replayed events.
func HasDelivered(ctx context.Context, db *gorm.DB, orderID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DeliveryLog{}).
		Where("order_id = ? AND status = ?", orderID, "success").
		Count(&n).Error
	return n > 0, err
}

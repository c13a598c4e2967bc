// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Account
// model, including the field-by-field cookie merge the credential
// lifecycle depends on.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
)

// CreateAccount inserts a new account.
func CreateAccount(ctx context.Context, db *gorm.DB, a *domain.Account) error {
	return db.WithContext(ctx).Create(a).Error
}

// ListAccounts returns all accounts ordered by id, disabled included.
func ListAccounts(ctx context.Context, db *gorm.DB) ([]domain.Account, error) {
	var out []domain.Account
	err := db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// DeleteAccount soft-deletes an account.
func DeleteAccount(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListEnabledAccounts returns all enabled accounts ordered by id.
func ListEnabledAccounts(ctx context.Context, db *gorm.DB) ([]domain.Account, error) {
	var out []domain.Account
	err := db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&out).Error
	return out, err
}

// GetAccount fetches an account by id.
func GetAccount(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAccountCookies replaces the stored cookie string. Callers are
// expected to have merged new fragments into the existing set first; this
// function never does the merge itself so the merge policy stays in one
// place (platform.Session).
func UpdateAccountCookies(ctx context.Context, db *gorm.DB, id, cookies string) error {
	res := db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", id).
		Update("cookies", cookies)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AccountStatusUpdate carries the optional status projection fields to
// persist. Nil pointers leave the stored value untouched.
type AccountStatusUpdate struct {
	Connected        *bool
	LastHeartbeat    *time.Time
	LastTokenRefresh *time.Time
	ErrorMessage     *string
}

// UpdateAccountStatus persists the connection-status projection for an
// account. Only non-nil fields are written.
func UpdateAccountStatus(ctx context.Context, db *gorm.DB, id string, upd AccountStatusUpdate) error {
	fields := map[string]any{}
	if upd.Connected != nil {
		fields["connected"] = *upd.Connected
	}
	if upd.LastHeartbeat != nil {
		fields["last_heartbeat"] = *upd.LastHeartbeat
	}
	if upd.LastTokenRefresh != nil {
		fields["last_token_refresh"] = *upd.LastTokenRefresh
	}
	if upd.ErrorMessage != nil {
		fields["error_message"] = *upd.ErrorMessage
	}
	if len(fields) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// SetAccountEnabled toggles the enabled flag.
func SetAccountEnabled(ctx context.Context, db *gorm.DB, id string, enabled bool) error {
	res := db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

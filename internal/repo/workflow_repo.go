// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for workflow
// definitions and executions. CreateExecution carries the engine's
// central invariant: at most one non-terminal execution per order,
// enforced with a lookup-then-insert inside a single transaction.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
)

// CreateWorkflow inserts a new workflow. When IsDefault is set, any
// previous default is demoted first so at most one default exists.
func CreateWorkflow(ctx context.Context, db *gorm.DB, w *domain.Workflow) error {
	return writeTx(ctx, db, func(tx *gorm.DB) error {
		if w.IsDefault {
			if err := tx.Model(&domain.Workflow{}).
				Where("is_default = ?", true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(w).Error
	})
}

// GetWorkflow fetches a workflow by id.
func GetWorkflow(ctx context.Context, db *gorm.DB, id uint) (*domain.Workflow, error) {
	var w domain.Workflow
	if err := db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetDefaultWorkflow returns the enabled workflow marked default, or
// gorm.ErrRecordNotFound when none is configured.
func GetDefaultWorkflow(ctx context.Context, db *gorm.DB) (*domain.Workflow, error) {
	var w domain.Workflow
	if err := db.WithContext(ctx).
		Where("is_default = ? AND enabled = ?", true, true).
		First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflows returns all workflows ordered by id.
func ListWorkflows(ctx context.Context, db *gorm.DB) ([]domain.Workflow, error) {
	var out []domain.Workflow
	err := db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// UpdateWorkflow saves changed fields of an existing workflow, keeping
// the single-default invariant.
func UpdateWorkflow(ctx context.Context, db *gorm.DB, w *domain.Workflow) error {
	return writeTx(ctx, db, func(tx *gorm.DB) error {
		if w.IsDefault {
			if err := tx.Model(&domain.Workflow{}).
				Where("is_default = ? AND id <> ?", true, w.ID).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Save(w).Error
	})
}

// DeleteWorkflow removes a workflow by id.
func DeleteWorkflow(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Delete(&domain.Workflow{}, id).Error
}

// CreateExecution inserts a new execution row unless the order already
// has a pending, running, or waiting one. The duplicate check and the
// insert share a transaction so two near-simultaneous triggers for the
// same order cannot both succeed; the loser gets ErrExecutionExists.
func CreateExecution(ctx context.Context, db *gorm.DB, e *domain.WorkflowExecution) error {
	return writeTx(ctx, db, func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&domain.WorkflowExecution{}).
			Where("order_id = ? AND status IN ?", e.OrderID,
				[]string{domain.ExecPending, domain.ExecRunning, domain.ExecWaiting}).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExecutionExists
		}
		e.CreatedAt = time.Now().UTC()
		return tx.Create(e).Error
	})
}

// GetExecution fetches an execution by id.
func GetExecution(ctx context.Context, db *gorm.DB, id uint) (*domain.WorkflowExecution, error) {
	var e domain.WorkflowExecution
	if err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// GetActiveExecutionByOrder returns the order's non-terminal execution,
// or gorm.ErrRecordNotFound.
func GetActiveExecutionByOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.WorkflowExecution, error) {
	var e domain.WorkflowExecution
	err := db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID,
			[]string{domain.ExecPending, domain.ExecRunning, domain.ExecWaiting}).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListWaitingExecutions returns the account's executions suspended on a
// buyer reply, oldest first so the earliest waiter gets first match.
func ListWaitingExecutions(ctx context.Context, db *gorm.DB, accountID string) ([]domain.WorkflowExecution, error) {
	var out []domain.WorkflowExecution
	err := db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND waiting_for_reply = ?",
			accountID, domain.ExecWaiting, true).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListExecutions returns executions newest first, optionally filtered by
// account, for manual inspection.
func ListExecutions(ctx context.Context, db *gorm.DB, accountID string, limit int) ([]domain.WorkflowExecution, error) {
	q := db.WithContext(ctx).Order("id DESC")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.WorkflowExecution
	err := q.Find(&out).Error
	return out, err
}

// ExecutionUpdate carries the optional execution fields to persist. Nil
// pointers leave the stored value untouched; ExpectedKeywords may be set
// to the empty string to clear it.
type ExecutionUpdate struct {
	Status           *string
	CurrentNodeID    *string
	WaitingForReply  *bool
	ExpectedKeywords *string
}

// UpdateExecution persists the given execution fields.
func UpdateExecution(ctx context.Context, db *gorm.DB, id uint, upd ExecutionUpdate) error {
	fields := map[string]any{}
	if upd.Status != nil {
		fields["status"] = *upd.Status
	}
	if upd.CurrentNodeID != nil {
		fields["current_node_id"] = *upd.CurrentNodeID
	}
	if upd.WaitingForReply != nil {
		fields["waiting_for_reply"] = *upd.WaitingForReply
	}
	if upd.ExpectedKeywords != nil {
		fields["expected_keywords"] = *upd.ExpectedKeywords
	}
	if len(fields) == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.WorkflowExecution{}).
		Where("id = ?", id).
		Updates(fields).Error
}

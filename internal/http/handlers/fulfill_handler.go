// Fulfillment rule and stock HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/repo"
	"github.com/openfish/sellerbot/internal/workflow"
)

// RuleRequest is the JSON payload for creating or updating a
// fulfillment rule.
type RuleRequest struct {
	Name            string          `json:"name" binding:"required,min=1,max=255"`
	Enabled         *bool           `json:"enabled"`
	AccountID       string          `json:"account_id"`
	ItemID          string          `json:"item_id"`
	DeliveryType    string          `json:"delivery_type" binding:"required,oneof=fixed stock api"`
	DeliveryContent string          `json:"delivery_content"`
	APIConfig       json.RawMessage `json:"api_config"`
	TriggerOn       string          `json:"trigger_on" binding:"omitempty,oneof=paid confirmed"`
	WorkflowID      *uint           `json:"workflow_id"`
}

func (req *RuleRequest) toModel() *domain.FulfillRule {
	r := &domain.FulfillRule{
		Name:            req.Name,
		Enabled:         true,
		AccountID:       req.AccountID,
		ItemID:          req.ItemID,
		DeliveryType:    req.DeliveryType,
		DeliveryContent: req.DeliveryContent,
		TriggerOn:       req.TriggerOn,
		WorkflowID:      req.WorkflowID,
	}
	if req.Enabled != nil {
		r.Enabled = *req.Enabled
	}
	if r.TriggerOn == "" {
		r.TriggerOn = domain.TriggerPaid
	}
	if len(req.APIConfig) > 0 {
		r.APIConfig = string(req.APIConfig)
	}
	return r
}

func (req *RuleRequest) validateAPIConfig() error {
	if req.DeliveryType != domain.DeliveryAPI {
		return nil
	}
	var cfg workflow.APIConfig
	if err := json.Unmarshal(req.APIConfig, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return errors.New("api_config.url is required")
	}
	return nil
}

// CreateRule handles POST /rules.
func (h *Handlers) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := req.validateAPIConfig(); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid api config: "+err.Error())
		return
	}
	rule := req.toModel()
	if err := repo.CreateRule(c.Request.Context(), h.db, rule); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not create rule")
		return
	}
	created(c, rule)
}

// UpdateRule handles PUT /rules/:id.
func (h *Handlers) UpdateRule(c *gin.Context) {
	id, errParse := parseUint(c.Param("id"))
	if errParse != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid rule id")
		return
	}
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := req.validateAPIConfig(); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid api config: "+err.Error())
		return
	}
	rule := req.toModel()
	rule.ID = id
	if err := repo.UpdateRule(c.Request.Context(), h.db, rule); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "rule not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not update rule")
		return
	}
	ok(c, rule)
}

// DeleteRule handles DELETE /rules/:id.
func (h *Handlers) DeleteRule(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid rule id")
		return
	}
	if err := repo.DeleteRule(c.Request.Context(), h.db, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "rule not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not delete rule")
		return
	}
	noContent(c)
}

// ListRules handles GET /rules.
func (h *Handlers) ListRules(c *gin.Context) {
	rules, err := repo.ListRules(c.Request.Context(), h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list rules")
		return
	}
	ok(c, gin.H{"rules": rules})
}

// AddStockRequest carries stock lines to append to a rule.
type AddStockRequest struct {
	Items []string `json:"items" binding:"required,min=1"`
}

// AddStock handles POST /rules/:id/stock.
func (h *Handlers) AddStock(c *gin.Context) {
	id, errParse := parseUint(c.Param("id"))
	if errParse != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid rule id")
		return
	}
	var req AddStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	n, err := repo.AddStock(c.Request.Context(), h.db, id, req.Items)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not add stock")
		return
	}
	created(c, gin.H{"added": n})
}

// StockStats handles GET /rules/:id/stock.
func (h *Handlers) StockStats(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid rule id")
		return
	}
	total, available, err := repo.StockStats(c.Request.Context(), h.db, id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load stock stats")
		return
	}
	ok(c, gin.H{"total": total, "available": available, "used": total - available})
}

// ClearStock handles DELETE /rules/:id/stock. Only unused items are
// removed; consumed items stay as the delivery audit trail.
func (h *Handlers) ClearStock(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid rule id")
		return
	}
	n, err := repo.ClearUnusedStock(c.Request.Context(), h.db, id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not clear stock")
		return
	}
	ok(c, gin.H{"removed": n})
}

func parseUint(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint(n), err
}

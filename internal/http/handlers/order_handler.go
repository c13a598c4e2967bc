// Order projection HTTP handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/repo"
)

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// ListOrders handles GET /orders with optional account_id filtering and
// page/page_size pagination.
func (h *Handlers) ListOrders(c *gin.Context) {
	accountID := c.Query("account_id")
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	orders, total, err := repo.ListOrders(c.Request.Context(), h.db, accountID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list orders")
		return
	}
	ok(c, gin.H{
		"orders":     orders,
		"pagination": Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}

// GetOrder handles GET /orders/:orderId.
func (h *Handlers) GetOrder(c *gin.Context) {
	order, err := repo.GetOrder(c.Request.Context(), h.db, c.Param("orderId"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load order")
		return
	}
	ok(c, order)
}

// ListDeliveries handles GET /deliveries.
func (h *Handlers) ListDeliveries(c *gin.Context) {
	logs, err := repo.ListDeliveryLogs(c.Request.Context(), h.db, c.Query("account_id"), queryInt(c, "limit", 100))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list deliveries")
		return
	}
	ok(c, gin.H{"deliveries": logs})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

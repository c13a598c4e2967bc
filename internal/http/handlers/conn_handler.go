// Live-connection HTTP handlers: chat sends and the signed order API,
// proxied through the account's running connection.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfish/sellerbot/internal/platform"
)

// SendMessageRequest is the JSON payload for an outbound chat message.
type SendMessageRequest struct {
	ChatID string `json:"chat_id" binding:"required"`
	PeerID string `json:"peer_id" binding:"required"`
	Text   string `json:"text" binding:"required,min=1,max=4000"`
}

// SendMessage handles POST /accounts/:id/messages.
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	accountID := c.Param("id")
	err := h.msgr.SendMessage(c.Request.Context(), accountID, req.ChatID, req.PeerID, req.Text)
	switch {
	case err == nil:
		ok(c, gin.H{"status": "sent"})
	case errors.Is(err, platform.ErrNotConnected):
		fail(c, http.StatusConflict, ErrCodeAccountOffline, "account is not connected")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeSendFailed, "could not send message")
	}
}

// ShipOrder handles POST /accounts/:id/orders/:orderId/ship.
func (h *Handlers) ShipOrder(c *gin.Context) {
	accountID := c.Param("id")
	orderID := c.Param("orderId")
	err := h.msgr.ConfirmShipment(c.Request.Context(), accountID, orderID)
	switch {
	case err == nil:
		ok(c, gin.H{"status": "shipped"})
	case errors.Is(err, platform.ErrNotConnected):
		fail(c, http.StatusConflict, ErrCodeAccountOffline, "account is not connected")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeShipFailed, "could not confirm shipment")
	}
}

// FreeShipRequest is the JSON payload for marking a groupon order
// free-shipping.
type FreeShipRequest struct {
	ItemID  string `json:"item_id" binding:"required"`
	BuyerID string `json:"buyer_id" binding:"required"`
}

// FreeShipOrder handles POST /accounts/:id/orders/:orderId/freeship.
func (h *Handlers) FreeShipOrder(c *gin.Context) {
	var req FreeShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	accountID := c.Param("id")
	orderID := c.Param("orderId")
	err := h.msgr.FreeShip(c.Request.Context(), accountID, orderID, req.ItemID, req.BuyerID)
	switch {
	case err == nil:
		ok(c, gin.H{"status": "free_shipping"})
	case errors.Is(err, platform.ErrNotConnected):
		fail(c, http.StatusConflict, ErrCodeAccountOffline, "account is not connected")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeShipFailed, "could not set free shipping")
	}
}

// OrderDetail handles GET /accounts/:id/orders/:orderId/detail. The raw
// platform document is returned untouched; the local projection lives
// under /orders.
func (h *Handlers) OrderDetail(c *gin.Context) {
	accountID := c.Param("id")
	orderID := c.Param("orderId")
	detail, err := h.msgr.FetchOrderDetail(c.Request.Context(), accountID, orderID)
	switch {
	case err == nil:
		ok(c, detail)
	case errors.Is(err, platform.ErrNotConnected):
		fail(c, http.StatusConflict, ErrCodeAccountOffline, "account is not connected")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not fetch order detail")
	}
}

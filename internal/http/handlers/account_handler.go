// Account HTTP handlers.
//
// These endpoints manage seller accounts and their realtime connections:
// CRUD on the stored credential material plus start/stop/restart/status
// of the per-account connection. Handlers are transport-thin: they
// validate input, call the supervisor or repo, and translate results
// into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/bus"
	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/platform"
	"github.com/openfish/sellerbot/internal/repo"
)

// ConnectionSupervisor exposes the per-account connection lifecycle
// consumed by HTTP handlers. Implementations must be safe for
// concurrent use.
type ConnectionSupervisor interface {
	Start(ctx context.Context, accountID string) error
	Stop(ctx context.Context, accountID string) error
	Restart(ctx context.Context, accountID string) error
	Status() map[string]platform.State
	ActiveCount() int
}

// Messenger exposes the live-connection operations (chat sends and the
// signed order API) keyed by account.
type Messenger interface {
	SendMessage(ctx context.Context, accountID, chatID, peerID, text string) error
	ConfirmShipment(ctx context.Context, accountID, orderID string) error
	FreeShip(ctx context.Context, accountID, bizOrderID, itemID, buyerID string) error
	FetchOrderDetail(ctx context.Context, accountID, orderID string) (map[string]any, error)
}

// Handlers groups the HTTP endpoints. It depends on the supervisor and
// messenger interfaces so transport concerns stay separate from the
// connection machinery.
type Handlers struct {
	db     *gorm.DB
	sup    ConnectionSupervisor
	msgr   Messenger
	events *bus.Bus
}

// New constructs a Handlers instance bound to the given dependencies.
func New(db *gorm.DB, sup ConnectionSupervisor, msgr Messenger, events *bus.Bus) *Handlers {
	return &Handlers{db: db, sup: sup, msgr: msgr, events: events}
}

// CreateAccountRequest is the JSON payload for registering an account.
type CreateAccountRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name" binding:"required,min=1,max=255"`
	Cookies string `json:"cookies" binding:"required"`
}

// CreateAccount handles POST /accounts.
func (h *Handlers) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	acct := &domain.Account{
		ID:      req.ID,
		Name:    req.Name,
		Cookies: strings.TrimSpace(req.Cookies),
		Enabled: true,
	}
	if err := repo.CreateAccount(c.Request.Context(), h.db, acct); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			fail(c, http.StatusConflict, ErrCodeConflict, "account already exists")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not create account")
		return
	}
	h.events.Publish(bus.TopicAccounts)
	created(c, acct)
}

// ListAccounts handles GET /accounts.
func (h *Handlers) ListAccounts(c *gin.Context) {
	accounts, err := repo.ListAccounts(c.Request.Context(), h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list accounts")
		return
	}
	ok(c, gin.H{"accounts": accounts})
}

// UpdateCookiesRequest is the JSON payload for replacing an account's
// credential material.
type UpdateCookiesRequest struct {
	Cookies string `json:"cookies" binding:"required"`
}

// UpdateAccountCookies handles PUT /accounts/:id/cookies. The stored set
// is replaced wholesale; this is the operator pasting a fresh login, not
// the rotation merge the connection does on its own.
func (h *Handlers) UpdateAccountCookies(c *gin.Context) {
	var req UpdateCookiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	id := c.Param("id")
	if err := repo.UpdateAccountCookies(c.Request.Context(), h.db, id, strings.TrimSpace(req.Cookies)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not update cookies")
		return
	}
	h.events.Publish(bus.TopicAccounts)
	noContent(c)
}

// SetEnabledRequest toggles an account.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetAccountEnabled handles PUT /accounts/:id/enabled.
func (h *Handlers) SetAccountEnabled(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	id := c.Param("id")
	if err := repo.SetAccountEnabled(c.Request.Context(), h.db, id, *req.Enabled); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not update account")
		return
	}
	h.events.Publish(bus.TopicAccounts)
	noContent(c)
}

// DeleteAccount handles DELETE /accounts/:id. A running connection is
// stopped first.
func (h *Handlers) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.sup.Stop(c.Request.Context(), id); err != nil && !errors.Is(err, platform.ErrAccountNotRunning) {
		fail(c, http.StatusInternalServerError, ErrCodeStopFailed, "could not stop connection")
		return
	}
	if err := repo.DeleteAccount(c.Request.Context(), h.db, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not delete account")
		return
	}
	h.events.Publish(bus.TopicAccounts)
	noContent(c)
}

// StartAccount handles POST /accounts/:id/start.
func (h *Handlers) StartAccount(c *gin.Context) {
	id := c.Param("id")
	err := h.sup.Start(c.Request.Context(), id)
	switch {
	case err == nil:
		ok(c, gin.H{"status": "started"})
	case errors.Is(err, platform.ErrAccountRunning):
		fail(c, http.StatusConflict, ErrCodeConflict, "account already running")
	case errors.Is(err, platform.ErrNoCookies):
		fail(c, http.StatusBadRequest, ErrCodeNoCookies, "account has no cookies")
	case errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeStartFailed, "could not start account")
	}
}

// StopAccount handles POST /accounts/:id/stop.
func (h *Handlers) StopAccount(c *gin.Context) {
	id := c.Param("id")
	err := h.sup.Stop(c.Request.Context(), id)
	switch {
	case err == nil:
		ok(c, gin.H{"status": "stopped"})
	case errors.Is(err, platform.ErrAccountNotRunning):
		fail(c, http.StatusConflict, ErrCodeConflict, "account not running")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeStopFailed, "could not stop account")
	}
}

// RestartAccount handles POST /accounts/:id/restart.
func (h *Handlers) RestartAccount(c *gin.Context) {
	id := c.Param("id")
	err := h.sup.Restart(c.Request.Context(), id)
	switch {
	case err == nil:
		ok(c, gin.H{"status": "restarted"})
	case errors.Is(err, platform.ErrNoCookies):
		fail(c, http.StatusBadRequest, ErrCodeNoCookies, "account has no cookies")
	case errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeStartFailed, "could not restart account")
	}
}

// ConnectionStatus handles GET /accounts/status: the live lifecycle
// phase per running account plus the connected count.
func (h *Handlers) ConnectionStatus(c *gin.Context) {
	states := h.sup.Status()
	out := make(map[string]string, len(states))
	for id, s := range states {
		out[id] = s.String()
	}
	ok(c, gin.H{
		"connections": out,
		"active":      h.sup.ActiveCount(),
	})
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openfish/sellerbot/internal/bus"
	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/platform"
	"github.com/openfish/sellerbot/internal/repo"
	"github.com/openfish/sellerbot/internal/workflow"
)

// ----- Fakes -----

type fakeSupervisor struct {
	mu         sync.Mutex
	startErr   error
	stopErr    error
	restartErr error
	states     map[string]platform.State
	active     int
	started    []string
	stopped    []string
}

func (s *fakeSupervisor) Start(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, accountID)
	return s.startErr
}

func (s *fakeSupervisor) Stop(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, accountID)
	return s.stopErr
}

func (s *fakeSupervisor) Restart(ctx context.Context, accountID string) error {
	return s.restartErr
}

func (s *fakeSupervisor) Status() map[string]platform.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]platform.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *fakeSupervisor) ActiveCount() int { return s.active }

type fakeMessenger struct {
	mu        sync.Mutex
	sendErr   error
	shipErr   error
	freeErr   error
	detail    map[string]any
	detailErr error
	sent      []string
	shipped   []string
}

func (m *fakeMessenger) SendMessage(ctx context.Context, accountID, chatID, peerID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return m.sendErr
}

func (m *fakeMessenger) ConfirmShipment(ctx context.Context, accountID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipped = append(m.shipped, orderID)
	return m.shipErr
}

func (m *fakeMessenger) FreeShip(ctx context.Context, accountID, bizOrderID, itemID, buyerID string) error {
	return m.freeErr
}

func (m *fakeMessenger) FetchOrderDetail(ctx context.Context, accountID, orderID string) (map[string]any, error) {
	if m.detailErr != nil {
		return nil, m.detailErr
	}
	return m.detail, nil
}

// ----- Helpers -----

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "handlers_test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestRouter(t *testing.T, db *gorm.DB, sup *fakeSupervisor, msgr *fakeMessenger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	events := bus.New(time.Millisecond)
	t.Cleanup(events.Close)

	h := New(db, sup, msgr, events)
	r := gin.New()

	r.POST("/accounts", h.CreateAccount)
	r.GET("/accounts", h.ListAccounts)
	r.GET("/accounts/status", h.ConnectionStatus)
	r.PUT("/accounts/:id/cookies", h.UpdateAccountCookies)
	r.PUT("/accounts/:id/enabled", h.SetAccountEnabled)
	r.DELETE("/accounts/:id", h.DeleteAccount)
	r.POST("/accounts/:id/start", h.StartAccount)
	r.POST("/accounts/:id/stop", h.StopAccount)
	r.POST("/accounts/:id/messages", h.SendMessage)
	r.POST("/accounts/:id/orders/:orderId/ship", h.ShipOrder)
	r.GET("/accounts/:id/orders/:orderId/detail", h.OrderDetail)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:orderId", h.GetOrder)
	r.GET("/orders/:orderId/execution", h.GetOrderExecution)
	r.GET("/deliveries", h.ListDeliveries)
	r.POST("/rules", h.CreateRule)
	r.PUT("/rules/:id", h.UpdateRule)
	r.DELETE("/rules/:id", h.DeleteRule)
	r.GET("/rules", h.ListRules)
	r.POST("/rules/:id/stock", h.AddStock)
	r.GET("/rules/:id/stock", h.StockStats)
	r.DELETE("/rules/:id/stock", h.ClearStock)
	r.POST("/workflows", h.CreateWorkflow)
	r.GET("/workflows", h.ListWorkflows)
	r.GET("/workflows/:id", h.GetWorkflow)
	r.PUT("/workflows/:id", h.UpdateWorkflow)
	r.DELETE("/workflows/:id", h.DeleteWorkflow)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, w.Body.String())
	}
	return resp
}

func TestCreateAccount(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	w := doJSON(t, r, http.MethodPost, "/accounts", gin.H{
		"name":    "主号",
		"cookies": "unb=1; cookie2=x",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var acct domain.Account
	if err := json.Unmarshal(w.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.ID == "" || acct.Name != "主号" || !acct.Enabled {
		t.Fatalf("account = %+v", acct)
	}

	// Missing name fails validation.
	w = doJSON(t, r, http.MethodPost, "/accounts", gin.H{"cookies": "unb=1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != ErrCodeBadRequest {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestStartAccount_ErrorMapping(t *testing.T) {
	db := newHandlerDB(t)
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{nil, http.StatusOK, ""},
		{platform.ErrAccountRunning, http.StatusConflict, ErrCodeConflict},
		{platform.ErrNoCookies, http.StatusBadRequest, ErrCodeNoCookies},
		{gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeStartFailed},
	}
	for _, tc := range cases {
		r := newTestRouter(t, db, &fakeSupervisor{startErr: tc.err}, &fakeMessenger{})
		w := doJSON(t, r, http.MethodPost, "/accounts/acct-1/start", nil)
		if w.Code != tc.wantStatus {
			t.Errorf("err %v: status = %d, want %d", tc.err, w.Code, tc.wantStatus)
			continue
		}
		if tc.wantCode != "" {
			if resp := decodeError(t, w); resp.Code != tc.wantCode {
				t.Errorf("err %v: code = %q, want %q", tc.err, resp.Code, tc.wantCode)
			}
		}
	}
}

func TestStopAccount_NotRunning(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{stopErr: platform.ErrAccountNotRunning}, &fakeMessenger{})

	w := doJSON(t, r, http.MethodPost, "/accounts/acct-1/stop", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != ErrCodeConflict {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestConnectionStatus(t *testing.T) {
	db := newHandlerDB(t)
	sup := &fakeSupervisor{
		states: map[string]platform.State{
			"a": platform.StateConnected,
			"b": platform.StateReconnecting,
		},
		active: 1,
	}
	r := newTestRouter(t, db, sup, &fakeMessenger{})

	w := doJSON(t, r, http.MethodGet, "/accounts/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Connections map[string]string `json:"connections"`
		Active      int               `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Connections["a"] != "connected" || resp.Connections["b"] != "reconnecting" {
		t.Fatalf("connections = %v", resp.Connections)
	}
	if resp.Active != 1 {
		t.Fatalf("active = %d", resp.Active)
	}
}

func TestSendMessage(t *testing.T) {
	db := newHandlerDB(t)
	msgr := &fakeMessenger{}
	r := newTestRouter(t, db, &fakeSupervisor{}, msgr)

	body := gin.H{"chat_id": "chat-1", "peer_id": "buyer-1", "text": "在的"}
	w := doJSON(t, r, http.MethodPost, "/accounts/acct-1/messages", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(msgr.sent) != 1 || msgr.sent[0] != "在的" {
		t.Fatalf("sent = %v", msgr.sent)
	}

	// Missing text fails validation before reaching the messenger.
	w = doJSON(t, r, http.MethodPost, "/accounts/acct-1/messages", gin.H{"chat_id": "c", "peer_id": "p"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if len(msgr.sent) != 1 {
		t.Fatalf("messenger called on invalid payload")
	}
}

func TestSendMessage_AccountOffline(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{sendErr: platform.ErrNotConnected})

	w := doJSON(t, r, http.MethodPost, "/accounts/acct-1/messages", gin.H{
		"chat_id": "chat-1", "peer_id": "buyer-1", "text": "hi",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Code != ErrCodeAccountOffline {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestShipOrder(t *testing.T) {
	db := newHandlerDB(t)
	msgr := &fakeMessenger{}
	r := newTestRouter(t, db, &fakeSupervisor{}, msgr)

	w := doJSON(t, r, http.MethodPost, "/accounts/acct-1/orders/123456/ship", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(msgr.shipped) != 1 || msgr.shipped[0] != "123456" {
		t.Fatalf("shipped = %v", msgr.shipped)
	}

	r = newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{shipErr: errors.New("boom")})
	w = doJSON(t, r, http.MethodPost, "/accounts/acct-1/orders/123456/ship", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != ErrCodeShipFailed {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestOrderDetail(t *testing.T) {
	db := newHandlerDB(t)
	msgr := &fakeMessenger{detail: map[string]any{"orderInfo": map[string]any{"orderStatus": 12}}}
	r := newTestRouter(t, db, &fakeSupervisor{}, msgr)

	w := doJSON(t, r, http.MethodGet, "/accounts/acct-1/orders/o-1/detail", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var detail map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := detail["orderInfo"]; !ok {
		t.Fatalf("detail = %v", detail)
	}
}

func TestCreateRule_Validation(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	// Bad delivery type rejected by binding.
	w := doJSON(t, r, http.MethodPost, "/rules", gin.H{"name": "r", "delivery_type": "magic"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	// API rules need a url in their config.
	w = doJSON(t, r, http.MethodPost, "/rules", gin.H{
		"name": "r", "delivery_type": "api", "api_config": gin.H{"method": "POST"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// Valid fixed rule defaults to the paid trigger.
	w = doJSON(t, r, http.MethodPost, "/rules", gin.H{
		"name": "固定卡密", "delivery_type": "fixed", "delivery_content": "code-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var rule domain.FulfillRule
	if err := json.Unmarshal(w.Body.Bytes(), &rule); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rule.TriggerOn != domain.TriggerPaid || !rule.Enabled {
		t.Fatalf("rule = %+v", rule)
	}
}

func TestStockEndpoints(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	w := doJSON(t, r, http.MethodPost, "/rules", gin.H{
		"name": "库存", "delivery_type": "stock",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: %d", w.Code)
	}
	var rule domain.FulfillRule
	if err := json.Unmarshal(w.Body.Bytes(), &rule); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, http.MethodPost, "/rules/1/stock", gin.H{"items": []string{"c1", "c2", "c3"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("add stock: %d, body %s", w.Code, w.Body.String())
	}
	var added struct {
		Added int `json:"added"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &added); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if added.Added != 3 {
		t.Fatalf("added = %d", added.Added)
	}

	w = doJSON(t, r, http.MethodGet, "/rules/1/stock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d", w.Code)
	}
	var stats struct {
		Total     int64 `json:"total"`
		Available int64 `json:"available"`
		Used      int64 `json:"used"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 3 || stats.Available != 3 || stats.Used != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	w = doJSON(t, r, http.MethodDelete, "/rules/1/stock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear: %d", w.Code)
	}
	var cleared struct {
		Removed int64 `json:"removed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cleared.Removed != 3 {
		t.Fatalf("removed = %d", cleared.Removed)
	}

	// Non-numeric rule id.
	w = doJSON(t, r, http.MethodGet, "/rules/abc/stock", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
}

func TestCreateWorkflow_InvalidGraph(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	w := doJSON(t, r, http.MethodPost, "/workflows", gin.H{
		"name": "broken",
		"definition": gin.H{
			"nodes": []gin.H{{"id": "d", "type": "delivery", "config": gin.H{}}},
			"edges": []gin.H{},
		},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != ErrCodeInvalidGraph {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestWorkflowCRUD(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	def := workflow.DefaultDefinition()
	w := doJSON(t, r, http.MethodPost, "/workflows", gin.H{
		"name": "标准发货", "definition": def,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d, body %s", w.Code, w.Body.String())
	}
	var wf domain.Workflow
	if err := json.Unmarshal(w.Body.Bytes(), &wf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wf.ID == 0 || !wf.Enabled {
		t.Fatalf("workflow = %+v", wf)
	}

	w = doJSON(t, r, http.MethodGet, "/workflows/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/workflows/999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("ghost get: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/workflows/1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	w = doJSON(t, r, http.MethodDelete, "/workflows/1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("double delete: %d", w.Code)
	}
}

func TestListOrders_Pagination(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		order := &domain.Order{OrderID: id, AccountID: "acct-1", Status: 12}
		if err := repo.UpsertOrder(context.Background(), db, order); err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}

	w := doJSON(t, r, http.MethodGet, "/orders?page=1&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Orders     []domain.Order `json:"orders"`
		Pagination Pagination     `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Orders) != 2 || resp.Pagination.Total != 3 {
		t.Fatalf("orders %d, total %d", len(resp.Orders), resp.Pagination.Total)
	}

	// Out-of-range page size falls back to the default.
	w = doJSON(t, r, http.MethodGet, "/orders?page_size=9999", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pagination.PageSize != 50 {
		t.Fatalf("page_size = %d", resp.Pagination.PageSize)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	db := newHandlerDB(t)
	r := newTestRouter(t, db, &fakeSupervisor{}, &fakeMessenger{})

	w := doJSON(t, r, http.MethodGet, "/orders/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != ErrCodeNotFound {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestStreamEvents_UnknownTopic(t *testing.T) {
	db := newHandlerDB(t)
	gin.SetMode(gin.TestMode)
	events := bus.New(time.Millisecond)
	t.Cleanup(events.Close)
	h := New(db, &fakeSupervisor{}, &fakeMessenger{}, events)
	r := gin.New()
	r.GET("/events/:topic", h.StreamEvents)

	w := doJSON(t, r, http.MethodGet, "/events/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func TestStreamEvents_DeliversChange(t *testing.T) {
	db := newHandlerDB(t)
	gin.SetMode(gin.TestMode)
	events := bus.New(time.Millisecond)
	t.Cleanup(events.Close)
	h := New(db, &fakeSupervisor{}, &fakeMessenger{}, events)
	r := gin.New()
	r.GET("/events/:topic", h.StreamEvents)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events/"+bus.TopicOrders, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		events.Publish(bus.TopicOrders)
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	// gin's Stream type-asserts the writer to http.CloseNotifier, which
	// httptest.ResponseRecorder does not implement.
	r.ServeHTTP(closeNotifyRecorder{w}, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if body := w.Body.String(); !bytes.Contains([]byte(body), []byte(bus.TopicOrders)) {
		t.Fatalf("body = %q", body)
	}
}

func TestDeleteAccount_StopsConnection(t *testing.T) {
	db := newHandlerDB(t)
	sup := &fakeSupervisor{stopErr: platform.ErrAccountNotRunning}
	r := newTestRouter(t, db, sup, &fakeMessenger{})

	acct := &domain.Account{ID: "acct-1", Name: "a", Cookies: "unb=1", Enabled: true}
	if err := repo.CreateAccount(context.Background(), db, acct); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, r, http.MethodDelete, "/accounts/acct-1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(sup.stopped) != 1 || sup.stopped[0] != "acct-1" {
		t.Fatalf("stopped = %v", sup.stopped)
	}

	w = doJSON(t, r, http.MethodDelete, "/accounts/acct-1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("double delete: %d", w.Code)
	}
}

// Package orders turns decoded chat events into order state and
// fulfillment triggers: it projects order facts into the local store,
// enriches them from the order detail API, and starts workflow
// executions when an order reaches a rule's trigger phase.
package orders

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/autoreply"
	"github.com/openfish/sellerbot/internal/bus"
	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/platform"
	"github.com/openfish/sellerbot/internal/repo"
	"github.com/openfish/sellerbot/internal/sysutil"
	"github.com/openfish/sellerbot/internal/wire"
	"github.com/openfish/sellerbot/internal/workflow"
)

const (
	eventBudget    = 60 * time.Second
	eventQueueSize = 256
)

// Service routes chat events: order-status notices drive fulfillment,
// plain buyer messages first try to resume a waiting execution and then
// fall through to auto-reply. Events are processed per account in
// arrival order; two status notices for one order must hit the store in
// the sequence the gateway delivered them.
type Service struct {
	db      *gorm.DB
	log     zerolog.Logger
	manager *platform.Manager
	engine  *workflow.Engine
	matcher *autoreply.Matcher
	events  *bus.Bus

	mu     sync.Mutex
	queues map[string]chan *platform.ChatEvent
	closed bool
	wg     sync.WaitGroup
}

// NewService wires the order router.
func NewService(db *gorm.DB, log zerolog.Logger, manager *platform.Manager, engine *workflow.Engine, matcher *autoreply.Matcher, events *bus.Bus) *Service {
	return &Service{
		db:      db,
		log:     log,
		manager: manager,
		engine:  engine,
		matcher: matcher,
		events:  events,
		queues:  make(map[string]chan *platform.ChatEvent),
	}
}

// HandleEvent is the platform event sink. It runs on the connection's
// read goroutine, so the event is handed to the account's worker and
// the call returns immediately. One worker per account keeps events in
// arrival order without stalling the socket.
func (s *Service) HandleEvent(accountID string, ev *platform.ChatEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	q, ok := s.queues[accountID]
	if !ok {
		q = make(chan *platform.ChatEvent, eventQueueSize)
		s.queues[accountID] = q
		s.wg.Add(1)
		go s.worker(accountID, q)
	}
	// The enqueue stays under the lock so Close cannot close the
	// channel mid-send; the select never blocks, it drops instead.
	select {
	case q <- ev:
	default:
		s.log.Warn().Str("account_id", accountID).Msg("event queue full, dropping event")
	}
	s.mu.Unlock()
}

func (s *Service) worker(accountID string, q <-chan *platform.ChatEvent) {
	defer s.wg.Done()
	for ev := range q {
		s.handleOne(accountID, ev)
	}
}

func (s *Service) handleOne(accountID string, ev *platform.ChatEvent) {
	defer sysutil.Recover(s.log, "order event")
	ctx, cancel := context.WithTimeout(context.Background(), eventBudget)
	defer cancel()
	s.process(ctx, accountID, ev)
}

// Close drains the account workers. Call after the connections have
// stopped producing events.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) process(ctx context.Context, accountID string, ev *platform.ChatEvent) {
	s.events.Publish(bus.TopicConversations)

	if ev.OrderID != "" && ev.IsOrderStatus {
		s.handleOrderNotice(ctx, accountID, ev)
		return
	}
	if !ev.Outbound && !ev.IsOrderStatus {
		s.handleBuyerMessage(ctx, accountID, ev)
	}
}

// handleOrderNotice projects the order into the store, enriches it from
// the detail API, and fires fulfillment when a trigger phase is reached.
func (s *Service) handleOrderNotice(ctx context.Context, accountID string, ev *platform.ChatEvent) {
	order := &domain.Order{
		OrderID:    ev.OrderID,
		AccountID:  accountID,
		ChatID:     ev.ChatID,
		StatusText: ev.Text,
	}
	if !ev.Outbound {
		order.BuyerUserID = ev.SenderID
		order.BuyerNickname = ev.SenderName
	}

	if detail, err := s.fetchDetail(ctx, accountID, ev.OrderID); err != nil {
		s.log.Warn().Err(err).Str("order_id", ev.OrderID).Msg("order detail fetch failed, using event fields")
	} else {
		applyDetail(order, detail)
	}

	if err := repo.UpsertOrder(ctx, s.db, order); err != nil {
		s.log.Error().Err(err).Str("order_id", ev.OrderID).Msg("order upsert failed")
		return
	}
	s.events.Publish(bus.TopicOrders)

	phase := phaseFromStatus(order.Status)
	if phase == "" {
		phase = phaseFromText(ev.Text)
	}
	if phase == "" {
		return
	}

	s.log.Info().
		Str("order_id", order.OrderID).
		Str("phase", phase).
		Int("status", order.Status).
		Msg("order reached trigger phase")
	s.triggerFulfillment(ctx, order, phase)
}

func (s *Service) fetchDetail(ctx context.Context, accountID, orderID string) (map[string]any, error) {
	conn, err := s.manager.Conn(accountID)
	if err != nil {
		return nil, err
	}
	return conn.FetchOrderDetail(ctx, orderID)
}

// triggerFulfillment finds the first enabled rule whose scope and phase
// match the order and starts its workflow.
func (s *Service) triggerFulfillment(ctx context.Context, order *domain.Order, phase string) {
	rules, err := repo.ListEnabledRules(ctx, s.db, order.AccountID, order.ItemID)
	if err != nil {
		s.log.Error().Err(err).Str("order_id", order.OrderID).Msg("rule lookup failed")
		return
	}
	for i := range rules {
		rule := &rules[i]
		if rule.TriggerOn != phase {
			continue
		}
		if err := s.engine.Start(ctx, rule, order); err != nil {
			s.log.Error().Err(err).
				Str("order_id", order.OrderID).
				Uint("rule_id", rule.ID).
				Msg("workflow start failed")
		}
		return
	}
	s.log.Debug().Str("order_id", order.OrderID).Str("phase", phase).Msg("no rule matched")
}

// handleBuyerMessage offers the text to waiting executions first; when
// none consume it, the auto-reply rules get a turn.
func (s *Service) handleBuyerMessage(ctx context.Context, accountID string, ev *platform.ChatEvent) {
	resumed, err := s.engine.Resume(ctx, accountID, ev.ChatID, ev.Text)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("execution resume failed")
		return
	}
	if resumed {
		return
	}

	reply, ok := s.matcher.ReplyFor(ctx, accountID, ev.ChatID, ev.Text)
	if !ok {
		return
	}
	conn, err := s.manager.Conn(accountID)
	if err != nil {
		s.log.Warn().Err(err).Str("account_id", accountID).Msg("auto-reply skipped, account offline")
		return
	}
	if err := conn.SendMessage(ctx, ev.ChatID, ev.SenderID, reply); err != nil {
		s.log.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("auto-reply send failed")
	}
}

// phaseFromStatus maps marketplace status codes to trigger phases.
func phaseFromStatus(status int) string {
	switch status {
	case domain.OrderStatusPendingShipment:
		return domain.TriggerPaid
	case domain.OrderStatusCompleted:
		return domain.TriggerConfirmed
	default:
		return ""
	}
}

// phaseFromText derives the phase from the status notice when the
// detail API was unreachable.
func phaseFromText(text string) string {
	switch {
	case strings.Contains(text, "我已付款，等待你发货"),
		strings.Contains(text, "已付款，待发货"):
		return domain.TriggerPaid
	case strings.Contains(text, "确认收货，交易成功"):
		return domain.TriggerConfirmed
	default:
		return ""
	}
}

// applyDetail copies fields out of the order detail document. The
// document shape drifts between platform releases, so every field is
// looked up through a list of known paths and missing ones are left
// alone.
func applyDetail(order *domain.Order, detail map[string]any) {
	if v := firstString(detail,
		[]string{"itemDO", "itemId"},
		[]string{"orderDetailData", "itemId"},
	); v != "" {
		order.ItemID = v
	}
	if v := firstString(detail,
		[]string{"itemDO", "title"},
		[]string{"orderDetailData", "itemTitle"},
	); v != "" {
		order.ItemTitle = v
	}
	if v := firstString(detail,
		[]string{"orderPayInfo", "actualPaidFee"},
		[]string{"orderDetailData", "price"},
	); v != "" {
		order.Price = v
	}
	if v := firstString(detail,
		[]string{"buyerDO", "userId"},
		[]string{"orderDetailData", "buyerId"},
	); v != "" {
		order.BuyerUserID = v
	}
	if v := firstString(detail,
		[]string{"buyerDO", "nick"},
		[]string{"orderDetailData", "buyerNick"},
	); v != "" {
		order.BuyerNickname = v
	}
	if n := firstInt(detail,
		[]string{"orderInfo", "orderStatus"},
		[]string{"orderDetailData", "orderStatus"},
	); n != 0 {
		order.Status = int(n)
	}
	if v := firstString(detail, []string{"orderInfo", "createTime"}); v != "" {
		order.OrderTime = v
	}
	if v := firstString(detail, []string{"orderInfo", "payTime"}); v != "" {
		order.PayTime = v
	}
	if v := firstString(detail, []string{"orderInfo", "shipTime"}); v != "" {
		order.ShipTime = v
	}
	if v := firstString(detail, []string{"orderInfo", "completeTime"}); v != "" {
		order.CompleteTime = v
	}
}

func firstString(detail map[string]any, paths ...[]string) string {
	for _, p := range paths {
		if v := wire.GetString(detail, p...); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(detail map[string]any, paths ...[]string) int64 {
	for _, p := range paths {
		switch v := wire.Get(detail, p...).(type) {
		case nil:
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case float64:
			return int64(v)
		case int64:
			return v
		}
	}
	return 0
}

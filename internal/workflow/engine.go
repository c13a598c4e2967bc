package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/repo"
)

// Conn is the slice of the platform connection the engine drives.
type Conn interface {
	SendMessage(ctx context.Context, chatID, peerID, text string) error
	ConfirmShipment(ctx context.Context, orderID string) error
	FreeShip(ctx context.Context, bizOrderID, itemID, buyerID string) error
}

// Dialer resolves a live connection for an account. Lookups fail when
// the account is not connected; node execution surfaces that as a
// failed execution rather than retrying.
type Dialer interface {
	Conn(accountID string) (Conn, error)
}

// Sleeper pauses for d or until ctx ends. Tests swap it for a recorder.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecContext is the conversational context persisted with an execution
// so a resume after restart can still address the buyer.
type ExecContext struct {
	ChatID    string `json:"chat_id"`
	BuyerID   string `json:"buyer_id"`
	BuyerNick string `json:"buyer_nick,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
}

// Engine walks workflow graphs for orders. All state that must survive
// a restart lives in the execution row; the engine itself is stateless
// between calls.
type Engine struct {
	db      *gorm.DB
	log     zerolog.Logger
	conns   Dialer
	sleep   Sleeper
	randInt func(n int) int
}

// NewEngine builds an engine.
func NewEngine(db *gorm.DB, log zerolog.Logger, conns Dialer) *Engine {
	return &Engine{
		db:      db,
		log:     log,
		conns:   conns,
		sleep:   defaultSleeper,
		randInt: rand.Intn,
	}
}

// Start launches a workflow execution for order under rule. The graph
// comes from the rule's workflow, falling back to the default workflow
// and finally to the built-in deliver-then-ship flow. Starting an order
// that already has a non-terminal execution is a no-op.
func (e *Engine) Start(ctx context.Context, rule *domain.FulfillRule, order *domain.Order) error {
	def, workflowID, err := e.resolveDefinition(ctx, rule)
	if err != nil {
		return err
	}

	trigger := def.TriggerNode()
	if trigger == nil {
		return fmt.Errorf("workflow %d: no trigger node", workflowID)
	}

	ec := ExecContext{
		ChatID:    order.ChatID,
		BuyerID:   order.BuyerUserID,
		BuyerNick: order.BuyerNickname,
		ItemID:    order.ItemID,
	}
	ecRaw, _ := json.Marshal(ec)

	exec := &domain.WorkflowExecution{
		WorkflowID:    workflowID,
		OrderID:       order.OrderID,
		AccountID:     order.AccountID,
		RuleID:        rule.ID,
		Status:        domain.ExecRunning,
		CurrentNodeID: trigger.ID,
		Context:       string(ecRaw),
	}
	if err := repo.CreateExecution(ctx, e.db, exec); err != nil {
		if errors.Is(err, repo.ErrExecutionExists) {
			e.log.Info().Str("order_id", order.OrderID).Msg("order already has an active execution")
			return nil
		}
		return err
	}

	e.log.Info().
		Str("order_id", order.OrderID).
		Uint("execution_id", exec.ID).
		Uint("workflow_id", workflowID).
		Msg("workflow execution started")

	return e.executeFrom(ctx, exec, def, def.Next(trigger.ID, ""), rule, order, ec)
}

// resolveDefinition picks the graph for a rule: its own workflow, the
// default workflow, or the built-in flow (workflow id 0).
func (e *Engine) resolveDefinition(ctx context.Context, rule *domain.FulfillRule) (*Definition, uint, error) {
	if rule.WorkflowID != nil {
		w, err := repo.GetWorkflow(ctx, e.db, *rule.WorkflowID)
		if err != nil {
			return nil, 0, fmt.Errorf("rule %d workflow: %w", rule.ID, err)
		}
		def, err := ParseDefinition(w.Definition)
		if err != nil {
			return nil, 0, err
		}
		return def, w.ID, nil
	}

	w, err := repo.GetDefaultWorkflow(ctx, e.db)
	if err == nil {
		def, perr := ParseDefinition(w.Definition)
		if perr != nil {
			return nil, 0, perr
		}
		return def, w.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, err
	}
	return DefaultDefinition(), 0, nil
}

// Resume feeds a buyer reply to the account's waiting executions. The
// reply must contain one of an execution's expected keywords
// (case-insensitive); non-matching replies consume nothing and the
// execution keeps waiting. The first matching execution wins.
func (e *Engine) Resume(ctx context.Context, accountID, chatID, text string) (bool, error) {
	waiting, err := repo.ListWaitingExecutions(ctx, e.db, accountID)
	if err != nil {
		return false, err
	}

	for i := range waiting {
		exec := &waiting[i]

		var ec ExecContext
		if exec.Context != "" {
			if err := json.Unmarshal([]byte(exec.Context), &ec); err != nil {
				e.log.Warn().Err(err).Uint("execution_id", exec.ID).Msg("bad execution context")
				continue
			}
		}
		if chatID != "" && ec.ChatID != "" && ec.ChatID != chatID {
			continue
		}

		var keywords []string
		if exec.ExpectedKeywords != "" {
			if err := json.Unmarshal([]byte(exec.ExpectedKeywords), &keywords); err != nil {
				e.log.Warn().Err(err).Uint("execution_id", exec.ID).Msg("bad expected keywords")
				continue
			}
		}
		if !KeywordMatch(keywords, text) {
			continue
		}

		e.log.Info().
			Uint("execution_id", exec.ID).
			Str("order_id", exec.OrderID).
			Str("reply", text).
			Msg("buyer reply matched, resuming execution")

		running := domain.ExecRunning
		waitingOff := false
		cleared := ""
		upd := repo.ExecutionUpdate{
			Status:           &running,
			WaitingForReply:  &waitingOff,
			ExpectedKeywords: &cleared,
		}
		if err := repo.UpdateExecution(ctx, e.db, exec.ID, upd); err != nil {
			return false, err
		}

		if err := e.continueExecution(ctx, exec, ec); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// KeywordMatch reports whether text contains any keyword,
// case-insensitive. An empty keyword list matches nothing.
func KeywordMatch(keywords []string, text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// continueExecution reloads the graph and walks on from the node after
// the suspension point.
func (e *Engine) continueExecution(ctx context.Context, exec *domain.WorkflowExecution, ec ExecContext) error {
	rule, err := repo.GetRule(ctx, e.db, exec.RuleID)
	if err != nil {
		return e.fail(ctx, exec, fmt.Errorf("load rule %d: %w", exec.RuleID, err))
	}
	order, err := repo.GetOrder(ctx, e.db, exec.OrderID)
	if err != nil {
		return e.fail(ctx, exec, fmt.Errorf("load order %s: %w", exec.OrderID, err))
	}

	var def *Definition
	if exec.WorkflowID == 0 {
		def = DefaultDefinition()
	} else {
		w, err := repo.GetWorkflow(ctx, e.db, exec.WorkflowID)
		if err != nil {
			return e.fail(ctx, exec, fmt.Errorf("load workflow %d: %w", exec.WorkflowID, err))
		}
		def, err = ParseDefinition(w.Definition)
		if err != nil {
			return e.fail(ctx, exec, err)
		}
	}

	return e.executeFrom(ctx, exec, def, def.Next(exec.CurrentNodeID, ""), rule, order, ec)
}

// executeFrom walks the graph from node until the path ends, a node
// suspends the execution, or a node fails.
func (e *Engine) executeFrom(ctx context.Context, exec *domain.WorkflowExecution, def *Definition, node *Node, rule *domain.FulfillRule, order *domain.Order, ec ExecContext) error {
	for node != nil {
		id := node.ID
		if err := repo.UpdateExecution(ctx, e.db, exec.ID, repo.ExecutionUpdate{CurrentNodeID: &id}); err != nil {
			return err
		}
		exec.CurrentNodeID = id

		handle, suspended, err := e.executeNode(ctx, exec, node, rule, order, ec)
		if err != nil {
			return e.fail(ctx, exec, fmt.Errorf("node %s (%s): %w", node.ID, node.Type, err))
		}
		if suspended {
			return nil
		}
		node = def.Next(node.ID, handle)
	}

	completed := domain.ExecCompleted
	if err := repo.UpdateExecution(ctx, e.db, exec.ID, repo.ExecutionUpdate{Status: &completed}); err != nil {
		return err
	}
	e.log.Info().Uint("execution_id", exec.ID).Str("order_id", exec.OrderID).Msg("workflow execution completed")
	return nil
}

// executeNode runs one node. Returns the outgoing edge handle, whether
// the execution suspended, and any fatal error.
func (e *Engine) executeNode(ctx context.Context, exec *domain.WorkflowExecution, node *Node, rule *domain.FulfillRule, order *domain.Order, ec ExecContext) (string, bool, error) {
	switch node.Type {
	case NodeTrigger:
		return "", false, nil

	case NodeDelivery:
		return "", false, e.runDelivery(ctx, exec, rule, order, ec)

	case NodeShip:
		conn, err := e.conns.Conn(exec.AccountID)
		if err != nil {
			return "", false, err
		}
		if node.Config.ShipMode == ShipModeFree {
			if order.ItemID != "" && order.BuyerUserID != "" {
				return "", false, conn.FreeShip(ctx, exec.OrderID, order.ItemID, order.BuyerUserID)
			}
			// Free shipping needs the item and buyer ids; without them
			// fall back to the plain confirmation.
			e.log.Warn().
				Str("order_id", exec.OrderID).
				Msg("free shipping lacks item or buyer id, confirming shipment instead")
		}
		return "", false, conn.ConfirmShipment(ctx, exec.OrderID)

	case NodeDelay:
		d := e.delayDuration(node.Config)
		e.log.Debug().Uint("execution_id", exec.ID).Dur("delay", d).Msg("delay node")
		return "", false, e.sleep(ctx, d)

	case NodeCondition:
		return e.evalCondition(node.Config, order), false, nil

	case NodeAutoReply:
		return "", true, e.suspendForReply(ctx, exec, node, ec)

	case NodeNotify:
		msg := substitute(node.Config.Message, order)
		if ec.ChatID == "" || ec.BuyerID == "" {
			e.log.Info().Str("order_id", exec.OrderID).Str("message", msg).Msg("notify node skipped, chat unknown")
			return "", false, nil
		}
		conn, err := e.conns.Conn(exec.AccountID)
		if err != nil {
			e.log.Warn().Err(err).Uint("execution_id", exec.ID).Msg("notify not sent, account offline")
			return "", false, nil
		}
		if err := conn.SendMessage(ctx, ec.ChatID, ec.BuyerID, msg); err != nil {
			// Notifications are best-effort; losing one must not kill
			// the fulfillment path.
			e.log.Warn().Err(err).Uint("execution_id", exec.ID).Msg("notify send failed")
		}
		return "", false, nil

	default:
		return "", false, fmt.Errorf("unknown node type %q", node.Type)
	}
}

// delayDuration computes the pause for a delay node. Random mode draws
// uniformly from [min, max] seconds.
func (e *Engine) delayDuration(cfg NodeConfig) time.Duration {
	if cfg.DelayMode == "random" {
		lo, hi := cfg.DelayMinSeconds, cfg.DelayMaxSeconds
		if hi < lo {
			lo, hi = hi, lo
		}
		if lo < 0 {
			lo = 0
		}
		if hi < lo {
			hi = lo
		}
		return time.Duration(lo+e.randInt(hi-lo+1)) * time.Second
	}
	if cfg.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.DelaySeconds) * time.Second
}

// evalCondition picks the outgoing branch of a condition node. An
// unconfigured condition always takes the primary branch.
func (e *Engine) evalCondition(cfg NodeConfig, order *domain.Order) string {
	if cfg.Field == "" {
		return "output_1"
	}
	var actual string
	switch cfg.Field {
	case "item_id":
		actual = order.ItemID
	case "status_text":
		actual = order.StatusText
	case "price":
		actual = order.Price
	case "buyer_id":
		actual = order.BuyerUserID
	default:
		return "output_2"
	}
	match := false
	switch cfg.Operator {
	case "contains":
		match = strings.Contains(actual, cfg.Value)
	default:
		match = actual == cfg.Value
	}
	if match {
		return "output_1"
	}
	return "output_2"
}

// suspendForReply sends the prompt and parks the execution in the
// waiting state. The keywords and position are persisted first so a
// crash after the prompt leaves a resumable row.
func (e *Engine) suspendForReply(ctx context.Context, exec *domain.WorkflowExecution, node *Node, ec ExecContext) error {
	kwRaw, _ := json.Marshal(node.Config.ExpectedKeywords)
	waitStatus := domain.ExecWaiting
	waitingOn := true
	kw := string(kwRaw)
	upd := repo.ExecutionUpdate{
		Status:           &waitStatus,
		WaitingForReply:  &waitingOn,
		ExpectedKeywords: &kw,
	}
	if err := repo.UpdateExecution(ctx, e.db, exec.ID, upd); err != nil {
		return err
	}

	if node.Config.Prompt != "" && ec.ChatID != "" {
		conn, err := e.conns.Conn(exec.AccountID)
		if err != nil {
			e.log.Warn().Err(err).Uint("execution_id", exec.ID).Msg("prompt not sent, account offline")
		} else if err := conn.SendMessage(ctx, ec.ChatID, ec.BuyerID, node.Config.Prompt); err != nil {
			e.log.Warn().Err(err).Uint("execution_id", exec.ID).Msg("prompt send failed")
		}
	}

	e.log.Info().
		Uint("execution_id", exec.ID).
		Str("order_id", exec.OrderID).
		Strs("keywords", node.Config.ExpectedKeywords).
		Msg("execution waiting for buyer reply")
	return nil
}

// fail marks the execution failed and returns cause.
func (e *Engine) fail(ctx context.Context, exec *domain.WorkflowExecution, cause error) error {
	e.log.Error().Err(cause).Uint("execution_id", exec.ID).Str("order_id", exec.OrderID).Msg("workflow execution failed")
	failed := domain.ExecFailed
	if err := repo.UpdateExecution(ctx, e.db, exec.ID, repo.ExecutionUpdate{Status: &failed}); err != nil {
		e.log.Error().Err(err).Uint("execution_id", exec.ID).Msg("persist failed status")
	}
	return cause
}

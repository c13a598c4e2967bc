package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/repo"
)

// APIConfig is the stored configuration of an api-type fulfillment
// rule, JSON-encoded in the rule row.
type APIConfig struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"` // default GET
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	ResponseField string            `json:"response_field,omitempty"` // dot path into the JSON response
	TimeoutSec    int               `json:"timeout_sec,omitempty"`
	RetryDelaySec int               `json:"retry_delay_sec,omitempty"`
}

const apiFetchAttempts = 3

// runDelivery resolves the fulfillment content for the order and sends
// it to the buyer. Orders that were already delivered are skipped so a
// replayed status message cannot double-spend stock. Every attempt,
// successful or not, lands in the delivery log.
func (e *Engine) runDelivery(ctx context.Context, exec *domain.WorkflowExecution, rule *domain.FulfillRule, order *domain.Order, ec ExecContext) error {
	done, err := repo.HasDelivered(ctx, e.db, order.OrderID)
	if err != nil {
		return err
	}
	if done {
		e.log.Info().Str("order_id", order.OrderID).Msg("already delivered, skipping")
		return nil
	}

	content, err := e.resolveContent(ctx, rule, order)

	entry := &domain.DeliveryLog{
		RuleID:       rule.ID,
		OrderID:      order.OrderID,
		AccountID:    exec.AccountID,
		DeliveryType: rule.DeliveryType,
		Content:      content,
		Status:       "success",
	}
	if err != nil {
		entry.Status = "failed"
		entry.ErrorMessage = err.Error()
	}
	if logErr := repo.AddDeliveryLog(ctx, e.db, entry); logErr != nil {
		e.log.Warn().Err(logErr).Str("order_id", order.OrderID).Msg("delivery log write failed")
	}
	if err != nil {
		return err
	}

	if ec.ChatID == "" {
		// The content is resolved and logged; the buyer can still be
		// pointed at it manually. Failing the node here would burn the
		// stock item with nothing sent.
		e.log.Warn().Str("order_id", order.OrderID).Msg("no chat for order, delivery recorded but not sent")
		return nil
	}

	conn, err := e.conns.Conn(exec.AccountID)
	if err != nil {
		return err
	}
	if err := conn.SendMessage(ctx, ec.ChatID, ec.BuyerID, content); err != nil {
		return fmt.Errorf("send delivery: %w", err)
	}
	e.log.Info().
		Str("order_id", order.OrderID).
		Str("delivery_type", rule.DeliveryType).
		Msg("delivery sent")
	return nil
}

// resolveContent produces the text to deliver according to the rule's
// strategy.
func (e *Engine) resolveContent(ctx context.Context, rule *domain.FulfillRule, order *domain.Order) (string, error) {
	switch rule.DeliveryType {
	case domain.DeliveryFixed:
		return substitute(rule.DeliveryContent, order), nil

	case domain.DeliveryStock:
		item, err := repo.ConsumeStock(ctx, e.db, rule.ID, order.OrderID)
		if err != nil {
			return "", err
		}
		return item.Content, nil

	case domain.DeliveryAPI:
		var cfg APIConfig
		if err := json.Unmarshal([]byte(rule.APIConfig), &cfg); err != nil {
			return "", fmt.Errorf("rule %d api config: %w", rule.ID, err)
		}
		return e.fetchFromAPI(ctx, cfg, order)

	default:
		return "", fmt.Errorf("rule %d: unknown delivery type %q", rule.ID, rule.DeliveryType)
	}
}

// fetchFromAPI retrieves delivery content from an external endpoint
// with linear-backoff retries.
func (e *Engine) fetchFromAPI(ctx context.Context, cfg APIConfig, order *domain.Order) (string, error) {
	if cfg.URL == "" {
		return "", fmt.Errorf("api delivery: empty url")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := 10 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	retryDelay := time.Second
	if cfg.RetryDelaySec > 0 {
		retryDelay = time.Duration(cfg.RetryDelaySec) * time.Second
	}

	url := substitute(cfg.URL, order)
	body := substitute(cfg.Body, order)
	client := &http.Client{Timeout: timeout}

	var lastErr error
	for attempt := 0; attempt < apiFetchAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, retryDelay*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
		content, err := fetchOnce(ctx, client, method, url, body, cfg)
		if err == nil {
			return content, nil
		}
		lastErr = err
		e.log.Warn().Err(err).Int("attempt", attempt+1).Str("url", cfg.URL).Msg("api delivery fetch failed")
	}
	return "", fmt.Errorf("api delivery: %w", lastErr)
}

func fetchOnce(ctx context.Context, client *http.Client, method, url, body string, cfg APIConfig) (string, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	if cfg.ResponseField == "" {
		return string(raw), nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("response not json: %w", err)
	}
	v := doc
	for _, part := range strings.Split(cfg.ResponseField, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return "", fmt.Errorf("response field %q not found", cfg.ResponseField)
		}
		v = m[part]
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", fmt.Errorf("response field %q not found", cfg.ResponseField)
	default:
		out, _ := json.Marshal(t)
		return string(out), nil
	}
}

// substitute expands {{var}} placeholders in s with order fields.
func substitute(s string, order *domain.Order) string {
	if s == "" || order == nil {
		return s
	}
	r := strings.NewReplacer(
		"{{order_id}}", order.OrderID,
		"{{item_id}}", order.ItemID,
		"{{item_title}}", order.ItemTitle,
		"{{price}}", order.Price,
		"{{buyer_id}}", order.BuyerUserID,
		"{{buyer_nick}}", order.BuyerNickname,
	)
	return r.Replace(s)
}

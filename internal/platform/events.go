// Package platform implements the marketplace connection layer. This
// file turns decoded sync payloads into chat events. The payload is a
// numerically keyed nested structure; the positions used below are the
// protocol's, observed on the wire:
//
//	"1"           message envelope
//	"1"."2"       chat id ("<id>@goofish")
//	"1"."5"       creation time (unix millis, sometimes a string)
//	"1"."6"."3"."5"  JSON card blob (deep links, buttons)
//	"1"."10"      reminder block: senderNick, senderUserId,
//	              reminderContent, reminderTitle, reminderUrl,
//	              extJson, bizTag
//
// Order-id extraction is best-effort and never fatal: several heuristics
// run in priority order and the first hit wins; when the marketplace
// changes its link shapes extraction yields no order id rather than an
// error.
package platform

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/openfish/sellerbot/internal/wire"
)

// ChatEvent is one decoded inbound (or self-authored) chat message with
// its extracted order semantics. Immutable once extracted.
type ChatEvent struct {
	SenderID   string
	SenderName string
	ChatID     string
	Text       string
	CreatedAt  time.Time

	OrderID       string // optional, best-effort
	OrderStatus   string // optional task tag from bizTag
	IsOrderStatus bool   // text matches a known order-status notice
	Outbound      bool   // authored by the account itself

	Raw any // decoded payload, for diagnostics
}

// Pure platform chrome; carries no information worth processing.
var boilerplateMessages = map[string]struct{}{
	"[不想宝贝被砍价?设置不砍价回复  ]": {},
	"AI正在帮你回复消息，不错过每笔订单":  {},
	"发来一条消息":         {},
	"发来一条新消息":        {},
	"快给ta一个评价吧~":     {},
	"快给ta一个评价吧～":     {},
	"卖家人不错？送Ta闲鱼小红花": {},
}

// Order lifecycle notices; captured even when self-authored but never
// auto-replied to.
var orderStatusMessages = []string{
	"[我已拍下，待付款]",
	"[我已付款，等待你发货]",
	"[已付款，待发货]",
	"[你已发货]",
	"[你已发货，请等待买家确认收货]",
	"[买家确认收货，交易成功]",
	"[你已确认收货，交易成功]",
	"[你关闭了订单，钱款已原路退返]",
	"[未付款，买家关闭了订单]",
	"[记得及时确认收货]",
	"已发货",
	"有蚂蚁森林能量可领",
}

var (
	longDigits      = regexp.MustCompile(`^\d{15,}$`)
	reminderOrderRe = regexp.MustCompile(`orderId=(\d+)`)
	deepLinkIDRe    = regexp.MustCompile(`[?&]id=(\d{15,})`)
	buttonOrderRe   = regexp.MustCompile(`orderId=(\d{15,})|bizOrderId=(\d{15,})`)
	changeBtnRe     = regexp.MustCompile(`[?&]id=(\d{15,})|orderId=(\d{15,})`)
)

// IsBoilerplate reports whether text is pure platform chrome.
func IsBoilerplate(text string) bool {
	_, ok := boilerplateMessages[text]
	return ok
}

// IsOrderStatusText reports whether text contains a known order-status
// notice.
func IsOrderStatusText(text string) bool {
	for _, m := range orderStatusMessages {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// DecodeSyncData decodes one sync data item. The primary format is the
// packed binary payload in base64; the fallback is base64-wrapped JSON.
// Returns nil when the item is not a chat message in either format;
// decode failures are absorbed, the stream carries many non-chat items.
func DecodeSyncData(data string) any {
	if v, err := wire.DecodeBase64(data); err == nil {
		// Only structures carrying a reminder block are chat messages.
		if wire.Get(v, "1", "10") != nil {
			return v
		}
	}

	raw, err := wire.DecodeBase64JSON(data)
	if err != nil {
		return nil
	}
	if m, ok := raw.(map[string]any); ok {
		if _, system := m["chatType"]; system {
			return nil
		}
		return m
	}
	return nil
}

// ExtractChatEvent walks the decoded payload and pulls out the chat
// semantics. selfID is the account's own platform user id, used for the
// direction check. Returns nil for boilerplate, empty text, and
// self-authored messages that are not order-status notices.
func ExtractChatEvent(payload any, selfID string) *ChatEvent {
	reminder := wire.GetMap(payload, "1", "10")
	if reminder == nil {
		return nil
	}

	text := wire.GetString(reminder, "reminderContent")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if IsBoilerplate(text) {
		return nil
	}

	senderID := wire.GetString(reminder, "senderUserId")
	if senderID == "" {
		senderID = "unknown"
	}
	senderName := wire.GetString(reminder, "senderNick")
	if senderName == "" {
		senderName = wire.GetString(reminder, "reminderTitle")
	}

	isOrder := IsOrderStatusText(text)
	outbound := senderID == selfID
	if outbound && !isOrder {
		// The account talking to itself is an echo of our own sends;
		// only order-status notices authored by the platform matter.
		return nil
	}

	chatID := wire.GetString(payload, "1", "2")
	if at := strings.Index(chatID, "@"); at >= 0 {
		chatID = chatID[:at]
	}

	var created time.Time
	if ms := wire.GetInt(payload, "1", "5"); ms > 0 {
		created = time.UnixMilli(ms)
	} else {
		created = time.Now()
	}

	ev := &ChatEvent{
		SenderID:      senderID,
		SenderName:    senderName,
		ChatID:        chatID,
		Text:          text,
		CreatedAt:     created,
		IsOrderStatus: isOrder,
		Outbound:      outbound,
		Raw:           payload,
	}

	ev.OrderID = extractOrderID(payload, reminder)
	ev.OrderStatus = extractOrderStatus(reminder)
	return ev
}

// extractOrderID runs the order-id heuristics in priority order and
// returns the first hit, or "".
func extractOrderID(payload any, reminder map[string]any) string {
	// (a) correlation key inside extJson: updateKey is colon-separated
	// and one of its parts is the long numeric order id.
	if extRaw := wire.GetString(reminder, "extJson"); extRaw != "" {
		var ext struct {
			UpdateKey string `json:"updateKey"`
		}
		if err := json.Unmarshal([]byte(extRaw), &ext); err == nil && ext.UpdateKey != "" {
			for _, part := range strings.Split(ext.UpdateKey, ":") {
				if longDigits.MatchString(part) {
					return part
				}
			}
		}
	}

	// (b) URL-style reminder field.
	if u := wire.GetString(reminder, "reminderUrl"); u != "" {
		if m := reminderOrderRe.FindStringSubmatch(u); m != nil {
			return m[1]
		}
	}

	// (c)-(e) live inside the JSON card blob.
	cardRaw := wire.GetString(payload, "1", "6", "3", "5")
	if cardRaw == "" {
		return ""
	}
	var card map[string]any
	if err := json.Unmarshal([]byte(cardRaw), &card); err != nil {
		return ""
	}

	// Forest-energy style tips carry the order id as a plain argument.
	if id := wire.GetString(card, "tip", "argInfo", "args", "orderId"); longDigits.MatchString(id) {
		return id
	}

	// (c) deep-link target URL (fleamarket://order_detail?id=...).
	if u := wire.GetString(card, "dxCard", "item", "main", "targetUrl"); u != "" {
		if m := deepLinkIDRe.FindStringSubmatch(u); m != nil {
			return m[1]
		}
	}

	// (d) button action URL.
	if u := wire.GetString(card, "dxCard", "item", "main", "exContent", "button", "targetUrl"); u != "" {
		if m := buttonOrderRe.FindStringSubmatch(u); m != nil {
			return firstGroup(m)
		}
	}

	// (e) "change content" card variants of (c) and (d).
	if u := wire.GetString(card, "dynamicOperation", "changeContent", "dxCard", "item", "main", "targetUrl"); u != "" {
		if m := deepLinkIDRe.FindStringSubmatch(u); m != nil {
			return m[1]
		}
	}
	if u := wire.GetString(card, "dynamicOperation", "changeContent", "dxCard", "item", "main", "exContent", "button", "targetUrl"); u != "" {
		if m := changeBtnRe.FindStringSubmatch(u); m != nil {
			return firstGroup(m)
		}
	}

	return ""
}

// extractOrderStatus pulls the task tag out of bizTag, when present.
func extractOrderStatus(reminder map[string]any) string {
	raw := wire.GetString(reminder, "bizTag")
	if raw == "" {
		return ""
	}
	var tag struct {
		TaskName string `json:"taskName"`
	}
	if err := json.Unmarshal([]byte(raw), &tag); err != nil {
		return ""
	}
	return tag.TaskName
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

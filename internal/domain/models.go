// Package domain defines the persistence models for seller accounts,
// fulfillment rules and stock, delivery logs, orders, and workflow
// definitions/executions. These types are mapped with GORM and form the
// core data layer of the automation bot.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Account represents one marketplace seller account. The raw cookie set is
// the account's credential material: it is merged field-by-field whenever
// the platform rotates a sub-token, never replaced wholesale. The
// connection fields are a persisted projection of the live connection
// state for status queries; the authoritative phase lives in the running
// connection only.
type Account struct {
	ID      string `json:"id"      gorm:"type:varchar(64);primaryKey"`
	Name    string `json:"name"    gorm:"type:varchar(255);not null"`
	Cookies string `json:"-"       gorm:"type:text;not null"`
	Enabled bool   `json:"enabled" gorm:"not null;default:true"`

	// Connection status projection.
	Connected        bool      `json:"connected"          gorm:"not null;default:false"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	LastTokenRefresh time.Time `json:"last_token_refresh"`
	ErrorMessage     string    `json:"error_message"      gorm:"type:text"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// Delivery strategies for a fulfillment rule.
const (
	DeliveryFixed = "fixed" // a fixed text blob
	DeliveryStock = "stock" // draw one unused stock item
	DeliveryAPI   = "api"   // fetch content from an external endpoint
)

// Trigger phases for a fulfillment rule.
const (
	TriggerPaid      = "paid"      // order paid, awaiting shipment
	TriggerConfirmed = "confirmed" // buyer confirmed receipt
)

// FulfillRule configures automatic delivery for orders. Rules can be
// scoped to an account and/or item; empty scope fields match everything.
// An optional WorkflowID selects the graph executed for matching orders;
// when nil the hard-coded deliver-then-ship sequence runs instead.
type FulfillRule struct {
	ID        uint   `json:"id"         gorm:"primaryKey"`
	Name      string `json:"name"       gorm:"type:varchar(255);not null"`
	Enabled   bool   `json:"enabled"    gorm:"not null;default:true"`
	AccountID string `json:"account_id" gorm:"type:varchar(64);index"`
	ItemID    string `json:"item_id"    gorm:"type:varchar(64);index"`

	DeliveryType    string `json:"delivery_type"    gorm:"type:varchar(16);not null;check:delivery_type IN ('fixed','stock','api')"`
	DeliveryContent string `json:"delivery_content" gorm:"type:text"`
	APIConfig       string `json:"api_config"       gorm:"type:text"` // JSON-encoded fulfill.APIConfig
	TriggerOn       string `json:"trigger_on"       gorm:"type:varchar(16);not null;default:'paid';check:trigger_on IN ('paid','confirmed')"`
	WorkflowID      *uint  `json:"workflow_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for FulfillRule.
func (FulfillRule) TableName() string { return "fulfill_rules" }

// StockItem is one unit of fulfillment inventory. An item transitions
// unused -> used exactly once; consumption marks it with the consuming
// order so double-spends are detectable.
type StockItem struct {
	ID          uint       `json:"id"            gorm:"primaryKey"`
	RuleID      uint       `json:"rule_id"       gorm:"not null;index:idx_stock_rule_used,priority:1"`
	Content     string     `json:"content"       gorm:"type:text;not null"`
	Used        bool       `json:"used"          gorm:"not null;default:false;index:idx_stock_rule_used,priority:2"`
	UsedOrderID string     `json:"used_order_id" gorm:"type:varchar(64)"`
	UsedAt      *time.Time `json:"used_at"`
	CreatedAt   time.Time  `json:"created_at"`

	Rule FulfillRule `json:"-" gorm:"foreignKey:RuleID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for StockItem.
func (StockItem) TableName() string { return "stock_items" }

// DeliveryLog records one delivery attempt, successful or not.
type DeliveryLog struct {
	ID           uint      `json:"id"            gorm:"primaryKey"`
	RuleID       uint      `json:"rule_id"       gorm:"index"`
	OrderID      string    `json:"order_id"      gorm:"type:varchar(64);not null;index"`
	AccountID    string    `json:"account_id"    gorm:"type:varchar(64);not null;index"`
	DeliveryType string    `json:"delivery_type" gorm:"type:varchar(16);not null"`
	Content      string    `json:"content"       gorm:"type:text"`
	Status       string    `json:"status"        gorm:"type:varchar(16);not null;check:status IN ('success','failed')"`
	ErrorMessage string    `json:"error_message" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for DeliveryLog.
func (DeliveryLog) TableName() string { return "delivery_logs" }

// Order is the local projection of a marketplace order, upserted from
// chat events and detail fetches. OrderID is the platform's identifier.
type Order struct {
	OrderID   string `json:"order_id"   gorm:"type:varchar(64);primaryKey"`
	AccountID string `json:"account_id" gorm:"type:varchar(64);not null;index"`
	ItemID    string `json:"item_id"    gorm:"type:varchar(64)"`
	ItemTitle string `json:"item_title" gorm:"type:varchar(512)"`
	Price     string `json:"price"      gorm:"type:varchar(32)"`

	BuyerUserID   string `json:"buyer_user_id"  gorm:"type:varchar(64)"`
	BuyerNickname string `json:"buyer_nickname" gorm:"type:varchar(255)"`
	ChatID        string `json:"chat_id"        gorm:"type:varchar(64)"`

	Status     int    `json:"status"      gorm:"not null;default:0"`
	StatusText string `json:"status_text" gorm:"type:varchar(64)"`

	OrderTime    string `json:"order_time"    gorm:"type:varchar(32)"`
	PayTime      string `json:"pay_time"      gorm:"type:varchar(32)"`
	ShipTime     string `json:"ship_time"     gorm:"type:varchar(32)"`
	CompleteTime string `json:"complete_time" gorm:"type:varchar(32)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// Marketplace order status codes observed on the wire.
const (
	OrderStatusCreated         = 11 // ordered, not paid
	OrderStatusPendingShipment = 12 // paid, awaiting shipment
	OrderStatusPendingReceipt  = 21 // shipped, awaiting confirmation
	OrderStatusCompleted       = 22 // buyer confirmed receipt
	OrderStatusClosed          = 24 // closed or refunded
)

// Workflow stores a named fulfillment graph. Definition is the
// JSON-encoded workflow.Definition; it is immutable once referenced by a
// running execution (edits only affect future executions). At most one
// workflow is marked default.
type Workflow struct {
	ID          uint   `json:"id"          gorm:"primaryKey"`
	Name        string `json:"name"        gorm:"type:varchar(255);not null"`
	Description string `json:"description" gorm:"type:text"`
	Definition  string `json:"definition"  gorm:"type:text;not null"`
	IsDefault   bool   `json:"is_default"  gorm:"not null;default:false"`
	Enabled     bool   `json:"enabled"     gorm:"not null;default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Workflow.
func (Workflow) TableName() string { return "workflows" }

// Workflow execution statuses.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecWaiting   = "waiting"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// WorkflowExecution is one run of a workflow graph for an order. The
// waiting fields make suspension durable: a process restart between
// "prompt sent" and "reply received" re-derives the suspension point
// from this row alone. At most one non-terminal execution may exist per
// order; the repo enforces this at creation time.
type WorkflowExecution struct {
	ID         uint   `json:"id"          gorm:"primaryKey"`
	WorkflowID uint   `json:"workflow_id" gorm:"not null;index"`
	OrderID    string `json:"order_id"    gorm:"type:varchar(64);not null;index"`
	AccountID  string `json:"account_id"  gorm:"type:varchar(64);not null;index"`
	RuleID     uint   `json:"rule_id"     gorm:"not null"`

	Status        string `json:"status"          gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','running','waiting','completed','failed')"`
	CurrentNodeID string `json:"current_node_id" gorm:"type:varchar(64)"`

	WaitingForReply  bool   `json:"waiting_for_reply" gorm:"not null;default:false"`
	ExpectedKeywords string `json:"expected_keywords" gorm:"type:text"` // JSON array of strings
	Context          string `json:"context"           gorm:"type:text"` // JSON map: buyer id, chat id, item id

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for WorkflowExecution.
func (WorkflowExecution) TableName() string { return "workflow_executions" }

// AutoReplyRule matches inbound buyer messages and produces a canned
// reply. MatchMode "ai" defers to the external text-generation responder.
type AutoReplyRule struct {
	ID        uint   `json:"id"         gorm:"primaryKey"`
	AccountID string `json:"account_id" gorm:"type:varchar(64);index"`
	Enabled   bool   `json:"enabled"    gorm:"not null;default:true"`
	Keyword   string `json:"keyword"    gorm:"type:varchar(255);not null"`
	MatchMode string `json:"match_mode" gorm:"type:varchar(16);not null;default:'contains';check:match_mode IN ('exact','contains','ai')"`
	Reply     string `json:"reply"      gorm:"type:text;not null"`
	Priority  int    `json:"priority"   gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for AutoReplyRule.
func (AutoReplyRule) TableName() string { return "autoreply_rules" }

// Package autoreply matches inbound buyer messages against per-account
// reply rules. Keyword modes answer from the rule itself; the "ai" mode
// defers to an external text-generation responder when one is wired.
package autoreply

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
)

// Responder produces a generated reply for messages matched by an
// ai-mode rule. Implementations call out to an external model.
type Responder interface {
	Reply(ctx context.Context, accountID, chatID, text string) (string, error)
}

// Matcher evaluates reply rules for an account. Stateless; safe for
// concurrent use.
type Matcher struct {
	db        *gorm.DB
	log       zerolog.Logger
	responder Responder
}

// NewMatcher builds a matcher. responder may be nil; ai-mode rules are
// then skipped.
func NewMatcher(db *gorm.DB, log zerolog.Logger, responder Responder) *Matcher {
	return &Matcher{db: db, log: log, responder: responder}
}

// ReplyFor returns the reply for text under accountID's rules, if any.
// Rules run highest priority first; the first match wins. Account-scoped
// rules and global rules (empty account id) both apply.
func (m *Matcher) ReplyFor(ctx context.Context, accountID, chatID, text string) (string, bool) {
	var rules []domain.AutoReplyRule
	err := m.db.WithContext(ctx).
		Where("enabled = ? AND (account_id = ? OR account_id = '')", true, accountID).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		m.log.Warn().Err(err).Str("account_id", accountID).Msg("load autoreply rules failed")
		return "", false
	}

	for _, rule := range rules {
		switch rule.MatchMode {
		case "exact":
			if strings.TrimSpace(text) == rule.Keyword {
				return rule.Reply, true
			}
		case "contains":
			if rule.Keyword != "" && strings.Contains(text, rule.Keyword) {
				return rule.Reply, true
			}
		case "ai":
			if m.responder == nil {
				continue
			}
			if rule.Keyword != "" && !strings.Contains(text, rule.Keyword) {
				continue
			}
			reply, err := m.responder.Reply(ctx, accountID, chatID, text)
			if err != nil {
				m.log.Warn().Err(err).Str("account_id", accountID).Msg("ai responder failed")
				continue
			}
			if reply != "" {
				return reply, true
			}
		}
	}
	return "", false
}

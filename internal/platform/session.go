// Package platform implements the marketplace connection layer. This
// file provides the per-account credential session: reads always go to
// the store so every caller sees the freshest signing material, and
// writes merge field-by-field. Nothing is cached in memory: the token
// manager, the connection, and the HTTP facade all mutate the same
// credential set concurrently.
package platform

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/repo"
)

// Session is the credential view of one account. It is cheap to copy
// and safe for concurrent use; all state lives in the store.
type Session struct {
	DB        *gorm.DB
	AccountID string
}

// Cookies returns the account's current cookie string.
func (s Session) Cookies(ctx context.Context) (string, error) {
	acct, err := repo.GetAccount(ctx, s.DB, s.AccountID)
	if err != nil {
		return "", err
	}
	if acct.Cookies == "" {
		return "", ErrNoCookies
	}
	return acct.Cookies, nil
}

// Cookie returns a single cookie value, or "" when absent.
func (s Session) Cookie(ctx context.Context, name string) string {
	raw, err := s.Cookies(ctx)
	if err != nil {
		return ""
	}
	return ParseCookies(raw)[name]
}

// H5Token returns the mtop signing secret: the part of the _m_h5_tk
// cookie before the first underscore.
func (s Session) H5Token(ctx context.Context) string {
	tk := s.Cookie(ctx, "_m_h5_tk")
	if tk == "" {
		return ""
	}
	return strings.SplitN(tk, "_", 2)[0]
}

// UserID returns the platform user id (the unb cookie).
func (s Session) UserID(ctx context.Context) (string, error) {
	id := s.Cookie(ctx, "unb")
	if id == "" {
		return "", ErrMissingUserID
	}
	return id, nil
}

// Merge overlays the given cookie fields onto the stored set and
// persists the result. Returns true when at least one field changed.
func (s Session) Merge(ctx context.Context, updates map[string]string) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	raw, err := s.Cookies(ctx)
	if err != nil {
		return false, err
	}
	merged, changed := MergeCookies(raw, updates)
	if len(changed) == 0 {
		return false, nil
	}
	if err := repo.UpdateAccountCookies(ctx, s.DB, s.AccountID, merged); err != nil {
		return false, err
	}
	log.Info().
		Str("account_id", s.AccountID).
		Strs("fields", changed).
		Msg("cookies updated")
	return true, nil
}

// UpdateFromResponse merges any Set-Cookie fields from resp into the
// stored credential set. Every signed call runs its response through
// here so rotated sub-tokens are captured immediately.
func (s Session) UpdateFromResponse(ctx context.Context, resp *http.Response) bool {
	if resp == nil {
		return false
	}
	headers := resp.Header.Values("Set-Cookie")
	if len(headers) == 0 {
		return false
	}
	updates := ParseSetCookies(headers)
	if len(updates) == 0 {
		return false
	}
	changed, err := s.Merge(ctx, updates)
	if err != nil {
		log.Warn().Err(err).Str("account_id", s.AccountID).Msg("cookie merge failed")
		return false
	}
	return changed
}

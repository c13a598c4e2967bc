// Package platform implements the marketplace connection layer. This
// file provides the per-account access-token lifecycle. Tokens are held
// only in memory and renewed on a timer by the connection; a failed
// refresh is never fatal; callers treat a missing token as "try again
// later".
//
// Refresh recovery ladder, in order:
//  1. plain signed token request
//  2. if it failed but the response rotated cookies, retry once with the
//     fresh credential set
//  3. if it failed with a session-expired code, run the passport
//     hasLogin handshake and retry (plus one more rotated-cookie retry)
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfish/sellerbot/internal/config"
)

// TokenManager acquires and caches the realtime access token for one
// account session.
type TokenManager struct {
	cfg      config.PlatformConfig
	sess     Session
	mtop     *mtopClient
	httpc    *http.Client
	deviceID string

	mu          sync.Mutex
	token       string
	refreshedAt time.Time
}

// NewTokenManager builds a token manager bound to the account session.
func NewTokenManager(cfg config.PlatformConfig, sess Session, deviceID string) *TokenManager {
	return &TokenManager{
		cfg:      cfg,
		sess:     sess,
		mtop:     newMTOPClient(sess, cfg.SignAppKey),
		httpc:    &http.Client{Timeout: 20 * time.Second},
		deviceID: deviceID,
	}
}

// Token returns the cached token, or "" when none has been acquired yet
// or the refresh interval has elapsed since the last acquisition.
func (m *TokenManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || time.Since(m.refreshedAt) >= m.cfg.TokenRefreshInterval {
		return ""
	}
	return m.token
}

// tokenAttempt is the outcome of one signed token request.
type tokenAttempt struct {
	token   string
	rotated bool
	expired bool
	err     error
}

func (m *TokenManager) request(ctx context.Context) tokenAttempt {
	data := fmt.Sprintf(`{"appKey":%q,"deviceId":%q}`, m.cfg.AppKey, m.deviceID)
	resp, rotated, err := m.mtop.call(ctx, m.cfg.TokenURL, "mtop.taobao.idlemessage.pc.login.token", data)
	if err != nil {
		return tokenAttempt{rotated: rotated, err: err}
	}
	if resp.OK() {
		var payload struct {
			AccessToken string `json:"accessToken"`
		}
		if err := json.Unmarshal(resp.Data, &payload); err == nil && payload.AccessToken != "" {
			return tokenAttempt{token: payload.AccessToken, rotated: rotated}
		}
		return tokenAttempt{rotated: rotated, err: fmt.Errorf("token response carried no accessToken")}
	}
	return tokenAttempt{
		rotated: rotated,
		expired: resp.SessionExpired(),
		err:     fmt.Errorf("token request rejected: %s", resp.RetMessage()),
	}
}

// Refresh acquires a fresh access token, walking the recovery ladder
// described in the package comment. On success the token is cached and
// returned; on failure it returns "" and the last error.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	attempt := m.request(ctx)

	// Cookie rotation often invalidates the signature that was computed
	// with the old h5 token; one retry with fresh material usually lands.
	if attempt.token == "" && attempt.rotated {
		attempt = m.request(ctx)
	}

	if attempt.token == "" && attempt.expired {
		log.Info().Str("account_id", m.sess.AccountID).Msg("session expired, re-authenticating")
		if m.hasLogin(ctx) {
			attempt = m.request(ctx)
			if attempt.token == "" && attempt.rotated {
				attempt = m.request(ctx)
			}
		}
	}

	if attempt.token == "" {
		err := attempt.err
		if err == nil {
			err = ErrSessionExpired
		}
		log.Warn().Err(err).Str("account_id", m.sess.AccountID).Msg("token refresh failed")
		return "", err
	}

	m.mu.Lock()
	m.token = attempt.token
	m.refreshedAt = time.Now()
	m.mu.Unlock()

	log.Info().Str("account_id", m.sess.AccountID).Msg("token refreshed")
	return attempt.token, nil
}

// Invalidate drops the cached token so the next Token() call reports it
// missing. Used when the gateway rejects a registration.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}

// hasLogin runs the passport re-authentication handshake. Up to two
// attempts with a short pause between them; any Set-Cookie fields in the
// responses are merged into the session.
func (m *TokenManager) hasLogin(ctx context.Context) bool {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return false
			}
		}
		ok, err := m.hasLoginOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Str("account_id", m.sess.AccountID).Msg("hasLogin request failed")
			continue
		}
		if ok {
			log.Info().Str("account_id", m.sess.AccountID).Msg("hasLogin succeeded")
			return true
		}
	}
	return false
}

func (m *TokenManager) hasLoginOnce(ctx context.Context) (bool, error) {
	cookiesStr, err := m.sess.Cookies(ctx)
	if err != nil {
		return false, err
	}
	cookies := ParseCookies(cookiesStr)

	form := url.Values{
		"hid":             {cookies["unb"]},
		"ltl":             {"true"},
		"appName":         {"xianyu"},
		"appEntrance":     {"web"},
		"_csrf_token":     {cookies["XSRF-TOKEN"]},
		"umidToken":       {""},
		"hsiz":            {cookies["cookie2"]},
		"bizParams":       {"taobaoBizLoginFrom=web"},
		"mainPage":        {"false"},
		"isMobile":        {"false"},
		"lang":            {"zh_CN"},
		"returnUrl":       {""},
		"fromSite":        {"77"},
		"isIframe":        {"true"},
		"documentReferer": {mtopOrigin + "/"},
		"defaultView":     {"hasLogin"},
		"umidTag":         {"SERVER"},
		"deviceId":        {cookies["cna"]},
	}

	endpoint := strings.TrimRight(m.cfg.PassportURL, "/") + "/newlogin/hasLogin.do?appName=xianyu&fromSite=77"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", mtopOrigin)
	req.Header.Set("Referer", mtopOrigin+"/")
	req.Header.Set("User-Agent", mtopUserAgent)
	req.Header.Set("Cookie", cookiesStr)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	m.sess.UpdateFromResponse(ctx, resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	var out struct {
		Content struct {
			Success bool `json:"success"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, err
	}
	return out.Content.Success, nil
}

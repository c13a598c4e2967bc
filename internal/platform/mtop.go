// Package platform implements the marketplace connection layer. This
// file contains the signed mtop HTTP gateway client shared by the token
// manager and the connection's outbound operations. Every response is
// scanned for Set-Cookie rotation and merged into the account session
// before the body is interpreted.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	mtopOrigin    = "https://www.goofish.com"
	mtopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Session-expired markers the gateway uses in its ret codes.
var sessionExpiredMarkers = []string{"FAIL_SYS_SESSION_EXPIRED", "SESSION_EXPIRED"}

// mtopResponse is the generic envelope of the h5 gateway.
type mtopResponse struct {
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

// OK reports whether any ret code carries the SUCCESS marker.
func (r *mtopResponse) OK() bool {
	for _, s := range r.Ret {
		if strings.Contains(s, "SUCCESS") {
			return true
		}
	}
	return false
}

// RetMessage joins the ret codes for error reporting.
func (r *mtopResponse) RetMessage() string {
	if len(r.Ret) == 0 {
		return "unknown error"
	}
	return strings.Join(r.Ret, ", ")
}

// SessionExpired reports whether the ret codes signal an expired session.
func (r *mtopResponse) SessionExpired() bool {
	msg := r.RetMessage()
	for _, marker := range sessionExpiredMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// mtopClient issues signed POSTs against the h5 gateway for one account.
type mtopClient struct {
	httpc      *http.Client
	sess       Session
	signAppKey string
}

// newMTOPClient builds an mtop client with a bounded-timeout transport.
func newMTOPClient(sess Session, signAppKey string) *mtopClient {
	return &mtopClient{
		httpc:      &http.Client{Timeout: 20 * time.Second},
		sess:       sess,
		signAppKey: signAppKey,
	}
}

// call performs one signed mtop POST. endpoint is the full gateway URL,
// api the mtop api name, data the JSON payload string. It returns the
// parsed envelope and whether the response rotated any cookie fields.
// Transport errors and non-JSON bodies return an error; gateway-level
// failures are reported through the envelope's ret codes instead.
func (c *mtopClient) call(ctx context.Context, endpoint, api, data string) (*mtopResponse, bool, error) {
	cookies, err := c.sess.Cookies(ctx)
	if err != nil {
		return nil, false, err
	}

	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	sign := Sign(ts, c.sess.H5Token(ctx), c.signAppKey, data)

	q := url.Values{
		"jsv":           {"2.7.2"},
		"appKey":        {c.signAppKey},
		"t":             {ts},
		"sign":          {sign},
		"v":             {"1.0"},
		"type":          {"originaljson"},
		"accountSite":   {"xianyu"},
		"dataType":      {"json"},
		"timeout":       {"20000"},
		"api":           {api},
		"sessionOption": {"AutoLoginOnly"},
	}

	body := "data=" + url.QueryEscape(data)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+q.Encode(), strings.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", mtopOrigin)
	req.Header.Set("Referer", mtopOrigin+"/")
	req.Header.Set("User-Agent", mtopUserAgent)
	req.Header.Set("Cookie", cookies)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	rotated := c.sess.UpdateFromResponse(ctx, resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, rotated, err
	}
	var out mtopResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, rotated, fmt.Errorf("mtop %s: invalid response: %w", api, err)
	}
	return &out, rotated, nil
}

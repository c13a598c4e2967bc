package platform

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// frame is the realtime gateway's JSON envelope. Requests carry an lwp
// path; responses echo the request mid with a status code.
type frame struct {
	LWP     string         `json:"lwp,omitempty"`
	Code    int            `json:"code,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Body    any            `json:"body,omitempty"`
}

func (f *frame) mid() string {
	if f.Headers == nil {
		return ""
	}
	s, _ := f.Headers["mid"].(string)
	return s
}

func (f *frame) sid() string {
	if f.Headers == nil {
		return ""
	}
	s, _ := f.Headers["sid"].(string)
	return s
}

// registerFrame builds the handshake sent right after the transport
// opens. The gateway answers with a code-200 envelope echoing mid.
func registerFrame(appKey, token, deviceID string) frame {
	return frame{
		LWP: "/reg",
		Headers: map[string]any{
			"cache-header": "app-key token ua wv",
			"app-key":      appKey,
			"token":        token,
			"ua":           mtopUserAgent,
			"dt":           "j",
			"wv":           "im:3,au:3,sy:6",
			"sync":         "0,0;0;0;",
			"did":          deviceID,
			"mid":          Mid(),
		},
	}
}

// syncAckFrame acknowledges the registration and opens the message
// stream. Without it the gateway never pushes chat traffic.
func syncAckFrame() frame {
	body, _ := json.Marshal(map[string]any{
		"fetchInterval": 5000,
		"pipeline":      "sync",
		"tooLong2Tag":   "PCIM",
		"channel":       "sync",
		"topic":         "sync",
		"highPts":       0,
		"pts":           0,
		"seq":           0,
		"timestamp":     0,
	})
	return frame{
		LWP: "/r/SyncStatus/ackDiff",
		Headers: map[string]any{
			"mid": Mid(),
		},
		Body: []json.RawMessage{body},
	}
}

// heartbeatFrame is the periodic keepalive.
func heartbeatFrame() frame {
	return frame{
		LWP: "/!",
		Headers: map[string]any{
			"mid": Mid(),
		},
	}
}

// ackFrame answers a gateway request envelope so the server keeps the
// stream open. sid is echoed back only when the request carried one.
func ackFrame(mid, sid string) frame {
	headers := map[string]any{"mid": mid}
	if sid != "" {
		headers["sid"] = sid
	}
	return frame{Code: 200, Headers: headers}
}

// sendTextFrame builds an outbound chat message. The receiver scope is
// the two conversation participants; the text rides in the platform's
// custom contentType-101 payload, base64-wrapped.
func sendTextFrame(chatID, selfID, peerID, text string) frame {
	payload, _ := json.Marshal(map[string]any{
		"contentType": 101,
		"custom": map[string]any{
			"type": 1,
			"data": map[string]any{"text": text},
		},
	})
	body := map[string]any{
		"uuid":             MessageUUID(),
		"cid":              chatID + "@goofish",
		"conversationType": 1,
		"content": map[string]any{
			"contentType": 101,
			"custom": map[string]any{
				"type": 1,
				"data": base64.StdEncoding.EncodeToString(payload),
			},
		},
		"redPointPolicy":       0,
		"extension":            map[string]any{"extJson": "{}"},
		"ctx":                  map[string]any{"appVersion": "1.0", "platform": "web"},
		"mtags":                map[string]any{},
		"msgReadStatusSetting": 1,
	}
	return frame{
		LWP: "/r/MessageSend/sendByReceiverScope",
		Headers: map[string]any{
			"mid": Mid(),
		},
		Body: []any{
			body,
			map[string]any{
				"actualReceivers": []string{
					peerID + "@goofish",
					selfID + "@goofish",
				},
			},
		},
	}
}

// isSyncPush reports whether an inbound envelope carries sync traffic.
func isSyncPush(f *frame) bool {
	return f.LWP == "/s/sync" || strings.HasSuffix(f.LWP, "/s/sync")
}

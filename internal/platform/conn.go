package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/config"
	"github.com/openfish/sellerbot/internal/repo"
)

// State is the connection lifecycle phase. Transitions are linear on
// the happy path (Disconnected → Connecting → Registering → Syncing →
// Connected) with Reconnecting looping back to Connecting and Failed as
// the terminal giving-up state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateSyncing
	StateConnected
	StateReconnecting
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventHandler consumes chat events decoded off the stream. Handlers
// run on the read goroutine and must not block.
type EventHandler func(accountID string, ev *ChatEvent)

// Connection owns one account's realtime link: the websocket transport,
// its timers (heartbeat, token refresh, liveness), and the reconnect
// loop. Create with NewConnection, drive with Run, end with Stop.
type Connection struct {
	cfg       config.PlatformConfig
	db        *gorm.DB
	accountID string
	sess      Session
	tokens    *TokenManager
	mtop      *mtopClient
	log       zerolog.Logger
	handler   EventHandler

	selfID   string
	deviceID string

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	lastBeat time.Time // last successful heartbeat write
	failures int

	writeMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewConnection builds a connection for one account. It does not touch
// the network; Run does.
func NewConnection(cfg config.PlatformConfig, db *gorm.DB, accountID string, log zerolog.Logger, handler EventHandler) *Connection {
	sess := Session{DB: db, AccountID: accountID}
	return &Connection{
		cfg:       cfg,
		db:        db,
		accountID: accountID,
		sess:      sess,
		mtop:      newMTOPClient(sess, cfg.SignAppKey),
		log:       log.With().Str("account_id", accountID).Logger(),
		handler:   handler,
		state:     StateDisconnected,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	connState.WithLabelValues(c.accountID).Set(float64(s))
	c.log.Debug().Str("state", s.String()).Msg("connection state changed")
}

// Done is closed when Run has fully exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Stop ends the connection from any state. Idempotent; a stop never
// counts as a connection failure.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Connection) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Run drives the connect/serve/reconnect loop until Stop is called, the
// context ends, or the failure budget is exhausted. It blocks; the
// supervisor runs it on its own goroutine.
func (c *Connection) Run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	for {
		if c.stopped() || ctx.Err() != nil {
			return
		}

		err := c.serve(ctx)
		if c.stopped() || ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.failures++
		n := c.failures
		c.mu.Unlock()

		if err != nil {
			c.log.Warn().Err(err).Int("attempt", n).Msg("connection lost")
		}
		c.recordStatus(ctx, false, err)

		if c.cfg.MaxReconnectAttempts > 0 && n >= c.cfg.MaxReconnectAttempts {
			c.setState(StateFailed)
			c.log.Error().Int("attempts", n).Msg("reconnect budget exhausted, giving up")
			return
		}

		c.setState(StateReconnecting)
		connReconnects.WithLabelValues(c.accountID).Inc()
		delay := ReconnectDelay(n, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
		c.log.Info().Dur("delay", delay).Int("attempt", n).Msg("reconnecting")
		select {
		case <-time.After(delay):
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReconnectDelay is the backoff for the nth consecutive failure
// (n >= 1): base * 1.5^(n-1), capped at max.
func ReconnectDelay(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(n-1)))
	if d > max || d < 0 {
		d = max
	}
	return d
}

func (c *Connection) teardown() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	if c.state != StateFailed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.recordStatus(ctx, false, nil)
}

// serve performs one full connection attempt: credentials, dial,
// register, sync ack, then the read loop with timers. Returns when the
// transport dies or a timer demands a reconnect.
func (c *Connection) serve(ctx context.Context) error {
	c.setState(StateConnecting)

	userID, err := c.sess.UserID(ctx)
	if err != nil {
		return err
	}
	c.selfID = userID
	if c.deviceID == "" {
		c.deviceID = DeviceID(userID)
	}
	if c.tokens == nil {
		c.tokens = NewTokenManager(c.cfg, c.sess, c.deviceID)
	}

	token := c.tokens.Token()
	if token == "" {
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh access token: %w", err)
		}
		c.recordTokenRefresh(ctx)
	}

	cookies, err := c.sess.Cookies(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	header := http.Header{}
	header.Set("Cookie", cookies)
	header.Set("Origin", mtopOrigin)
	header.Set("User-Agent", mtopUserAgent)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	ws, _, err := dialer.DialContext(dialCtx, c.cfg.WebSocketURL, header)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.WebSocketURL, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.lastBeat = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	c.setState(StateRegistering)
	if err := c.write(registerFrame(c.cfg.AppKey, token, c.deviceID)); err != nil {
		return fmt.Errorf("send register frame: %w", err)
	}

	// The gateway answers registration with a code envelope; the first
	// response of any kind means the link is accepted.
	ws.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	var first frame
	if err := ws.ReadJSON(&first); err != nil {
		return fmt.Errorf("await register ack: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	c.setState(StateSyncing)
	if err := c.write(syncAckFrame()); err != nil {
		return fmt.Errorf("send sync ack: %w", err)
	}

	c.setState(StateConnected)
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	c.log.Info().Msg("connected to realtime gateway")
	c.recordStatus(ctx, true, nil)

	c.handleFrame(ctx, &first)
	return c.readLoop(ctx, ws)
}

// readLoop reads frames sequentially and runs the timers. Any returned
// error triggers a reconnect in Run.
func (c *Connection) readLoop(ctx context.Context, ws *websocket.Conn) error {
	frames := make(chan *frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- &f:
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	tokenTick := time.NewTicker(c.cfg.TokenRefreshInterval)
	defer tokenTick.Stop()
	liveness := time.NewTicker(c.cfg.LivenessInterval)
	defer liveness.Stop()

	for {
		select {
		case f := <-frames:
			c.handleFrame(ctx, f)

		case err := <-readErr:
			return err

		case <-heartbeat.C:
			if err := c.write(heartbeatFrame()); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			c.mu.Lock()
			c.lastBeat = time.Now()
			c.mu.Unlock()
			c.recordHeartbeat(ctx)

		case <-tokenTick.C:
			c.tokens.Invalidate()
			if _, err := c.tokens.Refresh(ctx); err != nil {
				// A fresh token only matters for the next register, so
				// a failed renewal on a live link is not fatal.
				c.log.Warn().Err(err).Msg("token refresh failed")
			} else {
				c.recordTokenRefresh(ctx)
			}

		case <-liveness.C:
			// A quiet stream is normal; what must not stall is the
			// heartbeat writer. Three missed beats mean the loop (or
			// the socket) is wedged.
			c.mu.Lock()
			silent := time.Since(c.lastBeat)
			c.mu.Unlock()
			if silent > 3*c.cfg.HeartbeatInterval {
				return fmt.Errorf("no heartbeat sent for %s, link presumed dead", silent.Round(time.Second))
			}

		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// handleFrame routes one inbound envelope: sync pushes carry chat
// payloads, other server requests are acknowledged and dropped, bare
// response envelopes need nothing.
func (c *Connection) handleFrame(ctx context.Context, f *frame) {
	if f.LWP == "" {
		return
	}

	if mid := f.mid(); mid != "" {
		if err := c.write(ackFrame(mid, f.sid())); err != nil {
			c.log.Warn().Err(err).Msg("ack write failed")
		}
	}

	if !isSyncPush(f) {
		return
	}

	for _, item := range syncItems(f.Body) {
		payload := DecodeSyncData(item)
		if payload == nil {
			continue
		}
		ev := ExtractChatEvent(payload, c.selfID)
		if ev == nil {
			continue
		}
		chatEvents.WithLabelValues(c.accountID).Inc()
		c.log.Debug().
			Str("chat_id", ev.ChatID).
			Str("sender_id", ev.SenderID).
			Str("order_id", ev.OrderID).
			Bool("order_status", ev.IsOrderStatus).
			Msg("chat event")
		if c.handler != nil {
			c.handler(c.accountID, ev)
		}
	}
}

// syncItems digs the base64 payload strings out of a sync push body.
func syncItems(body any) []string {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	var parsed struct {
		SyncPushPackage struct {
			Data []struct {
				Data string `json:"data"`
			} `json:"data"`
		} `json:"syncPushPackage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	items := make([]string, 0, len(parsed.SyncPushPackage.Data))
	for _, d := range parsed.SyncPushPackage.Data {
		if d.Data != "" {
			items = append(items, d.Data)
		}
	}
	return items
}

// write serializes one frame onto the transport. Writes from timers,
// the read path, and SendMessage are interleaved, so they lock.
func (c *Connection) write(f frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(f)
}

// SendMessage sends a text chat message to peerID in chatID. The
// connection must be in the Connected state.
func (c *Connection) SendMessage(ctx context.Context, chatID, peerID, text string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if err := c.write(sendTextFrame(chatID, c.selfID, peerID, text)); err != nil {
		return err
	}
	messagesSent.WithLabelValues(c.accountID).Inc()
	c.log.Info().Str("chat_id", chatID).Str("peer_id", peerID).Msg("message sent")
	return nil
}

// FetchOrderDetail retrieves the raw order detail document for orderID
// via the signed HTTP API.
func (c *Connection) FetchOrderDetail(ctx context.Context, orderID string) (map[string]any, error) {
	data := fmt.Sprintf(`{"tid":%q}`, orderID)
	resp, _, err := c.mtop.call(ctx, c.cfg.OrderDetailURL, "mtop.taobao.idle.trade.order.detail", data)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("order detail %s: %s", orderID, resp.RetMessage())
	}
	var detail map[string]any
	if err := json.Unmarshal(resp.Data, &detail); err != nil {
		return nil, fmt.Errorf("order detail %s: decode: %w", orderID, err)
	}
	return detail, nil
}

// ConfirmShipment marks orderID as shipped without a tracking number
// (virtual goods consignment).
func (c *Connection) ConfirmShipment(ctx context.Context, orderID string) error {
	data := fmt.Sprintf(`{"orderId":%q,"tradeText":"","picList":[],"newUnconsign":true}`, orderID)
	resp, _, err := c.mtop.call(ctx, c.cfg.ConsignURL, "mtop.taobao.idle.logistic.consign.dummy", data)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("confirm shipment %s: %s", orderID, resp.RetMessage())
	}
	c.log.Info().Str("order_id", orderID).Msg("shipment confirmed")
	return nil
}

// FreeShip marks a groupon order as free-shipping.
func (c *Connection) FreeShip(ctx context.Context, bizOrderID, itemID, buyerID string) error {
	data := fmt.Sprintf(`{"bizOrderId":%q,"itemId":%q,"buyerId":%q}`, bizOrderID, itemID, buyerID)
	resp, _, err := c.mtop.call(ctx, c.cfg.FreeShipURL, "mtop.taobao.idle.groupon.free.shipping", data)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("free shipping %s: %s", bizOrderID, resp.RetMessage())
	}
	c.log.Info().Str("order_id", bizOrderID).Msg("free shipping set")
	return nil
}

// SelfID returns the account's platform user id once known.
func (c *Connection) SelfID() string { return c.selfID }

func (c *Connection) recordStatus(ctx context.Context, connected bool, cause error) {
	upd := repo.AccountStatusUpdate{Connected: &connected}
	if cause != nil {
		msg := cause.Error()
		upd.ErrorMessage = &msg
	} else if connected {
		empty := ""
		upd.ErrorMessage = &empty
	}
	if err := repo.UpdateAccountStatus(ctx, c.db, c.accountID, upd); err != nil {
		c.log.Warn().Err(err).Msg("persist account status failed")
	}
}

func (c *Connection) recordHeartbeat(ctx context.Context) {
	now := time.Now()
	if err := repo.UpdateAccountStatus(ctx, c.db, c.accountID, repo.AccountStatusUpdate{LastHeartbeat: &now}); err != nil {
		c.log.Warn().Err(err).Msg("persist heartbeat failed")
	}
}

func (c *Connection) recordTokenRefresh(ctx context.Context) {
	now := time.Now()
	if err := repo.UpdateAccountStatus(ctx, c.db, c.accountID, repo.AccountStatusUpdate{LastTokenRefresh: &now}); err != nil {
		c.log.Warn().Err(err).Msg("persist token refresh failed")
	}
}

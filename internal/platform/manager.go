package platform

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/config"
	"github.com/openfish/sellerbot/internal/repo"
)

// Manager supervises one Connection per enabled account. All methods
// are safe for concurrent use; per-account operations are idempotent.
type Manager struct {
	cfg     config.PlatformConfig
	db      *gorm.DB
	log     zerolog.Logger
	handler EventHandler

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager builds an empty supervisor. handler receives every chat
// event from every managed connection.
func NewManager(cfg config.PlatformConfig, db *gorm.DB, log zerolog.Logger, handler EventHandler) *Manager {
	return &Manager{
		cfg:     cfg,
		db:      db,
		log:     log,
		handler: handler,
		conns:   make(map[string]*Connection),
	}
}

// StartAll starts a connection for every enabled account. One account's
// failure to start never prevents the others from starting; the first
// error is returned after all accounts were attempted.
func (m *Manager) StartAll(ctx context.Context) error {
	accounts, err := repo.ListEnabledAccounts(ctx, m.db)
	if err != nil {
		return err
	}
	var firstErr error
	for _, acct := range accounts {
		if err := m.Start(ctx, acct.ID); err != nil {
			m.log.Error().Err(err).Str("account_id", acct.ID).Msg("account start failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start launches the connection for accountID. Returns
// ErrAccountRunning when a live connection already exists.
func (m *Manager) Start(ctx context.Context, accountID string) error {
	acct, err := repo.GetAccount(ctx, m.db, accountID)
	if err != nil {
		return err
	}
	if acct.Cookies == "" {
		return ErrNoCookies
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[accountID]; ok {
		select {
		case <-existing.Done():
			// Exited on its own; replace it silently.
			delete(m.conns, accountID)
		default:
			return ErrAccountRunning
		}
	}

	conn := NewConnection(m.cfg, m.db, accountID, m.log, m.handler)
	m.conns[accountID] = conn
	go conn.Run(context.WithoutCancel(ctx))
	m.log.Info().Str("account_id", accountID).Msg("account connection started")
	return nil
}

// Stop ends the connection for accountID and waits for it to exit.
// Returns ErrAccountNotRunning when no connection exists.
func (m *Manager) Stop(ctx context.Context, accountID string) error {
	m.mu.Lock()
	conn, ok := m.conns[accountID]
	if ok {
		delete(m.conns, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrAccountNotRunning
	}

	conn.Stop()
	select {
	case <-conn.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info().Str("account_id", accountID).Msg("account connection stopped")
	return nil
}

// Restart stops the connection if it runs and starts a fresh one. Works
// from any state, including never-started.
func (m *Manager) Restart(ctx context.Context, accountID string) error {
	if err := m.Stop(ctx, accountID); err != nil && err != ErrAccountNotRunning {
		return err
	}
	return m.Start(ctx, accountID)
}

// Conn returns the live connection for accountID, or ErrNotConnected
// when the account has no connection in the Connected state.
func (m *Manager) Conn(accountID string) (*Connection, error) {
	m.mu.Lock()
	conn, ok := m.conns[accountID]
	m.mu.Unlock()
	if !ok || conn.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Status reports the lifecycle state per managed account. Connections
// that already exited are evicted rather than reported.
func (m *Manager) Status() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.conns))
	for id, conn := range m.conns {
		select {
		case <-conn.Done():
			delete(m.conns, id)
		default:
			out[id] = conn.State()
		}
	}
	return out
}

// ActiveCount is the number of connections currently in the Connected
// state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, conn := range m.conns {
		if conn.State() == StateConnected {
			n++
		}
	}
	return n
}

// StopAll ends every managed connection, waiting for each.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
		select {
		case <-conn.Done():
		case <-ctx.Done():
			return
		}
	}
}

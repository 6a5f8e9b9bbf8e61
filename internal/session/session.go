package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrConnection is returned when no session could be obtained: the bound
	// was reached or the endpoint refused us.
	ErrConnection = errors.New("connection error")
	// ErrClosed is returned by a closed manager and by a session that has
	// been released.
	ErrClosed = errors.New("session manager is closed")
)

// Policy decides what Acquire does once every slot is taken.
type Policy string

const (
	PolicyBlock  Policy = "block"
	PolicyReject Policy = "reject"
)

type Options struct {
	MaxSessions    int
	Policy         Policy
	AcquireTimeout time.Duration

	// ConnectAttempts and ConnectBackoff govern the reachability check
	// made by Open.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// Conn is a backend connection checked out of the underlying pool.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	// Release hands the connection back to the pool.
	Release()
	// Destroy closes the connection instead of returning it.
	Destroy(ctx context.Context)
}

type Connector interface {
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Close()
}

type Stats struct {
	InUse    int
	Max      int
	Acquired uint64
}

// Manager owns the connection pool for one endpoint and never hands out
// more than Options.MaxSessions sessions at a time.
type Manager struct {
	connector Connector
	opts      Options
	sem       *semaphore.Weighted

	mu       sync.Mutex
	live     map[uint64]*Session
	nextID   uint64
	acquired uint64
	closed   bool
}

func New(c Connector, opts Options) *Manager {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}
	return &Manager{
		connector: c,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxSessions)),
		live:      make(map[uint64]*Session),
	}
}

func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	if m.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.AcquireTimeout)
		defer cancel()
	}

	switch m.opts.Policy {
	case PolicyReject:
		if !m.sem.TryAcquire(1) {
			return nil, fmt.Errorf("%w: pool exhausted (%d sessions in use)", ErrConnection, m.opts.MaxSessions)
		}
	default:
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: pool exhausted (%d sessions in use): %w", ErrConnection, m.opts.MaxSessions, err)
		}
	}

	conn, err := m.connector.Acquire(ctx)
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Release()
		m.sem.Release(1)
		return nil, ErrClosed
	}
	m.nextID++
	m.acquired++
	s := &Session{id: m.nextID, conn: conn, mgr: m}
	m.live[s.id] = s
	m.mu.Unlock()

	return s, nil
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.connector.Ping(ctx)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		InUse:    len(m.live),
		Max:      m.opts.MaxSessions,
		Acquired: m.acquired,
	}
}

// Close force-releases every outstanding session and tears down the pool.
// Sessions still held by callers are unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	outstanding := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		outstanding = append(outstanding, s)
	}
	m.mu.Unlock()

	if len(outstanding) > 0 {
		slog.Warn("Force-releasing sessions on shutdown", "count", len(outstanding))
	}
	for _, s := range outstanding {
		s.once.Do(func() { m.release(s, true) })
	}

	m.connector.Close()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) release(s *Session, force bool) {
	m.mu.Lock()
	delete(m.live, s.id)
	m.mu.Unlock()

	// Waits for a call being issued on another goroutine to return.
	s.mu.Lock()
	s.released = true
	if force {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.conn.Destroy(ctx)
		cancel()
	} else {
		s.conn.Release()
	}
	s.mu.Unlock()

	m.sem.Release(1)
}

// Session is one checked-out connection. It must not be shared between
// goroutines.
type Session struct {
	id   uint64
	conn Conn
	mgr  *Manager
	once sync.Once

	mu       sync.RWMutex
	released bool
}

// Release returns the session to the manager. Calling it more than once is
// a no-op.
func (s *Session) Release() {
	s.once.Do(func() { s.mgr.release(s, false) })
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return errRow{ErrClosed}
	}
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil, ErrClosed
	}
	return s.conn.Query(ctx, sql, args...)
}

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return pgconn.CommandTag{}, ErrClosed
	}
	return s.conn.Exec(ctx, sql, args...)
}

func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil, ErrClosed
	}
	return s.conn.Begin(ctx)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

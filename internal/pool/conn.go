package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
)

// PooledConn wraps a reusable session with pooling metadata. The pool hands
// the wrapper to one client at a time; the session inside keeps its backend
// key across clients.
type PooledConn struct {
	id   string
	sess *session.Session

	mu            sync.Mutex
	createdAt     time.Time
	lastUsed      time.Time
	lastValidated time.Time
	inUse         bool
	usageCount    int64
	clientID      string
}

func newPooledConn() *PooledConn {
	now := time.Now()
	return &PooledConn{
		id:            uuid.NewString(),
		sess:          session.New(),
		createdAt:     now,
		lastUsed:      now,
		lastValidated: now,
	}
}

// ID returns the pool-wide identifier of this wrapper.
func (pc *PooledConn) ID() string { return pc.id }

// Session returns the wrapped session.
func (pc *PooledConn) Session() *session.Session { return pc.sess }

// CreatedAt returns when the wrapper was created.
func (pc *PooledConn) CreatedAt() time.Time { return pc.createdAt }

// Age is the time since the wrapper was created.
func (pc *PooledConn) Age() time.Duration { return time.Since(pc.createdAt) }

// LastUsed returns when the connection last changed hands.
func (pc *PooledConn) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// IdleFor is the time since the connection was last used.
func (pc *PooledConn) IdleFor() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.lastUsed)
}

// InUse reports whether a client currently holds the connection.
func (pc *PooledConn) InUse() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.inUse
}

// UsageCount returns how many times the connection has been handed out.
func (pc *PooledConn) UsageCount() int64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.usageCount
}

// ClientID returns the current holder, or "" when idle.
func (pc *PooledConn) ClientID() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.clientID
}

// markAcquired hands the connection to a client.
func (pc *PooledConn) markAcquired(clientID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.inUse = true
	pc.clientID = clientID
	pc.usageCount++
	pc.lastUsed = time.Now()
}

// markReleased returns the connection to the pool's custody.
func (pc *PooledConn) markReleased() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.inUse = false
	pc.clientID = ""
	pc.lastUsed = time.Now()
}

func (pc *PooledConn) markValidated() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.lastValidated = time.Now()
}

// heldBy reports whether the named client currently holds the connection.
func (pc *PooledConn) heldBy(clientID string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.inUse && pc.clientID == clientID
}

// ConnInfo is a point-in-time view of one pooled connection for the
// introspection endpoints.
type ConnInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
	InUse      bool      `json:"in_use"`
	UsageCount int64     `json:"usage_count"`
	ClientID   string    `json:"client_id,omitempty"`
}

// Info snapshots the connection's metadata.
func (pc *PooledConn) Info() ConnInfo {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return ConnInfo{
		ID:         pc.id,
		SessionID:  pc.sess.ID(),
		CreatedAt:  pc.createdAt,
		LastUsed:   pc.lastUsed,
		InUse:      pc.inUse,
		UsageCount: pc.usageCount,
		ClientID:   pc.clientID,
	}
}

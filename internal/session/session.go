// Package session holds the authoritative per-connection state: startup
// parameters, transaction status and savepoints, prepared statements,
// portals, listening channels and COPY mode. A session is mutated only by
// its own connection goroutine; the notification hub and the pool read it
// (and write frames through it) concurrently, so state is guarded by a
// mutex and socket writes by a separate write mutex.
package session

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TxStatus is the transaction state reported on every ReadyForQuery.
type TxStatus int

const (
	TxIdle TxStatus = iota
	TxInTransaction
	TxInFailedTransaction
)

// Byte returns the wire status byte: 'I', 'T' or 'E'.
func (s TxStatus) Byte() byte {
	switch s {
	case TxInTransaction:
		return 'T'
	case TxInFailedTransaction:
		return 'E'
	default:
		return 'I'
	}
}

func (s TxStatus) String() string {
	switch s {
	case TxInTransaction:
		return "in_transaction"
	case TxInFailedTransaction:
		return "failed_transaction"
	default:
		return "idle"
	}
}

// DefaultIsolationLevel matches PostgreSQL's default_transaction_isolation.
const DefaultIsolationLevel = "read committed"

// Savepoint is one entry of the session's savepoint stack.
type Savepoint struct {
	Name      string
	CreatedAt time.Time
}

// PreparedStatement is a parsed statement stored by Parse. The empty name
// is the unnamed statement, replaced by the next unnamed Parse.
type PreparedStatement struct {
	Name       string
	SQL        string
	ParamTypes []uint32
	CreatedAt  time.Time
}

// Portal is a bound, executable instance of a prepared statement. Suspended
// execution state survives between row-limited Execute messages.
type Portal struct {
	Name          string
	Statement     string
	SQL           string
	ParamFormats  []int16
	ParamValues   [][]byte
	ResultFormats []int16
	CreatedAt     time.Time
	Suspended     *PortalProgress
}

// PortalProgress tracks rows already streamed from a suspended portal.
type PortalProgress struct {
	Command string
	Rows    [][]*string
	Pos     int
}

// CopyState describes an in-progress COPY transfer.
type CopyState struct {
	Direction string // "in" or "out"
	Format    string // "text", "csv" or "binary"
	Table     string
	Columns   []string
	Options   map[string]string
	Rows      int
	StartedAt time.Time
}

// Session is the per-connection state container.
type Session struct {
	id string

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	authenticated bool
	protoVersion  uint32
	params        map[string]string

	backendPid    uint32
	backendSecret uint32

	txStatus    TxStatus
	isolation   string
	readOnly    bool
	deferrable  bool
	txStartedAt time.Time
	txDepth     int
	savepoints  []Savepoint

	prepared map[string]*PreparedStatement
	portals  map[string]*Portal
	channels map[string]struct{}
	copying  *CopyState

	connectedAt  time.Time
	lastActivity time.Time
	totalWritten int64

	// writeMu serializes socket writes between the connection goroutine
	// and notification fan-out so frames never interleave.
	writeMu sync.Mutex

	cancelOnce sync.Once
	cancelCh   chan struct{}
	closeOnce  sync.Once
	closed     bool
}

// New creates a detached session with a fresh backend key. A connection is
// attached later with Attach; pooled sessions are created unattached.
func New() *Session {
	now := time.Now()
	return &Session{
		id:            uuid.NewString(),
		params:        make(map[string]string),
		isolation:     DefaultIsolationLevel,
		prepared:      make(map[string]*PreparedStatement),
		portals:       make(map[string]*Portal),
		channels:      make(map[string]struct{}),
		backendPid:    randomKey(),
		backendSecret: randomKey(),
		connectedAt:   now,
		lastActivity:  now,
		cancelCh:      make(chan struct{}),
	}
}

// randomKey returns a non-zero positive int32 value.
func randomKey() uint32 {
	for {
		if v := rand.Uint32() & 0x7fffffff; v != 0 {
			return v
		}
	}
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// Attach binds the session to a live connection.
func (s *Session) Attach(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.connected = true
	s.connectedAt = time.Now()
	s.lastActivity = s.connectedAt
}

// Authenticate records a successful startup handshake.
func (s *Session) Authenticate(protoVersion uint32, params map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.protoVersion = protoVersion
	for k, v := range params {
		s.params[k] = v
	}
	s.lastActivity = time.Now()
}

// Authenticated reports whether startup completed.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Parameter returns a startup or injected parameter value.
func (s *Session) Parameter(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[name]
}

// SetParameter injects or overrides a session parameter.
func (s *Session) SetParameter(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[name] = value
}

// BackendPid returns the key-data process id.
func (s *Session) BackendPid() uint32 { return s.backendPid }

// BackendSecret returns the key-data secret.
func (s *Session) BackendSecret() uint32 { return s.backendSecret }

// Connected reports whether the socket is usable.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Touch updates the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent protocol activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ConnectedAt returns when the current connection attached.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// TotalWritten reports bytes written to the client.
func (s *Session) TotalWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalWritten
}

// WriteFrames writes the given frames as one contiguous sequence. Holding
// the write mutex across the batch keeps hub notifications from landing in
// the middle of a response group.
func (s *Session) WriteFrames(frames ...[]byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	ok := s.connected
	s.mu.Unlock()
	if !ok || conn == nil {
		return fmt.Errorf("session %s: not connected", s.id)
	}

	var written int64
	for _, f := range frames {
		n, err := conn.Write(f)
		written += int64(n)
		if err != nil {
			s.mu.Lock()
			s.connected = false
			s.totalWritten += written
			s.mu.Unlock()
			return fmt.Errorf("session %s: write: %w", s.id, err)
		}
	}

	s.mu.Lock()
	s.totalWritten += written
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// MarkDisconnected flags the socket as unusable without closing it.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

// RequestCancel fires the session's cancel hook. Canned queries complete
// synchronously so this is observable only through CancelRequested.
func (s *Session) RequestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// CancelRequested is closed once a matching cancel request arrives.
func (s *Session) CancelRequested() <-chan struct{} {
	return s.cancelCh
}

// Close shuts the socket down once. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.connected = false
		s.closed = true
		s.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Closed reports whether Close has run. A closed session is never reused.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info is a point-in-time snapshot for introspection endpoints.
type Info struct {
	ID            string    `json:"id"`
	BackendPid    uint32    `json:"backend_pid"`
	User          string    `json:"user,omitempty"`
	Database      string    `json:"database,omitempty"`
	Application   string    `json:"application_name,omitempty"`
	TxStatus      string    `json:"transaction_status"`
	Savepoints    int       `json:"savepoints"`
	Prepared      int       `json:"prepared_statements"`
	Portals       int       `json:"portals"`
	Channels      int       `json:"listening_channels"`
	InCopy        bool      `json:"in_copy"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	BytesWritten  int64     `json:"bytes_written"`
	Authenticated bool      `json:"authenticated"`
}

// Snapshot captures the session state for the admin API.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.id,
		BackendPid:    s.backendPid,
		User:          s.params["user"],
		Database:      s.params["database"],
		Application:   s.params["application_name"],
		TxStatus:      s.txStatus.String(),
		Savepoints:    len(s.savepoints),
		Prepared:      len(s.prepared),
		Portals:       len(s.portals),
		Channels:      len(s.channels),
		InCopy:        s.copying != nil,
		ConnectedAt:   s.connectedAt,
		LastActivity:  s.lastActivity,
		BytesWritten:  s.totalWritten,
		Authenticated: s.authenticated,
	}
}

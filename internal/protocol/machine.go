// Package protocol runs the PostgreSQL v3 frontend/backend conversation for
// one connection: startup negotiation, the simple and extended query
// protocols, and the COPY sub-protocol. The machine owns no cross-session
// state; everything shared lives in the hub and the stats sink.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/hub"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/query"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/stats"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// state identifies where the machine is in the protocol conversation.
type state int

const (
	stateStart state = iota
	stateStartupReceived
	stateAuthenticating // reserved for password flows
	stateReadyForQuery
	stateInSimpleQuery
	stateInExtendedBatch
	stateCopyIn
	stateCopyOut
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateStartupReceived:
		return "startup_received"
	case stateAuthenticating:
		return "authenticating"
	case stateReadyForQuery:
		return "ready_for_query"
	case stateInSimpleQuery:
		return "simple_query"
	case stateInExtendedBatch:
		return "extended_batch"
	case stateCopyIn:
		return "copy_in"
	case stateCopyOut:
		return "copy_out"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// maxNegotiationAttempts bounds the SSL/GSS refusal loop so a client that
// keeps re-requesting encryption cannot spin the startup phase forever.
const maxNegotiationAttempts = 3

// CancelFunc resolves a cancel-request handshake. It reports whether a
// session matched the (pid, secret) pair; cancellation itself is
// best-effort.
type CancelFunc func(pid, secret uint32) bool

// Config carries the machine's collaborators. Hub, Stats and Logger may be
// nil; Cancel may be nil when cancel requests should be ignored.
type Config struct {
	Dispatcher *query.Dispatcher
	Hub        *hub.Hub
	Stats      stats.Stats
	Logger     *slog.Logger
	Cancel     CancelFunc

	// StartupTimeout bounds the time between accept and a completed
	// startup handshake. Zero disables the deadline.
	StartupTimeout time.Duration
}

// Machine drives the protocol for a single connection. It is not safe for
// concurrent use; each connection gets its own machine on its own goroutine.
type Machine struct {
	conn           net.Conn
	reader         *wire.Reader
	sess           *session.Session
	queries        *query.Dispatcher
	hub            *hub.Hub
	stats          stats.Stats
	log            *slog.Logger
	cancel         CancelFunc
	startupTimeout time.Duration

	state      state
	skipToSync bool
}

// New builds a machine for one accepted connection. The session must already
// be attached to conn so frame writes and notification fan-out share the
// same write lock.
func New(conn net.Conn, sess *session.Session, cfg Config) *Machine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		conn:           conn,
		reader:         wire.NewReader(conn),
		sess:           sess,
		queries:        cfg.Dispatcher,
		hub:            cfg.Hub,
		stats:          stats.OrNop(cfg.Stats),
		log:            log,
		cancel:         cfg.Cancel,
		startupTimeout: cfg.StartupTimeout,
	}
}

// Run executes the conversation until the client terminates, the socket
// fails, or ctx is canceled. Cancellation closes the socket to unblock the
// read loop. The returned error is nil on clean disconnect.
func (m *Machine) Run(ctx context.Context) error {
	defer m.cleanup()
	stop := context.AfterFunc(ctx, func() { m.conn.Close() })
	defer stop()

	if m.startupTimeout > 0 {
		m.conn.SetReadDeadline(time.Now().Add(m.startupTimeout))
	}
	proceed, err := m.startup()
	if err != nil || !proceed {
		return err
	}
	if m.startupTimeout > 0 {
		if err := m.conn.SetReadDeadline(time.Time{}); err != nil {
			return fmt.Errorf("clearing startup deadline: %w", err)
		}
	}

	for {
		frame, err := m.reader.ReadFrame()
		if err != nil {
			return m.readFailed(err)
		}
		m.sess.Touch()
		m.stats.MessageProcessed(frame.Type)
		m.stats.DataTransferred(true, int64(len(frame.Payload))+5)

		switch frame.Type {
		case wire.MsgQuery:
			err = m.handleQuery(frame.Payload)
		case wire.MsgParse:
			err = m.handleParse(frame.Payload)
		case wire.MsgBind:
			err = m.handleBind(frame.Payload)
		case wire.MsgDescribe:
			err = m.handleDescribe(frame.Payload)
		case wire.MsgExecute:
			err = m.handleExecute(frame.Payload)
		case wire.MsgClose:
			err = m.handleClose(frame.Payload)
		case wire.MsgSync:
			err = m.handleSync()
		case wire.MsgFlush:
			// Writes are unbuffered; everything is already on the wire.
		case wire.MsgTerminate:
			m.log.Debug("client terminated", "session", m.sess.ID())
			return nil
		case wire.MsgCopyData, wire.MsgCopyDone, wire.MsgCopyFail:
			err = m.write(wire.ErrorResponse(pgerr.Protocol(
				"unexpected message type %q outside COPY mode", frame.Type)))
		default:
			m.log.Warn("unknown message type", "type", string(frame.Type), "session", m.sess.ID())
			err = m.write(wire.ErrorResponse(pgerr.Protocol(
				"unknown message type %q", frame.Type)))
		}
		if err != nil {
			return err
		}
	}
}

// readFailed classifies a frame-read error: peer disconnects end the session
// quietly, framing violations get a FATAL response before the close.
func (m *Machine) readFailed(err error) error {
	if isDisconnect(err) {
		m.log.Debug("client disconnected", "session", m.sess.ID())
		return nil
	}
	if errors.Is(err, wire.ErrMalformedLength) || errors.Is(err, wire.ErrFrameTooLarge) {
		m.write(wire.ErrorResponse(pgerr.Fatal(pgerr.CodeProtocolViolation,
			"invalid message length: %v", err)))
	}
	return fmt.Errorf("reading frame: %w", err)
}

// isDisconnect reports whether a read error means the peer or the server
// side shut the connection down.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// startup consumes untyped frames until a real startup packet arrives,
// refusing encryption requests and servicing cancel requests on the way.
// It reports whether the connection reached the authenticated loop.
func (m *Machine) startup() (bool, error) {
	for attempt := 0; attempt <= maxNegotiationAttempts; attempt++ {
		frame, err := m.reader.ReadStartupFrame()
		if err != nil {
			if isDisconnect(err) {
				return false, nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				m.write(wire.ErrorResponse(pgerr.Fatal(pgerr.CodeQueryCanceled,
					"canceling authentication due to timeout")))
				return false, nil
			}
			return false, fmt.Errorf("reading startup frame: %w", err)
		}
		cur := wire.NewCursor(frame.Payload)
		version, err := cur.Uint32()
		if err != nil {
			return false, fmt.Errorf("reading protocol version: %w", err)
		}

		switch version {
		case wire.SSLRequestCode, wire.GSSEncRequestCode:
			// No encryption support; the client retries in the clear.
			if err := m.write(wire.SSLRefusal()); err != nil {
				return false, err
			}
		case wire.CancelRequestCode:
			m.handleCancelRequest(cur)
			return false, nil
		case wire.ProtocolVersion:
			params, err := cur.ParameterMap()
			if err != nil {
				m.write(wire.ErrorResponse(pgerr.Fatal(pgerr.CodeProtocolViolation,
					"malformed startup packet: %v", err)))
				return false, nil
			}
			m.transition(stateStartupReceived)
			m.sess.Authenticate(version, params)
			m.log.Info("session started",
				"session", m.sess.ID(),
				"user", m.sess.Parameter("user"),
				"database", m.sess.Parameter("database"),
				"pid", m.sess.BackendPid())
			return true, m.sendStartupResponse()
		default:
			m.log.Warn("unsupported protocol version", "version", version)
			m.write(wire.ErrorResponse(pgerr.Fatal(pgerr.CodeFeatureNotSupported,
				"unsupported frontend protocol %d.%d: server supports %d.0 to %d.0",
				version>>16, version&0xffff,
				wire.ProtocolVersionMajor, wire.ProtocolVersionMajor)))
			return false, nil
		}
	}
	return false, errors.New("too many encryption negotiation attempts")
}

// handleCancelRequest resolves the (pid, secret) pair against the server's
// session registry. No response is ever sent on a cancel connection.
func (m *Machine) handleCancelRequest(cur *wire.Cursor) {
	pid, err := cur.Uint32()
	if err != nil {
		return
	}
	secret, err := cur.Uint32()
	if err != nil {
		return
	}
	if m.cancel == nil {
		return
	}
	if m.cancel(pid, secret) {
		m.log.Debug("cancel request matched", "pid", pid)
	} else {
		m.log.Debug("cancel request for unknown backend", "pid", pid)
	}
}

// startupParameter is one ParameterStatus entry; order on the wire is fixed.
type startupParameter struct {
	name, value string
}

func (m *Machine) startupParameters() []startupParameter {
	setting := func(name, fallback string) string {
		if v, ok := m.queries.Setting(name); ok {
			return v
		}
		return fallback
	}
	clientEncoding := m.sess.Parameter("client_encoding")
	if clientEncoding == "" {
		clientEncoding = setting("client_encoding", "UTF8")
	}
	user := m.sess.Parameter("user")
	if user == "" {
		user = "postgres"
	}
	return []startupParameter{
		{"server_version", setting("server_version", "13.0 (Mock)")},
		{"server_encoding", setting("server_encoding", "UTF8")},
		{"client_encoding", clientEncoding},
		{"application_name", m.sess.Parameter("application_name")},
		{"session_authorization", user},
		{"DateStyle", setting("datestyle", "ISO, MDY")},
		{"TimeZone", setting("timezone", "UTC")},
	}
}

// sendStartupResponse emits the authentication-success sequence:
// AuthenticationOk, the ParameterStatus set, BackendKeyData and the first
// ReadyForQuery.
func (m *Machine) sendStartupResponse() error {
	params := m.startupParameters()
	frames := make([][]byte, 0, len(params)+3)
	frames = append(frames, wire.AuthenticationOk())
	for _, p := range params {
		frames = append(frames, wire.ParameterStatus(p.name, p.value))
	}
	frames = append(frames,
		wire.BackendKeyData(m.sess.BackendPid(), m.sess.BackendSecret()),
		wire.ReadyForQuery(m.sess.TxStatusByte()),
	)
	m.transition(stateReadyForQuery)
	return m.write(frames...)
}

// handleQuery runs a simple-protocol batch: split on top-level semicolons,
// dispatch each statement, and finish with exactly one ReadyForQuery
// carrying the live transaction status.
func (m *Machine) handleQuery(payload []byte) error {
	m.transition(stateInSimpleQuery)
	defer m.transition(stateReadyForQuery)

	cur := wire.NewCursor(payload)
	sql, err := cur.CString()
	if err != nil {
		return m.write(
			wire.ErrorResponse(pgerr.Protocol("malformed Query message: %v", err)),
			wire.ReadyForQuery(m.sess.TxStatusByte()),
		)
	}

	statements := splitStatements(sql)
	if len(statements) == 0 {
		return m.write(wire.EmptyQueryResponse(), wire.ReadyForQuery(m.sess.TxStatusByte()))
	}

	for _, stmt := range statements {
		if err := m.runStatement(stmt); err != nil {
			var pe *pgerr.Error
			if !errors.As(err, &pe) {
				return err
			}
			// A failing statement aborts the rest of the batch. The
			// nested-BEGIN error is the one in-transaction error that
			// does not poison the transaction.
			if m.sess.TransactionStatus() == session.TxInTransaction &&
				pe.Code != pgerr.CodeActiveSQLTransaction {
				m.sess.FailTransaction()
			}
			if werr := m.write(wire.ErrorResponse(pe)); werr != nil {
				return werr
			}
			break
		}
	}
	return m.write(wire.ReadyForQuery(m.sess.TxStatusByte()))
}

// runStatement dispatches one statement and emits its result frames.
// *pgerr.Error return values are protocol-level statement failures still to
// be written; any other error is a dead socket.
func (m *Machine) runStatement(stmt string) error {
	start := time.Now()
	res, err := m.queries.Process(stmt, m.sess)
	command := commandWord(stmt)
	if res != nil && res.Command != "" {
		command = res.Command
	}
	m.stats.QueryExecuted(command, time.Since(start), err != nil)
	if err != nil {
		return err
	}

	switch {
	case res.Empty:
		return m.write(wire.EmptyQueryResponse())
	case res.CopyIn:
		return m.runCopyIn(res)
	case res.CopyOut:
		return m.runCopyOut(res)
	}

	frames := make([][]byte, 0, len(res.Rows)+2)
	if res.Columns != nil {
		frames = append(frames, wire.RowDescription(res.Columns))
		for _, row := range res.Rows {
			frames = append(frames, wire.DataRow(row))
		}
	}
	frames = append(frames, wire.CommandComplete(res.Tag()))
	return m.write(frames...)
}

// write sends frames over the session's shared write path and counts the
// outbound bytes.
func (m *Machine) write(frames ...[]byte) error {
	var n int64
	for _, f := range frames {
		n += int64(len(f))
	}
	m.stats.DataTransferred(false, n)
	return m.sess.WriteFrames(frames...)
}

func (m *Machine) transition(to state) {
	if m.state == to {
		return
	}
	m.stats.StateChanged(m.state.String(), to.String())
	m.state = to
}

// cleanup drops everything the connection registered in shared state. It
// runs exactly once, when Run returns.
func (m *Machine) cleanup() {
	m.transition(stateTerminated)
	if m.hub != nil {
		m.hub.RemoveAllForConnection(m.sess.ID())
	}
	m.sess.ExitCopyMode()
}

// splitStatements cuts a simple-protocol query string on semicolons,
// skipping string literals, quoted identifiers, dollar-quoted bodies and
// comments. Blank segments are dropped; a result of zero statements means
// the whole query was empty.
func splitStatements(sql string) []string {
	var out []string
	start, i := 0, 0
	for i < len(sql) {
		switch c := sql[i]; {
		case c == '\'':
			i = skipQuoted(sql, i, '\'')
		case c == '"':
			i = skipQuoted(sql, i, '"')
		case c == '$':
			i = skipDollarQuoted(sql, i)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i = skipBlockComment(sql, i)
		case c == ';':
			out = appendStatement(out, sql[start:i])
			i++
			start = i
		default:
			i++
		}
	}
	return appendStatement(out, sql[start:])
}

func appendStatement(list []string, stmt string) []string {
	if isBlank(stmt) {
		return list
	}
	return append(list, stmt)
}

// commandWord labels a statement for monitoring by its first word.
func commandWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return "EMPTY"
	}
	return strings.ToUpper(strings.TrimRight(fields[0], ";"))
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}

// skipQuoted advances past a quoted region opened at i. A doubled quote
// character is an escape, not a terminator.
func skipQuoted(sql string, i int, quote byte) int {
	i++
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// skipDollarQuoted advances past a $tag$ ... $tag$ body opened at i. A '$'
// that does not open a valid dollar-quote delimiter is consumed as a plain
// character.
func skipDollarQuoted(sql string, i int) int {
	j := i + 1
	for j < len(sql) && isTagByte(sql[j]) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return i + 1
	}
	delim := sql[i : j+1]
	body := j + 1
	end := indexFrom(sql, delim, body)
	if end < 0 {
		return len(sql)
	}
	return end + len(delim)
}

func isTagByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func indexFrom(s, substr string, from int) int {
	for i := from; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// skipBlockComment advances past a /* */ comment opened at i, honoring
// nesting.
func skipBlockComment(sql string, i int) int {
	depth := 0
	for i < len(sql) {
		if i+1 < len(sql) && sql[i] == '/' && sql[i+1] == '*' {
			depth++
			i += 2
			continue
		}
		if i+1 < len(sql) && sql[i] == '*' && sql[i+1] == '/' {
			depth--
			i += 2
			if depth == 0 {
				return i
			}
			continue
		}
		i++
	}
	return i
}

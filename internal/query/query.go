// Package query classifies SQL text by its first keyword and produces
// synthetic but structurally correct results. It owns the transaction
// status transitions triggered by transaction-control statements and
// delegates LISTEN/NOTIFY to the hub. It is not a SQL engine.
package query

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/hub"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// Result describes what the protocol layer should emit for one statement.
type Result struct {
	Command  string
	RowCount int
	Columns  []wire.Column
	Rows     [][]*string

	// Empty marks an empty query string: EmptyQueryResponse instead of
	// CommandComplete.
	Empty bool

	// COPY statements request a sub-protocol switch instead of rows.
	CopyIn  bool
	CopyOut bool
	Copy    *session.CopyState
}

// Tag renders the CommandComplete tag for the result.
func (r *Result) Tag() string {
	return wire.CommandTag(r.Command, r.RowCount)
}

// Dispatcher routes statements to handler families.
type Dispatcher struct {
	hub   *hub.Hub
	types *wire.TypeRegistry
	log   *slog.Logger

	mu       sync.RWMutex
	settings map[string]string
}

// defaultSettings are the canned SHOW values; configuration may override or
// extend them.
var defaultSettings = map[string]string{
	"server_version":                "13.0 (Mock)",
	"server_encoding":               "UTF8",
	"client_encoding":               "UTF8",
	"datestyle":                     "ISO, MDY",
	"timezone":                      "UTC",
	"integer_datetimes":             "on",
	"standard_conforming_strings":   "on",
	"is_superuser":                  "on",
	"max_connections":               "100",
	"default_transaction_isolation": session.DefaultIsolationLevel,
}

// New builds a dispatcher. settings overrides and extends the canned SHOW
// values; nil is fine.
func New(h *hub.Hub, types *wire.TypeRegistry, settings map[string]string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if types == nil {
		types = wire.NewTypeRegistry()
	}
	d := &Dispatcher{hub: h, types: types, log: log}
	d.UpdateSettings(settings)
	return d
}

// UpdateSettings swaps the SHOW overrides, for configuration reload.
func (d *Dispatcher) UpdateSettings(settings map[string]string) {
	merged := make(map[string]string, len(defaultSettings)+len(settings))
	for k, v := range defaultSettings {
		merged[k] = v
	}
	for k, v := range settings {
		merged[strings.ToLower(k)] = v
	}
	d.mu.Lock()
	d.settings = merged
	d.mu.Unlock()
}

// Setting resolves a canned or configured SHOW value.
func (d *Dispatcher) Setting(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.settings[strings.ToLower(name)]
	return v, ok
}

// Types exposes the registry for Describe and introspection.
func (d *Dispatcher) Types() *wire.TypeRegistry {
	return d.types
}

// Process classifies and executes one statement against the session.
// Errors are always *pgerr.Error values.
func (d *Dispatcher) Process(sql string, sess *session.Session) (*Result, error) {
	trimmed := strings.Trim(stripLeadingComments(strings.TrimSpace(sql)), "; \t\r\n")
	if trimmed == "" {
		return &Result{Empty: true}, nil
	}

	keyword, rest := splitKeyword(trimmed)

	// A failed transaction accepts only its terminators until it ends.
	if sess.TransactionStatus() == session.TxInFailedTransaction && !endsFailedTransaction(keyword) {
		return nil, pgerr.FailedTransaction()
	}

	switch keyword {
	case "SELECT":
		return d.handleSelect(trimmed, rest, sess)
	case "SHOW":
		return d.handleShow(rest, sess)
	case "BEGIN":
		return d.handleBegin(rest, sess)
	case "START":
		return d.handleStart(rest, sess)
	case "COMMIT", "END":
		return d.handleCommit(sess)
	case "ROLLBACK", "ABORT":
		return d.handleRollback(rest, sess)
	case "SAVEPOINT":
		return d.handleSavepoint(rest, sess)
	case "RELEASE":
		return d.handleRelease(rest, sess)
	case "LISTEN":
		return d.handleListen(rest, sess)
	case "UNLISTEN":
		return d.handleUnlisten(rest, sess)
	case "NOTIFY":
		return d.handleNotify(rest, sess)
	case "COPY":
		return d.handleCopy(rest)
	case "EXPLAIN":
		return d.handleExplain(rest, sess)
	case "INSERT":
		return &Result{Command: "INSERT", RowCount: 1}, nil
	case "UPDATE":
		return &Result{Command: "UPDATE", RowCount: 1}, nil
	case "DELETE":
		return &Result{Command: "DELETE", RowCount: 1}, nil
	case "CREATE", "DROP", "ALTER", "TRUNCATE":
		return d.handleDDL(keyword, rest)
	case "SET":
		return &Result{Command: "SET"}, nil
	case "RESET":
		return &Result{Command: "RESET"}, nil
	case "DEALLOCATE":
		return d.handleDeallocate(rest, sess)
	default:
		return nil, pgerr.Syntax("syntax error at or near %q", firstWord(trimmed)).WithPosition(1)
	}
}

// Describe reports the row shape a statement would produce without running
// its side effects. Statements that return no row data yield nil columns.
func (d *Dispatcher) Describe(sql string, sess *session.Session) ([]wire.Column, error) {
	trimmed := strings.Trim(stripLeadingComments(strings.TrimSpace(sql)), "; \t\r\n")
	if trimmed == "" {
		return nil, nil
	}

	keyword, rest := splitKeyword(trimmed)
	if sess.TransactionStatus() == session.TxInFailedTransaction && !endsFailedTransaction(keyword) {
		return nil, pgerr.FailedTransaction()
	}

	var (
		res *Result
		err error
	)
	switch keyword {
	case "SELECT":
		res, err = d.handleSelect(trimmed, rest, sess)
	case "SHOW":
		res, err = d.handleShow(rest, sess)
	case "EXPLAIN":
		res, err = d.handleExplain(rest, sess)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res.Columns, nil
}

// endsFailedTransaction reports whether the statement is allowed to run
// inside an aborted transaction: COMMIT/END, ROLLBACK/ABORT and
// ROLLBACK TO SAVEPOINT.
func endsFailedTransaction(keyword string) bool {
	switch keyword {
	case "COMMIT", "END", "ROLLBACK", "ABORT":
		return true
	}
	return false
}

// splitKeyword returns the upper-cased first word and the remainder.
func splitKeyword(sql string) (string, string) {
	i := 0
	for i < len(sql) && !isSpace(sql[i]) && sql[i] != ';' {
		i++
	}
	keyword := strings.ToUpper(sql[:i])
	rest := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql[i:]), ";"))
	return keyword, rest
}

func firstWord(sql string) string {
	word, _ := splitKeyword(sql)
	return strings.ToLower(word)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// stripLeadingComments removes -- and /* */ comments (and whitespace)
// before the first keyword. Block comments nest, as in PostgreSQL.
func stripLeadingComments(sql string) string {
	for {
		sql = strings.TrimSpace(sql)
		switch {
		case strings.HasPrefix(sql, "--"):
			nl := strings.IndexByte(sql, '\n')
			if nl < 0 {
				return ""
			}
			sql = sql[nl+1:]
		case strings.HasPrefix(sql, "/*"):
			rest, ok := skipBlockComment(sql)
			if !ok {
				return ""
			}
			sql = rest
		default:
			return sql
		}
	}
}

// skipBlockComment consumes one (possibly nested) block comment.
func skipBlockComment(sql string) (string, bool) {
	depth := 0
	i := 0
	for i < len(sql)-1 {
		switch {
		case sql[i] == '/' && sql[i+1] == '*':
			depth++
			i += 2
		case sql[i] == '*' && sql[i+1] == '/':
			depth--
			i += 2
			if depth == 0 {
				return sql[i:], true
			}
		default:
			i++
		}
	}
	return "", false
}

// normalize collapses whitespace and lowers the text for canned-query
// matching.
func normalize(sql string) string {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	return strings.ToLower(strings.Join(fields, " "))
}

// str is a row-literal convenience.
func str(v string) *string { return &v }

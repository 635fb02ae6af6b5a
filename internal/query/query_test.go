package query

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/hub"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

func testDispatcher(t *testing.T) (*Dispatcher, *hub.Hub) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(hub.Config{}, log, nil)
	t.Cleanup(h.Stop)
	return New(h, nil, nil, log), h
}

// sink is a net.Conn that records writes and discards reads.
type sink struct {
	mu     sync.Mutex
	closed bool
	data   []byte
}

func (c *sink) Read([]byte) (int, error) { return 0, io.EOF }

func (c *sink) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.data = append(c.data, p...)
	return len(p), nil
}

func (c *sink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *sink) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *sink) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *sink) SetDeadline(time.Time) error      { return nil }
func (c *sink) SetReadDeadline(time.Time) error  { return nil }
func (c *sink) SetWriteDeadline(time.Time) error { return nil }

func (c *sink) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data...)
}

func newTestSession(t *testing.T) (*session.Session, *sink) {
	t.Helper()
	conn := &sink{}
	sess := session.New()
	sess.Attach(conn)
	sess.Authenticate(wire.ProtocolVersion, map[string]string{
		"user":     "alice",
		"database": "testdb",
	})
	return sess, conn
}

func wantCode(t *testing.T, err error, code string) *pgerr.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with SQLSTATE %s, got nil", code)
	}
	var pe *pgerr.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *pgerr.Error, got %T: %v", err, err)
	}
	if pe.Code != code {
		t.Fatalf("SQLSTATE = %s, want %s (message %q)", pe.Code, code, pe.Message)
	}
	return pe
}

func mustProcess(t *testing.T, d *Dispatcher, sess *session.Session, sql string) *Result {
	t.Helper()
	res, err := d.Process(sql, sess)
	if err != nil {
		t.Fatalf("Process(%q): %v", sql, err)
	}
	return res
}

func TestProcessEmptyStatements(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	for _, sql := range []string{"", "   ", ";", "-- just a comment", "/* block */ "} {
		res := mustProcess(t, d, sess, sql)
		if !res.Empty {
			t.Errorf("Process(%q).Empty = false, want true", sql)
		}
	}

	res := mustProcess(t, d, sess, "/* leading */ SELECT 1")
	if res.Empty || res.Command != "SELECT" {
		t.Fatalf("comment-prefixed select: got %+v", res)
	}
}

func TestSelectCanned(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SELECT 1")
	if len(res.Columns) != 1 || res.Columns[0].Name != "?column?" {
		t.Fatalf("columns = %+v", res.Columns)
	}
	if res.Columns[0].TypeOID != wire.TypeInt4.OID || res.Columns[0].TypeSize != 4 {
		t.Fatalf("type oid/size = %d/%d, want 23/4", res.Columns[0].TypeOID, res.Columns[0].TypeSize)
	}
	if got := *res.Rows[0][0]; got != "1" {
		t.Fatalf("value = %q, want \"1\"", got)
	}
	if res.Tag() != "SELECT 1" {
		t.Fatalf("tag = %q", res.Tag())
	}

	res = mustProcess(t, d, sess, "select version()")
	if got := *res.Rows[0][0]; !strings.Contains(got, "PostgreSQL 13.0 (Mock)") {
		t.Fatalf("version = %q", got)
	}

	res = mustProcess(t, d, sess, "SELECT current_user")
	if got := *res.Rows[0][0]; got != "alice" {
		t.Fatalf("current_user = %q, want alice", got)
	}
	if res.Columns[0].TypeOID != wire.TypeName.OID {
		t.Fatalf("current_user type = %d, want name", res.Columns[0].TypeOID)
	}

	res = mustProcess(t, d, sess, "SELECT current_database()")
	if got := *res.Rows[0][0]; got != "testdb" {
		t.Fatalf("current_database = %q, want testdb", got)
	}

	res = mustProcess(t, d, sess, "SELECT now()")
	if res.Columns[0].Name != "now" || res.Columns[0].TypeOID != wire.TypeTimestamptz.OID {
		t.Fatalf("now() column = %+v", res.Columns[0])
	}
	if got := *res.Rows[0][0]; !strings.Contains(got, "-") {
		t.Fatalf("now() = %q", got)
	}
}

func TestSelectUnknownFunction(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	_, err := d.Process("SELECT flibber()", sess)
	pe := wantCode(t, err, pgerr.CodeUndefinedFunction)
	if !strings.Contains(pe.Message, "flibber") {
		t.Fatalf("message = %q", pe.Message)
	}
}

func TestSelectFallback(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SELECT a, b FROM whatever WHERE a = 1")
	if res.RowCount != 1 || len(res.Columns) != 1 || res.Columns[0].Name != "mock" {
		t.Fatalf("fallback result = %+v", res)
	}
}

func TestSelectArrays(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SELECT ARRAY[1, 2, 3]")
	if res.Columns[0].Name != "array" || res.Columns[0].TypeOID != wire.TypeText.ArrayOID {
		t.Fatalf("array column = %+v", res.Columns[0])
	}
	if got := *res.Rows[0][0]; got != "{1,2,3}" {
		t.Fatalf("array value = %q", got)
	}

	res = mustProcess(t, d, sess, "SELECT ARRAY[1, 2]::int4[]")
	if res.Columns[0].TypeOID != wire.TypeInt4.ArrayOID {
		t.Fatalf("cast array oid = %d, want %d", res.Columns[0].TypeOID, wire.TypeInt4.ArrayOID)
	}

	res = mustProcess(t, d, sess, "SELECT '{x,y}'::text[]")
	if got := *res.Rows[0][0]; got != "{x,y}" {
		t.Fatalf("literal value = %q", got)
	}

	res = mustProcess(t, d, sess, "SELECT ARRAY['a', 'b c']")
	if got := *res.Rows[0][0]; got != "{a,b c}" {
		t.Fatalf("quoted elements = %q", got)
	}

	_, err := d.Process("SELECT ARRAY[1]::floof[]", sess)
	wantCode(t, err, pgerr.CodeUndefinedObject)
}

func TestIntrospection(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SELECT * FROM information_schema.tables")
	if len(res.Columns) != 4 || res.Columns[0].Name != "table_catalog" {
		t.Fatalf("columns = %+v", res.Columns)
	}
	if res.RowCount == 0 {
		t.Fatal("expected canned table rows")
	}
	if got := *res.Rows[0][0]; got != "testdb" {
		t.Fatalf("table_catalog = %q, want testdb", got)
	}

	res = mustProcess(t, d, sess, "SELECT table_name FROM information_schema.tables")
	if len(res.Columns) != 1 || res.Columns[0].Name != "table_name" {
		t.Fatalf("projected columns = %+v", res.Columns)
	}
	if got := *res.Rows[0][0]; got != "mock_users" {
		t.Fatalf("first table = %q", got)
	}

	_, err := d.Process("SELECT flavor FROM information_schema.tables", sess)
	wantCode(t, err, pgerr.CodeUndefinedColumn)

	res = mustProcess(t, d, sess, "SELECT * FROM pg_tables")
	if res.Columns[0].Name != "schemaname" {
		t.Fatalf("pg_tables columns = %+v", res.Columns)
	}

	_, err = d.Process("SELECT * FROM pg_flibber", sess)
	wantCode(t, err, pgerr.CodeUndefinedTable)

	res = mustProcess(t, d, sess, "SELECT * FROM pg_catalog.pg_type")
	if res.RowCount < 20 {
		t.Fatalf("pg_type rows = %d, want the built-in catalog", res.RowCount)
	}
}

func TestIntrospectionCustomTypes(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	types := wire.NewTypeRegistry()
	if err := types.Register(wire.Type{Name: "mood", OID: 100001, Size: -1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := New(nil, types, nil, log)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SELECT typname FROM pg_type")
	found := false
	for _, row := range res.Rows {
		if *row[0] == "mood" {
			found = true
		}
	}
	if !found {
		t.Fatal("custom type missing from pg_type")
	}
}

func TestShow(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SHOW server_version")
	if got := *res.Rows[0][0]; got != "13.0 (Mock)" {
		t.Fatalf("server_version = %q", got)
	}
	if res.Columns[0].Name != "server_version" {
		t.Fatalf("column = %q", res.Columns[0].Name)
	}

	res = mustProcess(t, d, sess, "SHOW TimeZone")
	if got := *res.Rows[0][0]; got != "UTC" {
		t.Fatalf("timezone = %q", got)
	}

	_, err := d.Process("SHOW flux_capacitor", sess)
	wantCode(t, err, pgerr.CodeUndefinedObject)

	res = mustProcess(t, d, sess, "SHOW ALL")
	if len(res.Columns) != 3 || res.RowCount < 10 {
		t.Fatalf("SHOW ALL shape: %d columns, %d rows", len(res.Columns), res.RowCount)
	}

	mustProcess(t, d, sess, "BEGIN ISOLATION LEVEL SERIALIZABLE")
	res = mustProcess(t, d, sess, "SHOW transaction_isolation")
	if got := *res.Rows[0][0]; got != "serializable" {
		t.Fatalf("transaction_isolation = %q", got)
	}
}

func TestShowUsesConfiguredSettings(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(nil, nil, map[string]string{"server_version": "15.1 (Mock)"}, log)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "SHOW server_version")
	if got := *res.Rows[0][0]; got != "15.1 (Mock)" {
		t.Fatalf("override = %q", got)
	}
	res = mustProcess(t, d, sess, "SELECT version()")
	if got := *res.Rows[0][0]; !strings.Contains(got, "15.1 (Mock)") {
		t.Fatalf("version() = %q", got)
	}
}

func TestTransactionStatements(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "BEGIN")
	if res.Command != "BEGIN" || sess.TransactionStatus() != session.TxInTransaction {
		t.Fatalf("after BEGIN: %q, %v", res.Command, sess.TransactionStatus())
	}

	_, err := d.Process("BEGIN", sess)
	pe := wantCode(t, err, pgerr.CodeActiveSQLTransaction)
	if !strings.Contains(pe.Message, "Already in a transaction") {
		t.Fatalf("message = %q", pe.Message)
	}
	if sess.TransactionStatus() != session.TxInTransaction {
		t.Fatal("nested BEGIN must not abort the transaction")
	}
	if sess.TransactionDepth() != 2 {
		t.Fatalf("depth = %d, want 2", sess.TransactionDepth())
	}

	res = mustProcess(t, d, sess, "COMMIT")
	if res.Command != "COMMIT" || sess.TransactionStatus() != session.TxIdle {
		t.Fatalf("after COMMIT: %q, %v", res.Command, sess.TransactionStatus())
	}

	_, err = d.Process("COMMIT", sess)
	wantCode(t, err, pgerr.CodeNoActiveSQLTransaction)
	_, err = d.Process("ROLLBACK", sess)
	wantCode(t, err, pgerr.CodeNoActiveSQLTransaction)
}

func TestTransactionOptions(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "START TRANSACTION READ ONLY")
	if res.Command != "START TRANSACTION" {
		t.Fatalf("command = %q", res.Command)
	}
	if ro, _ := sess.TransactionFlags(); !ro {
		t.Fatal("expected read-only transaction")
	}
	mustProcess(t, d, sess, "ROLLBACK")

	mustProcess(t, d, sess, "BEGIN ISOLATION LEVEL REPEATABLE READ, DEFERRABLE")
	if got := sess.IsolationLevel(); got != "repeatable read" {
		t.Fatalf("isolation = %q", got)
	}
	if _, def := sess.TransactionFlags(); !def {
		t.Fatal("expected deferrable transaction")
	}
	mustProcess(t, d, sess, "ROLLBACK")

	_, err := d.Process("BEGIN FLIBBER", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)
	_, err = d.Process("BEGIN ISOLATION LEVEL SIDEWAYS", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)
	_, err = d.Process("START WORKING", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)
}

func TestFailedTransactionGating(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	mustProcess(t, d, sess, "BEGIN")
	if err := sess.FailTransaction(); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err := d.Process("SELECT 1", sess)
	wantCode(t, err, pgerr.CodeInFailedSQLTransaction)
	_, err = d.Process("INSERT INTO t VALUES (1)", sess)
	wantCode(t, err, pgerr.CodeInFailedSQLTransaction)

	res := mustProcess(t, d, sess, "COMMIT")
	if res.Command != "ROLLBACK" {
		t.Fatalf("COMMIT of failed transaction tagged %q, want ROLLBACK", res.Command)
	}
	if sess.TransactionStatus() != session.TxIdle {
		t.Fatalf("status = %v, want idle", sess.TransactionStatus())
	}
}

func TestSavepointStatements(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	_, err := d.Process("SAVEPOINT", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)

	_, err = d.Process("SAVEPOINT sp1", sess)
	wantCode(t, err, pgerr.CodeNoActiveSQLTransaction)

	mustProcess(t, d, sess, "BEGIN")
	mustProcess(t, d, sess, "SAVEPOINT sp1")

	_, err = d.Process("ROLLBACK TO SAVEPOINT nope", sess)
	wantCode(t, err, pgerr.CodeInvalidSavepointSpec)

	if err := sess.FailTransaction(); err != nil {
		t.Fatalf("fail: %v", err)
	}
	res := mustProcess(t, d, sess, "ROLLBACK TO SAVEPOINT sp1")
	if res.Command != "ROLLBACK" {
		t.Fatalf("command = %q", res.Command)
	}
	if sess.TransactionStatus() != session.TxInTransaction {
		t.Fatal("rollback to savepoint must recover a failed transaction")
	}
	if names := sess.SavepointNames(); len(names) != 1 || names[0] != "sp1" {
		t.Fatalf("savepoints = %v", names)
	}

	mustProcess(t, d, sess, "RELEASE SAVEPOINT sp1")
	if len(sess.SavepointNames()) != 0 {
		t.Fatalf("savepoints after release = %v", sess.SavepointNames())
	}

	res = mustProcess(t, d, sess, "COMMIT")
	if res.Command != "COMMIT" || sess.TransactionStatus() != session.TxIdle {
		t.Fatalf("after COMMIT: %q, %v", res.Command, sess.TransactionStatus())
	}
}

func TestSavepointQuotedNames(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	mustProcess(t, d, sess, "BEGIN")
	mustProcess(t, d, sess, `SAVEPOINT "Mixed"`)
	if names := sess.SavepointNames(); len(names) != 1 || names[0] != "Mixed" {
		t.Fatalf("savepoints = %v", names)
	}
	// Unquoted lookups fold, so MIXED misses the quoted name.
	_, err := d.Process("ROLLBACK TO MIXED", sess)
	wantCode(t, err, pgerr.CodeInvalidSavepointSpec)
	mustProcess(t, d, sess, `ROLLBACK TO "Mixed"`)
}

func TestListenNotify(t *testing.T) {
	d, h := testDispatcher(t)
	sessA, connA := newTestSession(t)
	sessB, _ := newTestSession(t)

	res := mustProcess(t, d, sessA, "LISTEN events")
	if res.Command != "LISTEN" || !sessA.IsListeningOn("events") {
		t.Fatalf("LISTEN result %+v, listening=%v", res, sessA.IsListeningOn("events"))
	}
	if !h.ListensTo(sessA.ID(), "events") {
		t.Fatal("hub does not know the listener")
	}

	res = mustProcess(t, d, sessB, "NOTIFY events, 'hello'")
	if res.Command != "NOTIFY" {
		t.Fatalf("NOTIFY command = %q", res.Command)
	}

	frame, n, err := wire.ParseFrame(connA.bytes())
	if err != nil || n == 0 {
		t.Fatalf("no notification frame delivered: %v", err)
	}
	if frame.Type != wire.MsgNotificationResponse {
		t.Fatalf("frame type = %c, want A", frame.Type)
	}
	cur := wire.NewCursor(frame.Payload)
	pid, _ := cur.Uint32()
	channel, _ := cur.CString()
	payload, _ := cur.CString()
	if pid != sessB.BackendPid() || channel != "events" || payload != "hello" {
		t.Fatalf("notification = (%d, %q, %q)", pid, channel, payload)
	}
}

func TestUnlisten(t *testing.T) {
	d, h := testDispatcher(t)
	sess, _ := newTestSession(t)

	for _, ch := range []string{"a", "b", "c"} {
		mustProcess(t, d, sess, "LISTEN "+ch)
	}
	mustProcess(t, d, sess, "UNLISTEN b")
	if sess.IsListeningOn("b") || h.ListensTo(sess.ID(), "b") {
		t.Fatal("UNLISTEN b did not remove the registration")
	}

	mustProcess(t, d, sess, "UNLISTEN *")
	if got := sess.ListeningChannels(); len(got) != 0 {
		t.Fatalf("channels after UNLISTEN * = %v", got)
	}
	for _, ch := range []string{"a", "c"} {
		if h.ListensTo(sess.ID(), ch) {
			t.Fatalf("hub still lists %s after UNLISTEN *", ch)
		}
	}

	// Unknown channels are fine on both sides.
	mustProcess(t, d, sess, "UNLISTEN ghost")
	res := mustProcess(t, d, sess, "NOTIFY ghost, 'x'")
	if res.Command != "NOTIFY" {
		t.Fatalf("NOTIFY unknown channel = %q", res.Command)
	}
}

func TestListenNotifyValidation(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	_, err := d.Process("LISTEN", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)

	_, err = d.Process(`LISTEN "my channel"`, sess)
	wantCode(t, err, pgerr.CodeSyntaxError)

	_, err = d.Process("NOTIFY events, hello", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)

	_, err = d.Process("NOTIFY events, '"+strings.Repeat("x", 8001)+"'", sess)
	wantCode(t, err, pgerr.CodeInvalidParameterValue)

	res := mustProcess(t, d, sess, "NOTIFY events, 'it''s'")
	if res.Command != "NOTIFY" {
		t.Fatalf("escaped payload result = %+v", res)
	}
}

func TestCopyStatements(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "COPY users FROM STDIN WITH (FORMAT csv)")
	if !res.CopyIn || res.CopyOut {
		t.Fatalf("direction flags = in:%v out:%v", res.CopyIn, res.CopyOut)
	}
	if res.Copy.Direction != "in" || res.Copy.Format != "csv" || res.Copy.Table != "users" {
		t.Fatalf("copy state = %+v", res.Copy)
	}

	res = mustProcess(t, d, sess, "COPY public.users (id, name) TO STDOUT")
	if !res.CopyOut || res.Copy.Format != "text" {
		t.Fatalf("copy out state = %+v", res.Copy)
	}
	if len(res.Copy.Columns) != 2 || res.Copy.Columns[0] != "id" {
		t.Fatalf("columns = %v", res.Copy.Columns)
	}
	if res.Copy.Table != "public.users" {
		t.Fatalf("table = %q", res.Copy.Table)
	}

	res = mustProcess(t, d, sess, "COPY t FROM STDIN WITH (DELIMITER '|', HEADER, NULL 'NIL')")
	if res.Copy.Options["delimiter"] != "|" || res.Copy.Options["header"] != "true" {
		t.Fatalf("options = %v", res.Copy.Options)
	}
	if res.Copy.Options["null"] != "NIL" {
		t.Fatalf("null option = %q", res.Copy.Options["null"])
	}

	_, err := d.Process("COPY users FROM '/tmp/users.csv'", sess)
	wantCode(t, err, pgerr.CodeFeatureNotSupported)
	_, err = d.Process("COPY users TO PROGRAM 'gzip'", sess)
	wantCode(t, err, pgerr.CodeFeatureNotSupported)
	_, err = d.Process("COPY users FROM STDIN WITH (FORMAT parquet)", sess)
	wantCode(t, err, pgerr.CodeInvalidParameterValue)
	_, err = d.Process("COPY users FROM STDIN WITH (COMPRESS on)", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)
}

func TestExplainText(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "EXPLAIN SELECT * FROM users")
	if res.Command != "EXPLAIN" || res.Columns[0].Name != "QUERY PLAN" {
		t.Fatalf("explain shape: %+v", res)
	}
	if got := *res.Rows[0][0]; !strings.HasPrefix(got, "Seq Scan on users") {
		t.Fatalf("plan = %q", got)
	}

	res = mustProcess(t, d, sess, "EXPLAIN SELECT * FROM users WHERE id > 1 ORDER BY name")
	text := planText(res)
	if !strings.Contains(text, "Sort") || !strings.Contains(text, "Sort Key: name") {
		t.Fatalf("plan missing sort:\n%s", text)
	}
	if !strings.Contains(text, "Filter: (id > 1)") {
		t.Fatalf("plan missing filter:\n%s", text)
	}

	res = mustProcess(t, d, sess, "EXPLAIN SELECT * FROM a JOIN b ON a.id = b.id")
	text = planText(res)
	if !strings.Contains(text, "Hash Join") || !strings.Contains(text, "Hash Cond: (a.id = b.id)") {
		t.Fatalf("plan missing join:\n%s", text)
	}
	if !strings.Contains(text, "Seq Scan on a") || !strings.Contains(text, "Seq Scan on b") {
		t.Fatalf("plan missing scans:\n%s", text)
	}

	res = mustProcess(t, d, sess, "EXPLAIN ANALYZE SELECT 1")
	text = planText(res)
	if !strings.Contains(text, "actual time=") || !strings.Contains(text, "Execution Time:") {
		t.Fatalf("analyze output missing timings:\n%s", text)
	}

	res = mustProcess(t, d, sess, "EXPLAIN (ANALYZE, COSTS off) SELECT 1")
	text = planText(res)
	if strings.Contains(text, "cost=") {
		t.Fatalf("costs off still prints costs:\n%s", text)
	}
	if !strings.Contains(text, "actual time=") {
		t.Fatalf("analyze option ignored:\n%s", text)
	}

	res = mustProcess(t, d, sess, "EXPLAIN INSERT INTO t VALUES (1)")
	if got := *res.Rows[0][0]; !strings.HasPrefix(got, "Insert on t") {
		t.Fatalf("insert plan = %q", got)
	}
}

func TestExplainStructuredFormats(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "EXPLAIN (FORMAT json) SELECT * FROM users")
	if res.RowCount != 1 {
		t.Fatalf("json format rows = %d, want 1", res.RowCount)
	}
	if res.Columns[0].TypeOID != wire.TypeJSON.OID {
		t.Fatalf("json column oid = %d", res.Columns[0].TypeOID)
	}
	var doc []map[string]any
	if err := json.Unmarshal([]byte(*res.Rows[0][0]), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	plan, ok := doc[0]["Plan"].(map[string]any)
	if !ok || plan["Node Type"] != "Seq Scan" {
		t.Fatalf("json plan = %v", doc)
	}

	res = mustProcess(t, d, sess, "EXPLAIN (FORMAT yaml) SELECT 1")
	if !strings.Contains(*res.Rows[0][0], "Node Type: Seq Scan") {
		t.Fatalf("yaml plan = %q", *res.Rows[0][0])
	}

	res = mustProcess(t, d, sess, "EXPLAIN (FORMAT xml) SELECT 1")
	if !strings.Contains(*res.Rows[0][0], "<Node-Type>Seq Scan</Node-Type>") {
		t.Fatalf("xml plan = %q", *res.Rows[0][0])
	}

	_, err := d.Process("EXPLAIN (FORMAT protobuf) SELECT 1", sess)
	wantCode(t, err, pgerr.CodeFeatureNotSupported)

	_, err = d.Process("EXPLAIN", sess)
	wantCode(t, err, pgerr.CodeSyntaxError)
}

func planText(res *Result) string {
	var b strings.Builder
	for _, row := range res.Rows {
		b.WriteString(*row[0])
		b.WriteByte('\n')
	}
	return b.String()
}

func TestWriteStatements(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	res := mustProcess(t, d, sess, "INSERT INTO t (a) VALUES (1)")
	if res.Tag() != "INSERT 0 1" {
		t.Fatalf("insert tag = %q", res.Tag())
	}
	res = mustProcess(t, d, sess, "UPDATE t SET a = 2")
	if res.Tag() != "UPDATE 1" {
		t.Fatalf("update tag = %q", res.Tag())
	}
	res = mustProcess(t, d, sess, "DELETE FROM t")
	if res.Tag() != "DELETE 1" {
		t.Fatalf("delete tag = %q", res.Tag())
	}
}

func TestDDLTags(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	cases := []struct {
		sql, tag string
	}{
		{"CREATE TABLE t (id int)", "CREATE TABLE"},
		{"CREATE UNIQUE INDEX idx ON t (id)", "CREATE INDEX"},
		{"CREATE OR REPLACE FUNCTION f() RETURNS void", "CREATE FUNCTION"},
		{"CREATE MATERIALIZED VIEW mv AS SELECT 1", "CREATE MATERIALIZED VIEW"},
		{"DROP TABLE IF EXISTS t", "DROP TABLE"},
		{"ALTER TABLE t ADD COLUMN b int", "ALTER TABLE"},
		{"TRUNCATE t", "TRUNCATE TABLE"},
		{"SET search_path = public", "SET"},
		{"RESET search_path", "RESET"},
	}
	for _, tc := range cases {
		res := mustProcess(t, d, sess, tc.sql)
		if res.Tag() != tc.tag {
			t.Errorf("Process(%q).Tag() = %q, want %q", tc.sql, res.Tag(), tc.tag)
		}
	}
}

func TestDeallocate(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	sess.AddPreparedStatement(&session.PreparedStatement{Name: "q1", SQL: "SELECT 1"})
	res := mustProcess(t, d, sess, "DEALLOCATE q1")
	if res.Command != "DEALLOCATE" || sess.PreparedStatementCount() != 0 {
		t.Fatalf("deallocate: %+v, count %d", res, sess.PreparedStatementCount())
	}

	_, err := d.Process("DEALLOCATE missing", sess)
	wantCode(t, err, pgerr.CodeInvalidStatementName)

	sess.AddPreparedStatement(&session.PreparedStatement{Name: "a"})
	sess.AddPreparedStatement(&session.PreparedStatement{Name: "b"})
	res = mustProcess(t, d, sess, "DEALLOCATE ALL")
	if res.Command != "DEALLOCATE ALL" || sess.PreparedStatementCount() != 0 {
		t.Fatalf("deallocate all: %+v, count %d", res, sess.PreparedStatementCount())
	}
}

func TestUnparseableStatement(t *testing.T) {
	d, _ := testDispatcher(t)
	sess, _ := newTestSession(t)

	_, err := d.Process("FLIBBER the widgets", sess)
	pe := wantCode(t, err, pgerr.CodeSyntaxError)
	if pe.Position != 1 {
		t.Fatalf("position = %d, want 1", pe.Position)
	}
	if !strings.Contains(pe.Message, "flibber") {
		t.Fatalf("message = %q", pe.Message)
	}
}

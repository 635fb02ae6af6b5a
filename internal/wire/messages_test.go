package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
)

// mustReceive decodes the next backend message with the canonical client
// codec, which keeps the builders honest about field layout.
func mustReceive(t *testing.T, fe *pgproto3.Frontend) pgproto3.BackendMessage {
	t.Helper()
	msg, err := fe.Receive()
	if err != nil {
		t.Fatalf("reference client rejected message: %v", err)
	}
	return msg
}

func TestStartupMessagesDecode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(AuthenticationOk())
	buf.Write(ParameterStatus("server_version", "13.0 (Mock)"))
	buf.Write(BackendKeyData(1234, 5678))
	buf.Write(ReadyForQuery(TxStatusIdle))

	fe := pgproto3.NewFrontend(&buf, io.Discard)
	if _, ok := mustReceive(t, fe).(*pgproto3.AuthenticationOk); !ok {
		t.Fatal("expected AuthenticationOk")
	}
	ps, ok := mustReceive(t, fe).(*pgproto3.ParameterStatus)
	if !ok || ps.Name != "server_version" || ps.Value != "13.0 (Mock)" {
		t.Fatalf("parameter status = %+v", ps)
	}
	kd, ok := mustReceive(t, fe).(*pgproto3.BackendKeyData)
	if !ok || kd.ProcessID != 1234 || kd.SecretKey != 5678 {
		t.Fatalf("key data = %+v", kd)
	}
	rfq, ok := mustReceive(t, fe).(*pgproto3.ReadyForQuery)
	if !ok || rfq.TxStatus != 'I' {
		t.Fatalf("ready for query = %+v", rfq)
	}
}

func TestRowMessagesDecode(t *testing.T) {
	one := "1"
	var buf bytes.Buffer
	buf.Write(RowDescription([]Column{Col("?column?", TypeInt4)}))
	buf.Write(DataRow([]*string{&one}))
	buf.Write(DataRow([]*string{nil}))
	buf.Write(CommandComplete("SELECT 2"))

	fe := pgproto3.NewFrontend(&buf, io.Discard)
	rd, ok := mustReceive(t, fe).(*pgproto3.RowDescription)
	if !ok || len(rd.Fields) != 1 {
		t.Fatalf("row description = %+v", rd)
	}
	f := rd.Fields[0]
	if string(f.Name) != "?column?" || f.DataTypeOID != TypeInt4.OID || f.DataTypeSize != 4 {
		t.Fatalf("field = %+v", f)
	}
	dr, ok := mustReceive(t, fe).(*pgproto3.DataRow)
	if !ok || string(dr.Values[0]) != "1" {
		t.Fatalf("data row = %+v", dr)
	}
	null, ok := mustReceive(t, fe).(*pgproto3.DataRow)
	if !ok || null.Values[0] != nil {
		t.Fatalf("null row = %+v", null)
	}
	cc, ok := mustReceive(t, fe).(*pgproto3.CommandComplete)
	if !ok || string(cc.CommandTag) != "SELECT 2" {
		t.Fatalf("command complete = %+v", cc)
	}
}

func TestErrorResponseDecode(t *testing.T) {
	e := pgerr.Syntax("syntax error at or near %q", "FORM").WithPosition(8).WithHint("check spelling")
	var buf bytes.Buffer
	buf.Write(ErrorResponse(e))

	fe := pgproto3.NewFrontend(&buf, io.Discard)
	er, ok := mustReceive(t, fe).(*pgproto3.ErrorResponse)
	if !ok {
		t.Fatal("expected ErrorResponse")
	}
	if er.Severity != "ERROR" || er.Code != pgerr.CodeSyntaxError {
		t.Fatalf("severity/code = %s/%s", er.Severity, er.Code)
	}
	if er.Position != 8 || er.Hint != "check spelling" {
		t.Fatalf("position/hint = %d/%q", er.Position, er.Hint)
	}
}

func TestNotificationAndCopyDecode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(NotificationResponse(4242, "events", "hello"))
	buf.Write(CopyInResponse(0, []int16{0, 0, 0}))
	buf.Write(CopyData([]byte("a,b,c\n")))
	buf.Write(CopyDone())

	fe := pgproto3.NewFrontend(&buf, io.Discard)
	n, ok := mustReceive(t, fe).(*pgproto3.NotificationResponse)
	if !ok || n.PID != 4242 || n.Channel != "events" || n.Payload != "hello" {
		t.Fatalf("notification = %+v", n)
	}
	ci, ok := mustReceive(t, fe).(*pgproto3.CopyInResponse)
	if !ok || ci.OverallFormat != 0 || len(ci.ColumnFormatCodes) != 3 {
		t.Fatalf("copy in response = %+v", ci)
	}
	cd, ok := mustReceive(t, fe).(*pgproto3.CopyData)
	if !ok || string(cd.Data) != "a,b,c\n" {
		t.Fatalf("copy data = %+v", cd)
	}
	if _, ok := mustReceive(t, fe).(*pgproto3.CopyDone); !ok {
		t.Fatal("expected CopyDone")
	}
}

func TestExtendedProtocolAcksDecode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(ParseComplete())
	buf.Write(BindComplete())
	buf.Write(ParameterDescription([]uint32{TypeInt4.OID, TypeText.OID}))
	buf.Write(NoData())
	buf.Write(PortalSuspended())
	buf.Write(CloseComplete())
	buf.Write(EmptyQueryResponse())

	fe := pgproto3.NewFrontend(&buf, io.Discard)
	if _, ok := mustReceive(t, fe).(*pgproto3.ParseComplete); !ok {
		t.Fatal("expected ParseComplete")
	}
	if _, ok := mustReceive(t, fe).(*pgproto3.BindComplete); !ok {
		t.Fatal("expected BindComplete")
	}
	pd, ok := mustReceive(t, fe).(*pgproto3.ParameterDescription)
	if !ok || len(pd.ParameterOIDs) != 2 || pd.ParameterOIDs[1] != TypeText.OID {
		t.Fatalf("parameter description = %+v", pd)
	}
	if _, ok := mustReceive(t, fe).(*pgproto3.NoData); !ok {
		t.Fatal("expected NoData")
	}
	if _, ok := mustReceive(t, fe).(*pgproto3.PortalSuspended); !ok {
		t.Fatal("expected PortalSuspended")
	}
	if _, ok := mustReceive(t, fe).(*pgproto3.CloseComplete); !ok {
		t.Fatal("expected CloseComplete")
	}
	if _, ok := mustReceive(t, fe).(*pgproto3.EmptyQueryResponse); !ok {
		t.Fatal("expected EmptyQueryResponse")
	}
}

func TestCommandTag(t *testing.T) {
	cases := []struct {
		command string
		rows    int
		want    string
	}{
		{"INSERT", 3, "INSERT 0 3"},
		{"UPDATE", 1, "UPDATE 1"},
		{"DELETE", 0, "DELETE 0"},
		{"SELECT", 42, "SELECT 42"},
		{"COPY", 5, "COPY 5"},
		{"BEGIN", 0, "BEGIN"},
		{"LISTEN", 0, "LISTEN"},
		{"CREATE TABLE", 0, "CREATE TABLE"},
	}
	for _, c := range cases {
		if got := CommandTag(c.command, c.rows); got != c.want {
			t.Errorf("CommandTag(%q, %d) = %q, want %q", c.command, c.rows, got, c.want)
		}
	}
}

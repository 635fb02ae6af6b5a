package session

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestReusabilityContract(t *testing.T) {
	s := New()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	s.Attach(server)

	if s.IsReusable() {
		t.Fatal("unauthenticated session reported reusable")
	}
	s.Authenticate(196608, map[string]string{"user": "postgres"})
	if !s.IsReusable() {
		t.Fatal("clean authenticated session not reusable")
	}

	s.BeginTransaction(TxOptions{})
	if s.IsReusable() {
		t.Fatal("in-transaction session reported reusable")
	}
	s.RollbackTransaction()

	s.AddPreparedStatement(&PreparedStatement{Name: "s1", SQL: "SELECT 1"})
	if s.IsReusable() {
		t.Fatal("session with prepared statement reported reusable")
	}
	s.RemovePreparedStatement("s1")

	s.AddListeningChannel("Events")
	if s.IsReusable() {
		t.Fatal("listening session reported reusable")
	}
	s.ClearListeningChannels()

	if !s.IsReusable() {
		t.Fatal("cleaned session not reusable")
	}

	s.MarkDisconnected()
	if s.IsReusable() {
		t.Fatal("disconnected session reported reusable")
	}
}

func TestResetForReuse(t *testing.T) {
	s := New()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	s.Attach(server)
	s.Authenticate(196608, nil)

	s.BeginTransaction(TxOptions{Isolation: "serializable"})
	s.CreateSavepoint("sp")
	s.AddPreparedStatement(&PreparedStatement{Name: "", SQL: "SELECT 1"})
	s.AddPortal(&Portal{Name: "p1", SQL: "SELECT 1"})
	s.AddListeningChannel("events")
	s.EnterCopyMode(&CopyState{Direction: "in", Format: "csv", Table: "users"})

	if err := s.ResetForReuse(); err != nil {
		t.Fatal(err)
	}
	if s.TransactionStatus() != TxIdle || len(s.Savepoints()) != 0 {
		t.Fatal("transaction state survived reset")
	}
	if s.PreparedStatementCount() != 0 || s.PortalCount() != 0 {
		t.Fatal("statements or portals survived reset")
	}
	if len(s.ListeningChannels()) != 0 || s.IsInCopyMode() {
		t.Fatal("channels or copy state survived reset")
	}
	if !s.IsReusable() {
		t.Fatal("session not reusable after reset")
	}

	s.MarkDisconnected()
	if err := s.ResetForReuse(); err == nil {
		t.Fatal("reset of disconnected session succeeded")
	}
}

func TestUnnamedStatementReplacement(t *testing.T) {
	s := New()
	s.AddPreparedStatement(&PreparedStatement{Name: "", SQL: "SELECT 1"})
	s.AddPreparedStatement(&PreparedStatement{Name: "", SQL: "SELECT 2"})
	ps, ok := s.PreparedStatement("")
	if !ok || ps.SQL != "SELECT 2" {
		t.Fatalf("unnamed statement = %+v", ps)
	}
	if s.PreparedStatementCount() != 1 {
		t.Fatalf("count = %d, want 1", s.PreparedStatementCount())
	}
}

func TestChannelCaseFolding(t *testing.T) {
	s := New()
	s.AddListeningChannel("Events")
	if !s.IsListeningOn("EVENTS") || !s.IsListeningOn("events") {
		t.Fatal("channel lookup not case folded")
	}
	chs := s.ListeningChannels()
	if len(chs) != 1 || chs[0] != "events" {
		t.Fatalf("channels = %v", chs)
	}
	s.RemoveListeningChannel("eVeNtS")
	if s.IsListeningOn("events") {
		t.Fatal("remove not case folded")
	}
}

func TestWriteFramesKeepsBatchContiguous(t *testing.T) {
	s := New()
	client, server := net.Pipe()
	defer client.Close()
	s.Attach(server)

	want := []byte("frame-1frame-2frame-3")
	done := make(chan error, 1)
	go func() {
		done <- s.WriteFrames([]byte("frame-1"), []byte("frame-2"), []byte("frame-3"))
	}()

	got := make([]byte, len(want))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(client, got); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("wrote %q, want %q", got, want)
	}
	if s.TotalWritten() != int64(len(want)) {
		t.Fatalf("TotalWritten = %d, want %d", s.TotalWritten(), len(want))
	}
}

func TestWriteAfterPeerCloseMarksDisconnected(t *testing.T) {
	s := New()
	client, server := net.Pipe()
	s.Attach(server)
	client.Close()

	if err := s.WriteFrames([]byte("data")); err == nil {
		t.Fatal("write to closed peer succeeded")
	}
	if s.Connected() {
		t.Fatal("session still marked connected after write failure")
	}
}

func TestBackendKeyGeneration(t *testing.T) {
	a, b := New(), New()
	if a.BackendPid() == 0 || a.BackendSecret() == 0 {
		t.Fatal("zero backend key")
	}
	if a.BackendPid() == b.BackendPid() && a.BackendSecret() == b.BackendSecret() {
		t.Fatal("two sessions share a backend key")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

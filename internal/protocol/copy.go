package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/query"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// defaultCopyColumns is the column count advertised when the COPY statement
// names none; the mock has no table metadata to consult.
const defaultCopyColumns = 3

// copyOutRows is the synthetic data set streamed by COPY ... TO STDOUT.
var copyOutRows = [][]string{
	{"1", "alice", "alice@example.com"},
	{"2", "bob", "bob@example.com"},
	{"3", "carol", "carol@example.com"},
}

// runCopyIn switches the connection into COPY-in mode and consumes the
// inbound stream until CopyDone or CopyFail. CopyDone completes the command;
// CopyFail surfaces as a *pgerr.Error for the caller to write.
func (m *Machine) runCopyIn(res *query.Result) error {
	m.sess.EnterCopyMode(res.Copy)
	prev := m.state
	m.transition(stateCopyIn)
	defer m.transition(prev)

	format := copyFormatByte(res.Copy)
	if err := m.write(wire.CopyInResponse(format, copyColumnFormats(res.Copy, format))); err != nil {
		m.sess.ExitCopyMode()
		return err
	}

	for {
		frame, err := m.reader.ReadFrame()
		if err != nil {
			m.sess.ExitCopyMode()
			return fmt.Errorf("reading COPY stream: %w", err)
		}
		m.sess.Touch()
		m.stats.MessageProcessed(frame.Type)
		m.stats.DataTransferred(true, int64(len(frame.Payload))+5)

		switch frame.Type {
		case wire.MsgCopyData:
			m.sess.AddCopyRows(countCopyRows(frame.Payload, res.Copy))
		case wire.MsgCopyDone:
			rows := m.sess.ExitCopyMode()
			m.log.Debug("copy in finished", "session", m.sess.ID(), "rows", rows)
			return m.write(wire.CommandComplete(wire.CommandTag("COPY", rows)))
		case wire.MsgCopyFail:
			m.sess.ExitCopyMode()
			return pgerr.New(pgerr.CodeQueryCanceled,
				"COPY from stdin failed: %s", copyFailReason(frame.Payload))
		case wire.MsgFlush, wire.MsgSync:
			// Legal mid-COPY; nothing is buffered, so nothing to do.
		default:
			m.sess.ExitCopyMode()
			return pgerr.Protocol("unexpected message type %q during COPY from stdin", frame.Type)
		}
	}
}

// runCopyOut streams the synthetic rows and completes in one shot; there is
// no client turnaround in COPY-out mode.
func (m *Machine) runCopyOut(res *query.Result) error {
	m.sess.EnterCopyMode(res.Copy)
	prev := m.state
	m.transition(stateCopyOut)
	defer m.transition(prev)

	format := copyFormatByte(res.Copy)
	delim := copyDelimiter(res.Copy)

	frames := make([][]byte, 0, len(copyOutRows)+3)
	frames = append(frames, wire.CopyOutResponse(format, copyColumnFormats(res.Copy, format)))
	for _, row := range copyOutRows {
		frames = append(frames, wire.CopyData([]byte(strings.Join(row, delim)+"\n")))
	}
	frames = append(frames, wire.CopyDone())

	m.sess.AddCopyRows(len(copyOutRows))
	rows := m.sess.ExitCopyMode()
	frames = append(frames, wire.CommandComplete(wire.CommandTag("COPY", rows)))
	return m.write(frames...)
}

func copyFormatByte(cs *session.CopyState) byte {
	if cs != nil && cs.Format == "binary" {
		return 1
	}
	return 0
}

func copyDelimiter(cs *session.CopyState) string {
	if cs == nil {
		return "\t"
	}
	if d, ok := cs.Options["delimiter"]; ok && d != "" {
		return d
	}
	if cs.Format == "csv" {
		return ","
	}
	return "\t"
}

// copyColumnFormats builds the per-column format-code list for the
// CopyInResponse/CopyOutResponse frame.
func copyColumnFormats(cs *session.CopyState, format byte) []int16 {
	n := defaultCopyColumns
	if cs != nil && len(cs.Columns) > 0 {
		n = len(cs.Columns)
	}
	formats := make([]int16, n)
	if format == 1 {
		for i := range formats {
			formats[i] = 1
		}
	}
	return formats
}

// countCopyRows estimates the rows in one CopyData chunk: newline-delimited
// for text and csv, one tuple per chunk for binary.
func countCopyRows(data []byte, cs *session.CopyState) int {
	if cs != nil && cs.Format == "binary" {
		return 1
	}
	return bytes.Count(data, []byte{'\n'})
}

// copyFailReason extracts the client's message from a CopyFail payload.
func copyFailReason(payload []byte) string {
	cur := wire.NewCursor(payload)
	if reason, err := cur.CString(); err == nil && reason != "" {
		return reason
	}
	return "no reason given"
}

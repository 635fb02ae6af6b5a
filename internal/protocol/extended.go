package protocol

import (
	"errors"
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// extendedError writes a statement failure inside an extended batch and arms
// skip-until-Sync. Non-pgerr errors pass through untouched; those are dead
// sockets.
func (m *Machine) extendedError(err error) error {
	var pe *pgerr.Error
	if !errors.As(err, &pe) {
		return err
	}
	m.skipToSync = true
	if m.sess.TransactionStatus() == session.TxInTransaction &&
		pe.Code != pgerr.CodeActiveSQLTransaction {
		m.sess.FailTransaction()
	}
	return m.write(wire.ErrorResponse(pe))
}

// handleParse stores a prepared statement. The empty name designates the
// unnamed statement, silently replaced by the next Parse.
func (m *Machine) handleParse(payload []byte) error {
	if m.skipToSync {
		return nil
	}
	m.transition(stateInExtendedBatch)

	cur := wire.NewCursor(payload)
	name, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Parse message: %v", err))
	}
	sql, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Parse message: %v", err))
	}
	count, err := cur.Uint16()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Parse message: %v", err))
	}
	oids := make([]uint32, count)
	for i := range oids {
		if oids[i], err = cur.Uint32(); err != nil {
			return m.extendedError(pgerr.Protocol("malformed Parse message: %v", err))
		}
	}

	m.sess.AddPreparedStatement(&session.PreparedStatement{
		Name:       name,
		SQL:        sql,
		ParamTypes: oids,
		CreatedAt:  time.Now(),
	})
	return m.write(wire.ParseComplete())
}

// handleBind builds a portal over a stored statement. A missing statement is
// an error, never a silent BindComplete.
func (m *Machine) handleBind(payload []byte) error {
	if m.skipToSync {
		return nil
	}
	m.transition(stateInExtendedBatch)

	cur := wire.NewCursor(payload)
	portalName, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Bind message: %v", err))
	}
	stmtName, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Bind message: %v", err))
	}
	paramFormats, err := readInt16Block(cur)
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Bind message: %v", err))
	}
	paramValues, err := readParamValues(cur)
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Bind message: %v", err))
	}
	resultFormats, err := readInt16Block(cur)
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Bind message: %v", err))
	}

	stmt, ok := m.sess.PreparedStatement(stmtName)
	m.stats.StatementLookup(ok)
	if !ok {
		return m.extendedError(pgerr.InvalidStatementName(stmtName))
	}

	m.sess.AddPortal(&session.Portal{
		Name:          portalName,
		Statement:     stmt.Name,
		SQL:           stmt.SQL,
		ParamFormats:  paramFormats,
		ParamValues:   paramValues,
		ResultFormats: resultFormats,
		CreatedAt:     time.Now(),
	})
	return m.write(wire.BindComplete())
}

func readInt16Block(cur *wire.Cursor) ([]int16, error) {
	count, err := cur.Uint16()
	if err != nil {
		return nil, err
	}
	vals := make([]int16, count)
	for i := range vals {
		if vals[i], err = cur.Int16(); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// readParamValues reads the length-prefixed parameter block; a length of -1
// is the NULL parameter, kept as a nil slice.
func readParamValues(cur *wire.Cursor) ([][]byte, error) {
	count, err := cur.Uint16()
	if err != nil {
		return nil, err
	}
	vals := make([][]byte, count)
	for i := range vals {
		n, err := cur.Int32()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			continue
		}
		if vals[i], err = cur.Bytes(int(n)); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// handleDescribe reports the shape of a statement ('S') or portal ('P'):
// parameter OIDs for statements, then either a RowDescription or NoData.
func (m *Machine) handleDescribe(payload []byte) error {
	if m.skipToSync {
		return nil
	}
	m.transition(stateInExtendedBatch)

	cur := wire.NewCursor(payload)
	target, err := cur.Byte()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Describe message: %v", err))
	}
	name, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Describe message: %v", err))
	}

	switch target {
	case 'S':
		stmt, ok := m.sess.PreparedStatement(name)
		m.stats.StatementLookup(ok)
		if !ok {
			return m.extendedError(pgerr.InvalidStatementName(name))
		}
		cols, err := m.queries.Describe(stmt.SQL, m.sess)
		if err != nil {
			return m.extendedError(err)
		}
		return m.write(wire.ParameterDescription(stmt.ParamTypes), rowShape(cols))
	case 'P':
		portal, ok := m.sess.Portal(name)
		m.stats.StatementLookup(ok)
		if !ok {
			return m.extendedError(pgerr.InvalidCursorName(name))
		}
		cols, err := m.queries.Describe(portal.SQL, m.sess)
		if err != nil {
			return m.extendedError(err)
		}
		return m.write(rowShape(cols))
	default:
		return m.extendedError(pgerr.Protocol("invalid Describe target %q", target))
	}
}

func rowShape(cols []wire.Column) []byte {
	if len(cols) == 0 {
		return wire.NoData()
	}
	return wire.RowDescription(cols)
}

// handleExecute runs a portal. maxRows > 0 limits the rows streamed; a
// portal with rows left over is suspended and resumable by a later Execute.
func (m *Machine) handleExecute(payload []byte) error {
	if m.skipToSync {
		return nil
	}
	m.transition(stateInExtendedBatch)

	cur := wire.NewCursor(payload)
	name, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Execute message: %v", err))
	}
	maxRows, err := cur.Int32()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Execute message: %v", err))
	}

	portal, ok := m.sess.Portal(name)
	m.stats.StatementLookup(ok)
	if !ok {
		return m.extendedError(pgerr.InvalidCursorName(name))
	}

	if portal.Suspended != nil {
		progress := portal.Suspended
		return m.streamPortal(portal, progress.Command, progress.Rows, progress.Pos, int(maxRows))
	}

	start := time.Now()
	res, err := m.queries.Process(portal.SQL, m.sess)
	command := commandWord(portal.SQL)
	if res != nil && res.Command != "" {
		command = res.Command
	}
	m.stats.QueryExecuted(command, time.Since(start), err != nil)
	if err != nil {
		return m.extendedError(err)
	}

	switch {
	case res.Empty:
		return m.write(wire.EmptyQueryResponse())
	case res.CopyIn:
		if err := m.runCopyIn(res); err != nil {
			return m.extendedError(err)
		}
		return nil
	case res.CopyOut:
		return m.runCopyOut(res)
	case res.Columns == nil:
		return m.write(wire.CommandComplete(res.Tag()))
	}
	return m.streamPortal(portal, res.Command, res.Rows, 0, int(maxRows))
}

// streamPortal sends rows from pos onward, up to maxRows when positive. The
// completion tag counts every row the portal produced, not just this
// chunk's.
func (m *Machine) streamPortal(portal *session.Portal, command string, rows [][]*string, pos, maxRows int) error {
	chunk := rows[pos:]
	suspend := maxRows > 0 && maxRows < len(chunk)
	if suspend {
		chunk = chunk[:maxRows]
	}

	frames := make([][]byte, 0, len(chunk)+1)
	for _, row := range chunk {
		frames = append(frames, wire.DataRow(row))
	}
	if suspend {
		portal.Suspended = &session.PortalProgress{Command: command, Rows: rows, Pos: pos + len(chunk)}
		frames = append(frames, wire.PortalSuspended())
	} else {
		portal.Suspended = nil
		frames = append(frames, wire.CommandComplete(wire.CommandTag(command, len(rows))))
	}
	return m.write(frames...)
}

// handleClose drops a statement or portal. Closing a name that does not
// exist still answers CloseComplete.
func (m *Machine) handleClose(payload []byte) error {
	if m.skipToSync {
		return nil
	}
	m.transition(stateInExtendedBatch)

	cur := wire.NewCursor(payload)
	target, err := cur.Byte()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Close message: %v", err))
	}
	name, err := cur.CString()
	if err != nil {
		return m.extendedError(pgerr.Protocol("malformed Close message: %v", err))
	}

	switch target {
	case 'S':
		m.sess.RemovePreparedStatement(name)
	case 'P':
		m.sess.RemovePortal(name)
	default:
		return m.extendedError(pgerr.Protocol("invalid Close target %q", target))
	}
	return m.write(wire.CloseComplete())
}

// handleSync ends the extended batch: the skip flag clears and the client
// gets a ReadyForQuery with the live transaction status.
func (m *Machine) handleSync() error {
	m.skipToSync = false
	m.transition(stateReadyForQuery)
	return m.write(wire.ReadyForQuery(m.sess.TxStatusByte()))
}

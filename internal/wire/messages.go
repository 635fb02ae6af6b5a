package wire

import (
	"strconv"

	"github.com/jackc/pgio"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
)

// Column describes one RowDescription field.
type Column struct {
	Name     string
	TableOID uint32
	AttrNum  int16
	TypeOID  uint32
	TypeSize int16
	TypeMod  int32
	Format   int16
}

// Col builds a text-format column of the given type.
func Col(name string, t Type) Column {
	return Column{Name: name, TypeOID: t.OID, TypeSize: t.Size, TypeMod: -1}
}

// begin starts a backend message; finish patches the length field in.
func begin(msgType byte) []byte {
	return []byte{msgType, 0, 0, 0, 0}
}

func finish(msg []byte) []byte {
	pgio.SetInt32(msg[1:5], int32(len(msg)-1))
	return msg
}

// AuthenticationOk accepts any credentials.
func AuthenticationOk() []byte {
	msg := begin(MsgAuthentication)
	msg = pgio.AppendInt32(msg, 0)
	return finish(msg)
}

// ParameterStatus reports one server parameter to the client.
func ParameterStatus(name, value string) []byte {
	msg := begin(MsgParameterStatus)
	msg = AppendCString(msg, name)
	msg = AppendCString(msg, value)
	return finish(msg)
}

// BackendKeyData carries the (pid, secret) pair for cancel requests.
func BackendKeyData(pid, secret uint32) []byte {
	msg := begin(MsgBackendKeyData)
	msg = pgio.AppendUint32(msg, pid)
	msg = pgio.AppendUint32(msg, secret)
	return finish(msg)
}

// ReadyForQuery signals the end of a command cycle with the transaction
// status byte ('I', 'T' or 'E').
func ReadyForQuery(status byte) []byte {
	return []byte{MsgReadyForQuery, 0, 0, 0, 5, status}
}

// RowDescription announces the schema of the DataRows that follow.
func RowDescription(cols []Column) []byte {
	msg := begin(MsgRowDescription)
	msg = pgio.AppendUint16(msg, uint16(len(cols)))
	for _, c := range cols {
		msg = AppendCString(msg, c.Name)
		msg = pgio.AppendUint32(msg, c.TableOID)
		msg = pgio.AppendInt16(msg, c.AttrNum)
		msg = pgio.AppendUint32(msg, c.TypeOID)
		msg = pgio.AppendInt16(msg, c.TypeSize)
		msg = pgio.AppendInt32(msg, c.TypeMod)
		msg = pgio.AppendInt16(msg, c.Format)
	}
	return finish(msg)
}

// DataRow carries one row; nil values encode as SQL NULL (length -1).
func DataRow(values []*string) []byte {
	msg := begin(MsgDataRow)
	msg = pgio.AppendUint16(msg, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			msg = pgio.AppendInt32(msg, -1)
			continue
		}
		msg = pgio.AppendInt32(msg, int32(len(*v)))
		msg = append(msg, *v...)
	}
	return finish(msg)
}

// CommandComplete carries the command tag for a finished statement.
func CommandComplete(tag string) []byte {
	msg := begin(MsgCommandComplete)
	msg = AppendCString(msg, tag)
	return finish(msg)
}

// EmptyQueryResponse replaces CommandComplete for an empty query string.
func EmptyQueryResponse() []byte {
	return []byte{MsgEmptyQueryResponse, 0, 0, 0, 4}
}

// ParseComplete acknowledges a Parse message.
func ParseComplete() []byte {
	return []byte{MsgParseComplete, 0, 0, 0, 4}
}

// BindComplete acknowledges a Bind message.
func BindComplete() []byte {
	return []byte{MsgBindComplete, 0, 0, 0, 4}
}

// CloseComplete acknowledges a Close message.
func CloseComplete() []byte {
	return []byte{MsgCloseComplete, 0, 0, 0, 4}
}

// NoData reports that a Describe target produces no rows.
func NoData() []byte {
	return []byte{MsgNoData, 0, 0, 0, 4}
}

// PortalSuspended reports a row-limited Execute that has more rows pending.
func PortalSuspended() []byte {
	return []byte{MsgPortalSuspended, 0, 0, 0, 4}
}

// ParameterDescription lists the parameter type OIDs of a prepared statement.
func ParameterDescription(oids []uint32) []byte {
	msg := begin(MsgParameterDescription)
	msg = pgio.AppendUint16(msg, uint16(len(oids)))
	for _, oid := range oids {
		msg = pgio.AppendUint32(msg, oid)
	}
	return finish(msg)
}

// NotificationResponse delivers a NOTIFY to a listening session.
func NotificationResponse(senderPid uint32, channel, payload string) []byte {
	msg := begin(MsgNotificationResponse)
	msg = pgio.AppendUint32(msg, senderPid)
	msg = AppendCString(msg, channel)
	msg = AppendCString(msg, payload)
	return finish(msg)
}

// CopyInResponse tells the client to start streaming CopyData frames.
// Format 0 is text/csv, 1 is binary; one format code per column.
func CopyInResponse(format byte, columnFormats []int16) []byte {
	return copyResponse(MsgCopyInResponse, format, columnFormats)
}

// CopyOutResponse announces server-to-client COPY data.
func CopyOutResponse(format byte, columnFormats []int16) []byte {
	return copyResponse(MsgCopyOutResponse, format, columnFormats)
}

func copyResponse(msgType, format byte, columnFormats []int16) []byte {
	msg := begin(msgType)
	msg = append(msg, format)
	msg = pgio.AppendUint16(msg, uint16(len(columnFormats)))
	for _, f := range columnFormats {
		msg = pgio.AppendInt16(msg, f)
	}
	return finish(msg)
}

// CopyData wraps one chunk of COPY payload.
func CopyData(data []byte) []byte {
	msg := begin(MsgCopyData)
	msg = append(msg, data...)
	return finish(msg)
}

// CopyDone terminates a COPY data stream.
func CopyDone() []byte {
	return []byte{MsgCopyDone, 0, 0, 0, 4}
}

// SSLRefusal is the single-byte answer to an SSLRequest: try again in clear.
func SSLRefusal() []byte {
	return []byte{'N'}
}

// ErrorField is one {code, value} pair of an ErrorResponse or NoticeResponse.
type ErrorField struct {
	Code  byte
	Value string
}

// AppendErrorFields appends each non-empty field as a code byte plus
// cstring, then the zero terminator.
func AppendErrorFields(dst []byte, fields []ErrorField) []byte {
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		dst = append(dst, f.Code)
		dst = AppendCString(dst, f.Value)
	}
	return append(dst, 0)
}

// fieldsOf flattens a pgerr.Error into wire fields in the order PostgreSQL
// emits them.
func fieldsOf(e *pgerr.Error) []ErrorField {
	pos := ""
	if e.Position > 0 {
		pos = strconv.Itoa(e.Position)
	}
	return []ErrorField{
		{'S', e.Severity},
		{'C', e.Code},
		{'M', e.Message},
		{'D', e.Detail},
		{'H', e.Hint},
		{'P', pos},
		{'W', e.Where},
		{'s', e.Schema},
		{'t', e.Table},
		{'c', e.Column},
		{'R', e.Routine},
	}
}

// ErrorResponse encodes a coded error for the wire.
func ErrorResponse(e *pgerr.Error) []byte {
	msg := begin(MsgErrorResponse)
	msg = AppendErrorFields(msg, fieldsOf(e))
	return finish(msg)
}

// NoticeResponse carries the same field layout as ErrorResponse but does
// not terminate the current command.
func NoticeResponse(e *pgerr.Error) []byte {
	msg := begin(MsgNoticeResponse)
	msg = AppendErrorFields(msg, fieldsOf(e))
	return finish(msg)
}

// CommandTag formats the CommandComplete tag. INSERT carries a leading OID
// field (always 0 here); row-returning commands carry the row count; the
// rest are the bare command word.
func CommandTag(command string, rows int) string {
	switch command {
	case "INSERT":
		return "INSERT 0 " + strconv.Itoa(rows)
	case "UPDATE", "DELETE", "SELECT", "MOVE", "FETCH", "COPY":
		return command + " " + strconv.Itoa(rows)
	default:
		return command
	}
}

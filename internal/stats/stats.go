// Package stats defines the monitoring hook interface. The protocol core
// calls these methods on every significant event; when monitoring is
// disabled the no-op implementation is injected so callers never check for
// nil.
package stats

import "time"

// Stats receives server events. Implementations must be safe for
// concurrent use; calls happen on connection goroutines.
type Stats interface {
	// ConnectionOpened fires when a client connection is accepted.
	ConnectionOpened()
	// ConnectionClosed fires on disconnect with the connection's lifetime.
	ConnectionClosed(lifetime time.Duration)
	// StateChanged fires on protocol state transitions.
	StateChanged(from, to string)
	// QueryExecuted fires per dispatched statement.
	QueryExecuted(command string, duration time.Duration, failed bool)
	// MessageProcessed fires per inbound protocol message.
	MessageProcessed(msgType byte)
	// StatementLookup fires on prepared-statement and portal resolution.
	StatementLookup(hit bool)
	// DataTransferred counts payload bytes moved in either direction.
	DataTransferred(inbound bool, n int64)
	// NotificationFanout fires per NOTIFY with delivery counts.
	NotificationFanout(channel string, delivered, failed int)
}

// Nop discards all events.
type Nop struct{}

var _ Stats = Nop{}

func (Nop) ConnectionOpened()                                  {}
func (Nop) ConnectionClosed(time.Duration)                     {}
func (Nop) StateChanged(string, string)                        {}
func (Nop) QueryExecuted(string, time.Duration, bool)          {}
func (Nop) MessageProcessed(byte)                              {}
func (Nop) StatementLookup(bool)                               {}
func (Nop) DataTransferred(bool, int64)                        {}
func (Nop) NotificationFanout(string, int, int)                {}

// OrNop substitutes the no-op implementation for nil.
func OrNop(s Stats) Stats {
	if s == nil {
		return Nop{}
	}
	return s
}

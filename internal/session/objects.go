package session

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AddPreparedStatement stores a parsed statement. Storing under an existing
// name (including the unnamed "") replaces the prior entry.
func (s *Session) AddPreparedStatement(ps *PreparedStatement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now()
	}
	s.prepared[ps.Name] = ps
}

// PreparedStatement looks up a statement by name.
func (s *Session) PreparedStatement(name string) (*PreparedStatement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.prepared[name]
	return ps, ok
}

// RemovePreparedStatement deletes a statement; removing an absent name is
// not an error, mirroring Close semantics.
func (s *Session) RemovePreparedStatement(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.prepared[name]
	delete(s.prepared, name)
	return ok
}

// ClearPreparedStatements drops every stored statement, for DEALLOCATE ALL.
func (s *Session) ClearPreparedStatements() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = make(map[string]*PreparedStatement)
}

// PreparedStatementCount returns the number of stored statements.
func (s *Session) PreparedStatementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepared)
}

// AddPortal stores a bound portal, replacing any prior portal of the same
// name.
func (s *Session) AddPortal(p *Portal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.portals[p.Name] = p
}

// Portal looks up a portal by name.
func (s *Session) Portal(name string) (*Portal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portals[name]
	return p, ok
}

// RemovePortal deletes a portal.
func (s *Session) RemovePortal(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.portals[name]
	delete(s.portals, name)
	return ok
}

// PortalCount returns the number of open portals.
func (s *Session) PortalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.portals)
}

// AddListeningChannel records a LISTEN registration. Names are case-folded.
func (s *Session) AddListeningChannel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[strings.ToLower(channel)] = struct{}{}
}

// RemoveListeningChannel drops one channel registration.
func (s *Session) RemoveListeningChannel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, strings.ToLower(channel))
}

// ClearListeningChannels drops all registrations (UNLISTEN *).
func (s *Session) ClearListeningChannels() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]struct{})
}

// IsListeningOn reports channel membership, case-insensitively.
func (s *Session) IsListeningOn(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[strings.ToLower(channel)]
	return ok
}

// ListeningChannels returns the sorted channel set.
func (s *Session) ListeningChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// EnterCopyMode records an active COPY transfer.
func (s *Session) EnterCopyMode(cs *CopyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs.StartedAt.IsZero() {
		cs.StartedAt = time.Now()
	}
	s.copying = cs
}

// CopyState returns the active COPY transfer, if any.
func (s *Session) CopyState() *CopyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copying
}

// IsInCopyMode reports whether a COPY transfer is active.
func (s *Session) IsInCopyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copying != nil
}

// AddCopyRows adds to the active transfer's row count.
func (s *Session) AddCopyRows(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.copying != nil {
		s.copying.Rows += n
	}
}

// ExitCopyMode clears the COPY state and returns the row count transferred.
func (s *Session) ExitCopyMode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := 0
	if s.copying != nil {
		rows = s.copying.Rows
	}
	s.copying = nil
	return rows
}

// IsReusable reports whether the session can be handed to another client:
// authenticated, connected, idle, and carrying no statements, portals or
// channel registrations.
func (s *Session) IsReusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated &&
		s.connected &&
		s.txStatus == TxIdle &&
		len(s.prepared) == 0 &&
		len(s.portals) == 0 &&
		len(s.channels) == 0
}

// ResetForReuse scrubs per-client state so the session can be pooled again.
func (s *Session) ResetForReuse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("session %s: reset of a disconnected session", s.id)
	}
	s.prepared = make(map[string]*PreparedStatement)
	s.portals = make(map[string]*Portal)
	s.channels = make(map[string]struct{})
	s.copying = nil
	s.authenticated = false
	s.protoVersion = 0
	s.params = make(map[string]string)
	s.txStatus = TxIdle
	s.savepoints = nil
	s.isolation = DefaultIsolationLevel
	s.readOnly = false
	s.deferrable = false
	s.txDepth = 0
	s.txStartedAt = time.Time{}
	s.lastActivity = time.Now()
	return nil
}

package session

import (
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
)

// TxOptions carries the options parsed from BEGIN / START TRANSACTION.
// An empty Isolation means the server default.
type TxOptions struct {
	Isolation  string
	ReadOnly   bool
	Deferrable bool
}

// TransactionStatus returns the current transaction state.
func (s *Session) TransactionStatus() TxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txStatus
}

// TxStatusByte returns the ReadyForQuery status byte.
func (s *Session) TxStatusByte() byte {
	return s.TransactionStatus().Byte()
}

// TransactionDepth counts BEGIN attempts inside the current transaction,
// including the rejected nested ones.
func (s *Session) TransactionDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txDepth
}

// IsolationLevel returns the active isolation level.
func (s *Session) IsolationLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolation
}

// TransactionFlags returns the read-only and deferrable settings.
func (s *Session) TransactionFlags() (readOnly, deferrable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly, s.deferrable
}

// BeginTransaction opens a transaction. A nested BEGIN is rejected but
// still counted in the depth, matching the behavior clients observe from
// a real server's warning path.
func (s *Session) BeginTransaction(opts TxOptions) *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.txStatus {
	case TxInTransaction:
		s.txDepth++
		return pgerr.ActiveTransaction()
	case TxInFailedTransaction:
		return pgerr.FailedTransaction()
	}
	s.txStatus = TxInTransaction
	if opts.Isolation != "" {
		s.isolation = opts.Isolation
	} else {
		s.isolation = DefaultIsolationLevel
	}
	s.readOnly = opts.ReadOnly
	s.deferrable = opts.Deferrable
	s.txDepth = 1
	s.txStartedAt = time.Now()
	return nil
}

// CommitTransaction ends the transaction. Valid from both the open and the
// failed state; a failed transaction commits as a rollback, which the
// dispatcher reflects in the command tag.
func (s *Session) CommitTransaction() *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txStatus == TxIdle {
		return pgerr.NoActiveTransaction("COMMIT")
	}
	s.endTransactionLocked()
	return nil
}

// RollbackTransaction ends the transaction, discarding it.
func (s *Session) RollbackTransaction() *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txStatus == TxIdle {
		return pgerr.NoActiveTransaction("ROLLBACK")
	}
	s.endTransactionLocked()
	return nil
}

func (s *Session) endTransactionLocked() {
	s.txStatus = TxIdle
	s.savepoints = nil
	s.isolation = DefaultIsolationLevel
	s.readOnly = false
	s.deferrable = false
	s.txDepth = 0
	s.txStartedAt = time.Time{}
}

// FailTransaction moves an open transaction to the failed state. From then
// on only COMMIT, ROLLBACK and ROLLBACK TO SAVEPOINT are accepted.
func (s *Session) FailTransaction() *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txStatus != TxInTransaction {
		return pgerr.NoActiveTransaction("failTransaction")
	}
	s.txStatus = TxInFailedTransaction
	return nil
}

// CreateSavepoint pushes a savepoint. Reusing a name destroys the prior
// occurrence.
func (s *Session) CreateSavepoint(name string) *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.txStatus {
	case TxIdle:
		return pgerr.NoActiveTransaction("SAVEPOINT")
	case TxInFailedTransaction:
		return pgerr.FailedTransaction()
	}
	for i, sp := range s.savepoints {
		if sp.Name == name {
			s.savepoints = append(s.savepoints[:i], s.savepoints[i+1:]...)
			break
		}
	}
	s.savepoints = append(s.savepoints, Savepoint{Name: name, CreatedAt: time.Now()})
	return nil
}

// RollbackToSavepoint rewinds to the most recent savepoint with the given
// name, discarding everything above it. From a failed transaction it
// recovers the session back to the open state.
func (s *Session) RollbackToSavepoint(name string) *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txStatus == TxIdle {
		return pgerr.NoActiveTransaction("ROLLBACK TO SAVEPOINT")
	}
	idx := s.findSavepointLocked(name)
	if idx < 0 {
		return pgerr.UndefinedSavepoint(name)
	}
	s.savepoints = s.savepoints[:idx+1]
	s.txStatus = TxInTransaction
	return nil
}

// ReleaseSavepoint removes the most recent savepoint with the given name
// and every savepoint created after it.
func (s *Session) ReleaseSavepoint(name string) *pgerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.txStatus {
	case TxIdle:
		return pgerr.NoActiveTransaction("RELEASE SAVEPOINT")
	case TxInFailedTransaction:
		return pgerr.FailedTransaction()
	}
	idx := s.findSavepointLocked(name)
	if idx < 0 {
		return pgerr.UndefinedSavepoint(name)
	}
	s.savepoints = s.savepoints[:idx]
	return nil
}

// findSavepointLocked scans from the top of the stack so duplicate names
// resolve to the most recent entry.
func (s *Session) findSavepointLocked(name string) int {
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].Name == name {
			return i
		}
	}
	return -1
}

// Savepoints returns the stack bottom-up.
func (s *Session) Savepoints() []Savepoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Savepoint, len(s.savepoints))
	copy(out, s.savepoints)
	return out
}

// SavepointNames returns the stack's names bottom-up.
func (s *Session) SavepointNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.savepoints))
	for i, sp := range s.savepoints {
		names[i] = sp.Name
	}
	return names
}

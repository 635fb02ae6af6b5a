package query

import (
	"strings"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
)

func (d *Dispatcher) handleBegin(rest string, sess *session.Session) (*Result, error) {
	opts, err := parseTransactionOptions(rest)
	if err != nil {
		return nil, err
	}
	if err := sess.BeginTransaction(opts); err != nil {
		return nil, err
	}
	return &Result{Command: "BEGIN"}, nil
}

func (d *Dispatcher) handleStart(rest string, sess *session.Session) (*Result, error) {
	word, tail := splitKeyword(rest)
	if word != "TRANSACTION" {
		return nil, pgerr.Syntax("syntax error at or near %q", strings.ToLower(word))
	}
	opts, err := parseTransactionOptions(tail)
	if err != nil {
		return nil, err
	}
	if err := sess.BeginTransaction(opts); err != nil {
		return nil, err
	}
	return &Result{Command: "START TRANSACTION"}, nil
}

// handleCommit ends the transaction. Committing a failed transaction rolls
// it back, and the tag says so.
func (d *Dispatcher) handleCommit(sess *session.Session) (*Result, error) {
	failed := sess.TransactionStatus() == session.TxInFailedTransaction
	if err := sess.CommitTransaction(); err != nil {
		return nil, err
	}
	if failed {
		return &Result{Command: "ROLLBACK"}, nil
	}
	return &Result{Command: "COMMIT"}, nil
}

func (d *Dispatcher) handleRollback(rest string, sess *session.Session) (*Result, error) {
	word, tail := splitKeyword(rest)
	if word == "WORK" || word == "TRANSACTION" {
		word, tail = splitKeyword(tail)
	}
	switch word {
	case "":
		if err := sess.RollbackTransaction(); err != nil {
			return nil, err
		}
		return &Result{Command: "ROLLBACK"}, nil
	case "TO":
		name, err := savepointName(tail)
		if err != nil {
			return nil, err
		}
		if err := sess.RollbackToSavepoint(name); err != nil {
			return nil, err
		}
		return &Result{Command: "ROLLBACK"}, nil
	}
	return nil, pgerr.Syntax("syntax error at or near %q", strings.ToLower(word))
}

func (d *Dispatcher) handleSavepoint(rest string, sess *session.Session) (*Result, error) {
	if strings.TrimSpace(rest) == "" {
		return nil, pgerr.Syntax("SAVEPOINT requires a savepoint name")
	}
	name, _, err := parseIdentifier(rest)
	if err != nil {
		return nil, err
	}
	if err := sess.CreateSavepoint(name); err != nil {
		return nil, err
	}
	return &Result{Command: "SAVEPOINT"}, nil
}

func (d *Dispatcher) handleRelease(rest string, sess *session.Session) (*Result, error) {
	name, err := savepointName(rest)
	if err != nil {
		return nil, err
	}
	if err := sess.ReleaseSavepoint(name); err != nil {
		return nil, err
	}
	return &Result{Command: "RELEASE"}, nil
}

// savepointName parses [SAVEPOINT] <identifier>.
func savepointName(s string) (string, error) {
	if word, tail := splitKeyword(s); word == "SAVEPOINT" {
		s = tail
	}
	if strings.TrimSpace(s) == "" {
		return "", pgerr.Syntax("savepoint name is missing")
	}
	name, _, err := parseIdentifier(s)
	return name, err
}

// parseIdentifier consumes one SQL identifier: unquoted names fold to
// lower case, quoted names keep their spelling with "" as an escaped
// quote.
func parseIdentifier(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", pgerr.Syntax("identifier is missing")
	}
	if s[0] == '"' {
		var b strings.Builder
		i := 1
		for i < len(s) {
			if s[i] != '"' {
				b.WriteByte(s[i])
				i++
				continue
			}
			if i+1 < len(s) && s[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			if b.Len() == 0 {
				return "", "", pgerr.Syntax("zero-length delimited identifier")
			}
			return b.String(), s[i+1:], nil
		}
		return "", "", pgerr.Syntax("unterminated quoted identifier")
	}
	i := 0
	for i < len(s) && isIdentByte(s[i]) {
		i++
	}
	if i == 0 {
		return "", "", pgerr.Syntax("syntax error at or near %q", firstWord(s))
	}
	return strings.ToLower(s[:i]), s[i:], nil
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// parseTransactionOptions parses the option tail of BEGIN and
// START TRANSACTION: isolation level, READ ONLY/WRITE, [NOT] DEFERRABLE.
func parseTransactionOptions(rest string) (session.TxOptions, error) {
	var opts session.TxOptions
	words := strings.Fields(strings.ReplaceAll(rest, ",", " "))
	i := 0
	for i < len(words) && (eq(words[i], "WORK") || eq(words[i], "TRANSACTION")) {
		i++
	}
	for i < len(words) {
		switch {
		case eq(words[i], "ISOLATION"):
			if i+1 >= len(words) || !eq(words[i+1], "LEVEL") {
				return opts, pgerr.Syntax("expected LEVEL after ISOLATION")
			}
			level, n, err := parseIsolationLevel(words[i+2:])
			if err != nil {
				return opts, err
			}
			opts.Isolation = level
			i += 2 + n
		case eq(words[i], "READ"):
			if i+1 < len(words) && eq(words[i+1], "ONLY") {
				opts.ReadOnly = true
			} else if i+1 < len(words) && eq(words[i+1], "WRITE") {
				opts.ReadOnly = false
			} else {
				return opts, pgerr.Syntax("expected ONLY or WRITE after READ")
			}
			i += 2
		case eq(words[i], "NOT"):
			if i+1 >= len(words) || !eq(words[i+1], "DEFERRABLE") {
				return opts, pgerr.Syntax("expected DEFERRABLE after NOT")
			}
			opts.Deferrable = false
			i += 2
		case eq(words[i], "DEFERRABLE"):
			opts.Deferrable = true
			i++
		default:
			return opts, pgerr.Syntax("syntax error at or near %q", strings.ToLower(words[i]))
		}
	}
	return opts, nil
}

// parseIsolationLevel consumes the level's words and reports how many it
// took.
func parseIsolationLevel(words []string) (string, int, error) {
	if len(words) == 0 {
		return "", 0, pgerr.Syntax("expected isolation level")
	}
	switch {
	case eq(words[0], "SERIALIZABLE"):
		return "serializable", 1, nil
	case eq(words[0], "REPEATABLE"):
		if len(words) > 1 && eq(words[1], "READ") {
			return "repeatable read", 2, nil
		}
	case eq(words[0], "READ"):
		if len(words) > 1 && eq(words[1], "COMMITTED") {
			return "read committed", 2, nil
		}
		if len(words) > 1 && eq(words[1], "UNCOMMITTED") {
			return "read uncommitted", 2, nil
		}
	}
	return "", 0, pgerr.Syntax("invalid isolation level starting at %q", strings.ToLower(words[0]))
}

func eq(a, b string) bool { return strings.EqualFold(a, b) }

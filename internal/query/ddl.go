package query

import (
	"strings"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
)

// ddlModifiers are the words between the verb and the object kind.
var ddlModifiers = map[string]bool{
	"OR": true, "REPLACE": true, "UNIQUE": true, "TEMP": true,
	"TEMPORARY": true, "UNLOGGED": true, "GLOBAL": true, "LOCAL": true,
	"CONCURRENTLY": true, "IF": true, "NOT": true, "EXISTS": true,
	"RECURSIVE": true, "FOREIGN": true,
}

// handleDDL acknowledges CREATE/DROP/ALTER/TRUNCATE with the tag a real
// server would produce for the object kind. Nothing is stored.
func (d *Dispatcher) handleDDL(keyword, rest string) (*Result, error) {
	if keyword == "TRUNCATE" {
		return &Result{Command: "TRUNCATE TABLE"}, nil
	}

	object := ""
	tail := rest
	for {
		var word string
		word, tail = splitKeyword(tail)
		if word == "" {
			break
		}
		if ddlModifiers[word] {
			continue
		}
		object = word
		if word == "MATERIALIZED" {
			next, _ := splitKeyword(tail)
			if next == "VIEW" {
				object = "MATERIALIZED VIEW"
			}
		}
		break
	}
	if object == "" {
		return nil, pgerr.Syntax("syntax error at end of input")
	}
	return &Result{Command: keyword + " " + object}, nil
}

// handleDeallocate drops prepared statements created through the extended
// protocol or PREPARE.
func (d *Dispatcher) handleDeallocate(rest string, sess *session.Session) (*Result, error) {
	if word, tail := splitKeyword(rest); word == "PREPARE" {
		rest = tail
	}
	if strings.TrimSpace(rest) == "" {
		return nil, pgerr.Syntax("DEALLOCATE requires a statement name")
	}
	if word, _ := splitKeyword(rest); word == "ALL" {
		sess.ClearPreparedStatements()
		return &Result{Command: "DEALLOCATE ALL"}, nil
	}
	name, _, err := parseIdentifier(rest)
	if err != nil {
		return nil, err
	}
	if !sess.RemovePreparedStatement(name) {
		return nil, pgerr.InvalidStatementName(name)
	}
	return &Result{Command: "DEALLOCATE"}, nil
}

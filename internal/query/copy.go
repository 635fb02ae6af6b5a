package query

import (
	"strings"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
)

// copyOptionNames are the WITH (…) options the parser understands.
var copyOptionNames = map[string]bool{
	"format":    true,
	"delimiter": true,
	"header":    true,
	"null":      true,
	"quote":     true,
}

// handleCopy parses COPY <table> FROM STDIN / TO STDOUT and returns the
// copy state for the protocol layer to install. Rows never touch the
// dispatcher; the sub-protocol runs in the state machine.
func (d *Dispatcher) handleCopy(rest string) (*Result, error) {
	table, columns, tail, err := parseCopyTarget(rest)
	if err != nil {
		return nil, err
	}

	dirWord, tail := splitKeyword(tail)
	var direction, endpoint string
	switch dirWord {
	case "FROM":
		direction, endpoint = "in", "STDIN"
	case "TO":
		direction, endpoint = "out", "STDOUT"
	default:
		return nil, pgerr.Syntax("expected FROM or TO in COPY statement")
	}

	tail = strings.TrimSpace(tail)
	if tail == "" {
		return nil, pgerr.Syntax("expected %s in COPY statement", strings.ToLower(endpoint))
	}
	if tail[0] == '\'' {
		return nil, pgerr.Unsupported("COPY to or from a file is not supported").
			WithHint("Use COPY FROM STDIN or COPY TO STDOUT.")
	}
	srcWord, tail := splitKeyword(tail)
	if srcWord == "PROGRAM" {
		return nil, pgerr.Unsupported("COPY to or from an external program is not supported")
	}
	if srcWord != endpoint {
		return nil, pgerr.Syntax("syntax error at or near %q", strings.ToLower(srcWord))
	}

	options, err := parseCopyOptions(tail)
	if err != nil {
		return nil, err
	}

	format := options["format"]
	if format == "" {
		format = "text"
	}

	state := &session.CopyState{
		Direction: direction,
		Format:    format,
		Table:     table,
		Columns:   columns,
		Options:   options,
	}
	return &Result{
		Command: "COPY",
		CopyIn:  direction == "in",
		CopyOut: direction == "out",
		Copy:    state,
	}, nil
}

// parseCopyTarget parses the table name, optionally schema-qualified, and
// an optional column list.
func parseCopyTarget(rest string) (string, []string, string, error) {
	name, tail, err := parseIdentifier(rest)
	if err != nil {
		return "", nil, "", err
	}
	if strings.HasPrefix(tail, ".") {
		var suffix string
		suffix, tail, err = parseIdentifier(tail[1:])
		if err != nil {
			return "", nil, "", err
		}
		name = name + "." + suffix
	}

	tail = strings.TrimSpace(tail)
	var columns []string
	if strings.HasPrefix(tail, "(") {
		inner, after, ok := parenGroup(tail)
		if !ok {
			return "", nil, "", pgerr.Syntax("unterminated column list in COPY statement")
		}
		for _, item := range splitTopLevel(inner, ',') {
			col, _, err := parseIdentifier(item)
			if err != nil {
				return "", nil, "", err
			}
			columns = append(columns, col)
		}
		tail = after
	}
	return name, columns, tail, nil
}

// parseCopyOptions parses [WITH] (option value, …).
func parseCopyOptions(tail string) (map[string]string, error) {
	options := map[string]string{}
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return options, nil
	}
	if word, after := splitKeyword(tail); word == "WITH" {
		tail = strings.TrimSpace(after)
	}
	if !strings.HasPrefix(tail, "(") {
		return nil, pgerr.Syntax("syntax error at or near %q", firstWord(tail))
	}
	inner, after, ok := parenGroup(tail)
	if !ok {
		return nil, pgerr.Syntax("unterminated option list in COPY statement")
	}
	if strings.TrimSpace(after) != "" {
		return nil, pgerr.Syntax("syntax error at or near %q", firstWord(after))
	}

	for _, item := range splitTopLevel(inner, ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, pgerr.Syntax("empty COPY option")
		}
		nameWord, valueText := splitKeyword(item)
		name := strings.ToLower(nameWord)
		if !copyOptionNames[name] {
			return nil, pgerr.Syntax("option %q not recognized", name)
		}
		value, err := copyOptionValue(name, valueText)
		if err != nil {
			return nil, err
		}
		options[name] = value
	}
	return options, nil
}

// copyOptionValue normalizes one option value and validates the ones with
// a closed domain.
func copyOptionValue(name, text string) (string, error) {
	value := strings.TrimSpace(text)
	if strings.HasPrefix(value, "'") {
		lit, rest, err := singleQuoted(value)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(rest) != "" {
			return "", pgerr.Syntax("syntax error at or near %q", firstWord(rest))
		}
		value = lit
	} else {
		value = strings.ToLower(value)
	}

	switch name {
	case "format":
		switch value {
		case "text", "csv", "binary":
		default:
			return "", pgerr.New(pgerr.CodeInvalidParameterValue,
				"COPY format %q not recognized", value)
		}
	case "header":
		switch value {
		case "", "true", "on", "1":
			value = "true"
		case "false", "off", "0":
			value = "false"
		default:
			return "", pgerr.New(pgerr.CodeInvalidParameterValue,
				"header requires a Boolean value")
		}
	}
	return value, nil
}

// singleQuoted parses a '…' literal with '' as an escaped quote.
func singleQuoted(s string) (string, string, error) {
	if len(s) < 2 || s[0] != '\'' {
		return "", "", pgerr.Syntax("expected a string literal")
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i += 2
			continue
		}
		return b.String(), s[i+1:], nil
	}
	return "", "", pgerr.Syntax("unterminated string literal")
}

// parenGroup returns the contents of the parenthesis group at s[0] and the
// remainder after it.
func parenGroup(s string) (string, string, bool) {
	if len(s) == 0 || s[0] != '(' {
		return "", "", false
	}
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inQuote = !inQuote
		case inQuote:
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
			if depth == 0 {
				return s[1:i], strings.TrimSpace(s[i+1:]), true
			}
		}
	}
	return "", "", false
}

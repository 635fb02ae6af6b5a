package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

var (
	bareFuncCallPattern = regexp.MustCompile(`^select ([a-z_][a-z0-9_]*)\(\s*\)$`)
	arrayCastPattern    = regexp.MustCompile(`::\s*"?([a-z_][a-z0-9_ ]*[a-z0-9_])"?\s*\[\s*\]`)
	arrayLiteralPattern = regexp.MustCompile(`'(\{.*\})'`)
)

// knownFunctions are the zero-argument functions with canned answers.
var knownFunctions = map[string]bool{
	"version":          true,
	"now":              true,
	"current_database": true,
	"current_schema":   true,
	"current_user":     true,
	"session_user":     true,
}

func (d *Dispatcher) handleSelect(full, rest string, sess *session.Session) (*Result, error) {
	norm := normalize(full)

	if res := d.cannedSelect(norm, sess); res != nil {
		return res, nil
	}

	if m := bareFuncCallPattern.FindStringSubmatch(norm); m != nil && !knownFunctions[m[1]] {
		return nil, pgerr.New(pgerr.CodeUndefinedFunction,
			"function %s() does not exist", m[1]).
			WithHint("No function matches the given name and argument types.")
	}

	if strings.Contains(norm, "array[") || arrayCastPattern.MatchString(norm) ||
		strings.HasPrefix(norm, "select '{") {
		return d.handleArraySelect(norm)
	}

	if rel := introspectionTarget(norm); rel != "" {
		return d.handleIntrospection(norm, rel, sess)
	}

	return &Result{
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []wire.Column{wire.Col("mock", wire.TypeText)},
		Rows:     [][]*string{{str("mock")}},
	}, nil
}

// cannedSelect answers the exact-match queries every driver and ORM probes
// with.
func (d *Dispatcher) cannedSelect(norm string, sess *session.Session) *Result {
	oneRow := func(col string, t wire.Type, v string) *Result {
		return &Result{
			Command:  "SELECT",
			RowCount: 1,
			Columns:  []wire.Column{wire.Col(col, t)},
			Rows:     [][]*string{{str(v)}},
		}
	}

	switch norm {
	case "select 1":
		return oneRow("?column?", wire.TypeInt4, "1")
	case "select version()":
		return oneRow("version", wire.TypeText, d.versionString())
	case "select current_user", "select current_user()":
		return oneRow("current_user", wire.TypeName, paramOr(sess, "user", "postgres"))
	case "select session_user":
		return oneRow("session_user", wire.TypeName, paramOr(sess, "user", "postgres"))
	case "select current_database()":
		return oneRow("current_database", wire.TypeName, paramOr(sess, "database", "postgres"))
	case "select current_schema()", "select current_schema":
		return oneRow("current_schema", wire.TypeName, "public")
	case "select now()":
		return oneRow("now", wire.TypeTimestamptz,
			time.Now().UTC().Format("2006-01-02 15:04:05.999999+00"))
	}
	return nil
}

func (d *Dispatcher) versionString() string {
	v, _ := d.Setting("server_version")
	return fmt.Sprintf("PostgreSQL %s on x86_64-pc-linux-gnu, 64-bit", v)
}

func paramOr(sess *session.Session, name, fallback string) string {
	if sess != nil {
		if v := sess.Parameter(name); v != "" {
			return v
		}
	}
	return fallback
}

// handleArraySelect answers ARRAY constructors and array literals with a
// single array-typed column. The element type defaults to text and follows
// an explicit ::type[] cast when present.
func (d *Dispatcher) handleArraySelect(norm string) (*Result, error) {
	elem := wire.TypeText
	if m := arrayCastPattern.FindStringSubmatch(norm); m != nil {
		t, ok := d.types.ByName(strings.TrimSpace(m[1]))
		if !ok {
			return nil, pgerr.New(pgerr.CodeUndefinedObject,
				"type %q does not exist", strings.TrimSpace(m[1]))
		}
		elem = t
	}
	arr, ok := d.types.ArrayType(elem)
	if !ok {
		arr, _ = d.types.ByName("_text")
	}

	value := arrayValue(norm)
	return &Result{
		Command:  "SELECT",
		RowCount: 1,
		Columns:  []wire.Column{wire.Col("array", arr)},
		Rows:     [][]*string{{str(value)}},
	}, nil
}

// arrayValue renders the array's text form: constructor elements joined in
// braces, or the literal's braces verbatim.
func arrayValue(norm string) string {
	if i := strings.Index(norm, "array["); i >= 0 {
		inner, ok := bracketContents(norm[i+len("array"):])
		if ok {
			elems := splitTopLevel(inner, ',')
			for j, e := range elems {
				elems[j] = strings.Trim(strings.TrimSpace(e), "'")
			}
			return "{" + strings.Join(elems, ",") + "}"
		}
	}
	if m := arrayLiteralPattern.FindStringSubmatch(norm); m != nil {
		return m[1]
	}
	return "{}"
}

// bracketContents returns the text inside the bracket pair starting at
// s[0], which must be '['.
func bracketContents(s string) (string, bool) {
	if len(s) == 0 || s[0] != '[' {
		return "", false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[1:i], true
			}
		}
	}
	return "", false
}

// splitTopLevel splits on sep outside quotes and brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inQuote = !inQuote
		case inQuote:
		case s[i] == '[' || s[i] == '(':
			depth++
		case s[i] == ']' || s[i] == ')':
			depth--
		case s[i] == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// handleShow answers SHOW <setting> and SHOW ALL from the canned settings,
// the session, and configuration overrides.
func (d *Dispatcher) handleShow(rest string, sess *session.Session) (*Result, error) {
	name := strings.ToLower(strings.TrimSpace(rest))
	if name == "" {
		return nil, pgerr.Syntax("SHOW requires a parameter name")
	}

	if name == "all" {
		return d.showAll(sess), nil
	}

	value, ok := d.lookupSetting(name, sess)
	if !ok {
		return nil, pgerr.New(pgerr.CodeUndefinedObject,
			"unrecognized configuration parameter %q", name)
	}
	return &Result{
		Command:  "SHOW",
		RowCount: 1,
		Columns:  []wire.Column{wire.Col(name, wire.TypeText)},
		Rows:     [][]*string{{str(value)}},
	}, nil
}

// lookupSetting resolves session-dependent parameters first, then the
// settings table.
func (d *Dispatcher) lookupSetting(name string, sess *session.Session) (string, bool) {
	switch name {
	case "transaction_isolation":
		if sess != nil {
			return sess.IsolationLevel(), true
		}
		return session.DefaultIsolationLevel, true
	case "application_name":
		return paramOr(sess, "application_name", ""), true
	case "session_authorization":
		return paramOr(sess, "user", "postgres"), true
	}
	return d.Setting(name)
}

func (d *Dispatcher) showAll(sess *session.Session) *Result {
	d.mu.RLock()
	names := make([]string, 0, len(d.settings))
	for name := range d.settings {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)

	rows := make([][]*string, 0, len(names)+3)
	for _, name := range names {
		v, _ := d.lookupSetting(name, sess)
		rows = append(rows, []*string{str(name), str(v), nil})
	}
	return &Result{
		Command:  "SHOW",
		RowCount: len(rows),
		Columns: []wire.Column{
			wire.Col("name", wire.TypeText),
			wire.Col("setting", wire.TypeText),
			wire.Col("description", wire.TypeText),
		},
		Rows: rows,
	}
}

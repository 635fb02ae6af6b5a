package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

var fromRelationPattern = regexp.MustCompile(`(?:from|join)\s+((?:[a-z_][a-z0-9_$]*\.)?[a-z_][a-z0-9_$]*)`)

// introspectionTarget returns the catalog relation a query selects from, or
// "" when the query is not an introspection query. Bare pg_* names resolve
// as if schema-qualified with pg_catalog.
func introspectionTarget(norm string) string {
	m := fromRelationPattern.FindStringSubmatch(norm)
	if m == nil {
		return ""
	}
	rel := m[1]
	switch {
	case strings.HasPrefix(rel, "information_schema."),
		strings.HasPrefix(rel, "pg_catalog."):
		return rel
	case strings.HasPrefix(rel, "pg_"):
		return "pg_catalog." + rel
	}
	return ""
}

// catalogRelation is one mock catalog table: its row shape plus a generator
// so session- and registry-dependent contents stay live.
type catalogRelation struct {
	columns []wire.Column
	rows    func(d *Dispatcher, sess *session.Session) [][]*string
}

func (d *Dispatcher) handleIntrospection(norm, rel string, sess *session.Session) (*Result, error) {
	cat, ok := catalogRelations[rel]
	if !ok {
		return nil, pgerr.New(pgerr.CodeUndefinedTable,
			"relation %q does not exist", strings.TrimPrefix(rel, "pg_catalog.")).
			WithPosition(1)
	}

	cols, idx, err := projectColumns(norm, rel, cat.columns)
	if err != nil {
		return nil, err
	}

	full := cat.rows(d, sess)
	rows := make([][]*string, len(full))
	for i, r := range full {
		row := make([]*string, len(idx))
		for j, c := range idx {
			row[j] = r[c]
		}
		rows[i] = row
	}

	return &Result{
		Command:  "SELECT",
		RowCount: len(rows),
		Columns:  cols,
		Rows:     rows,
	}, nil
}

// projectColumns narrows a catalog relation to the select list. Expressions
// and stars keep the full shape; named columns must exist.
func projectColumns(norm, rel string, all []wire.Column) ([]wire.Column, []int, error) {
	list := selectList(norm)
	if list == "" || list == "*" || strings.Contains(list, "(") {
		idx := make([]int, len(all))
		for i := range all {
			idx[i] = i
		}
		return all, idx, nil
	}

	byName := make(map[string]int, len(all))
	for i, c := range all {
		byName[c.Name] = i
	}

	var cols []wire.Column
	var idx []int
	for _, item := range splitTopLevel(list, ',') {
		name := strings.TrimSpace(item)
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name == "*" {
			idx = make([]int, len(all))
			for i := range all {
				idx[i] = i
			}
			return all, idx, nil
		}
		i, ok := byName[name]
		if !ok {
			return nil, nil, pgerr.New(pgerr.CodeUndefinedColumn,
				"column %q of relation %q does not exist",
				name, strings.TrimPrefix(rel, "pg_catalog."))
		}
		cols = append(cols, all[i])
		idx = append(idx, i)
	}
	return cols, idx, nil
}

// selectList extracts the text between SELECT and FROM.
func selectList(norm string) string {
	rest, ok := strings.CutPrefix(norm, "select ")
	if !ok {
		return ""
	}
	if i := strings.Index(rest, " from "); i >= 0 {
		return strings.TrimSpace(rest[:i])
	}
	return strings.TrimSpace(rest)
}

var catalogRelations = map[string]catalogRelation{
	"information_schema.tables": {
		columns: []wire.Column{
			wire.Col("table_catalog", wire.TypeVarchar),
			wire.Col("table_schema", wire.TypeVarchar),
			wire.Col("table_name", wire.TypeVarchar),
			wire.Col("table_type", wire.TypeVarchar),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			db := paramOr(sess, "database", "postgres")
			var rows [][]*string
			for _, t := range mockTables {
				rows = append(rows, []*string{str(db), str("public"), str(t.name), str("BASE TABLE")})
			}
			return rows
		},
	},
	"information_schema.columns": {
		columns: []wire.Column{
			wire.Col("table_schema", wire.TypeVarchar),
			wire.Col("table_name", wire.TypeVarchar),
			wire.Col("column_name", wire.TypeVarchar),
			wire.Col("data_type", wire.TypeVarchar),
			wire.Col("is_nullable", wire.TypeVarchar),
			wire.Col("ordinal_position", wire.TypeInt4),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			var rows [][]*string
			for _, t := range mockTables {
				for i, c := range t.columns {
					nullable := "YES"
					if i == 0 {
						nullable = "NO"
					}
					rows = append(rows, []*string{
						str("public"), str(t.name), str(c.name), str(c.dataType),
						str(nullable), str(strconv.Itoa(i + 1)),
					})
				}
			}
			return rows
		},
	},
	"information_schema.schemata": {
		columns: []wire.Column{
			wire.Col("catalog_name", wire.TypeVarchar),
			wire.Col("schema_name", wire.TypeVarchar),
			wire.Col("schema_owner", wire.TypeVarchar),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			db := paramOr(sess, "database", "postgres")
			return [][]*string{
				{str(db), str("public"), str("postgres")},
				{str(db), str("information_schema"), str("postgres")},
				{str(db), str("pg_catalog"), str("postgres")},
			}
		},
	},
	"pg_catalog.pg_tables": {
		columns: []wire.Column{
			wire.Col("schemaname", wire.TypeName),
			wire.Col("tablename", wire.TypeName),
			wire.Col("tableowner", wire.TypeName),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			owner := paramOr(sess, "user", "postgres")
			var rows [][]*string
			for _, t := range mockTables {
				rows = append(rows, []*string{str("public"), str(t.name), str(owner)})
			}
			return rows
		},
	},
	"pg_catalog.pg_namespace": {
		columns: []wire.Column{
			wire.Col("oid", wire.TypeOID),
			wire.Col("nspname", wire.TypeName),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			return [][]*string{
				{str("11"), str("pg_catalog")},
				{str("2200"), str("public")},
				{str("13000"), str("information_schema")},
			}
		},
	},
	"pg_catalog.pg_database": {
		columns: []wire.Column{
			wire.Col("oid", wire.TypeOID),
			wire.Col("datname", wire.TypeName),
			wire.Col("encoding", wire.TypeInt4),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			return [][]*string{
				{str("5"), str(paramOr(sess, "database", "postgres")), str("6")},
				{str("1"), str("template1"), str("6")},
				{str("4"), str("template0"), str("6")},
			}
		},
	},
	"pg_catalog.pg_type": {
		columns: []wire.Column{
			wire.Col("oid", wire.TypeOID),
			wire.Col("typname", wire.TypeName),
			wire.Col("typlen", wire.TypeInt2),
			wire.Col("typtype", wire.TypeText),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			types := d.Types().All()
			rows := make([][]*string, len(types))
			for i, t := range types {
				rows[i] = []*string{
					str(strconv.FormatUint(uint64(t.OID), 10)),
					str(t.Name),
					str(strconv.Itoa(int(t.Size))),
					str(string(t.Typtype)),
				}
			}
			return rows
		},
	},
	"pg_catalog.pg_settings": {
		columns: []wire.Column{
			wire.Col("name", wire.TypeText),
			wire.Col("setting", wire.TypeText),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			res := d.showAll(sess)
			rows := make([][]*string, len(res.Rows))
			for i, r := range res.Rows {
				rows[i] = []*string{r[0], r[1]}
			}
			return rows
		},
	},
	"pg_catalog.pg_stat_activity": {
		columns: []wire.Column{
			wire.Col("pid", wire.TypeInt4),
			wire.Col("usename", wire.TypeName),
			wire.Col("application_name", wire.TypeText),
			wire.Col("state", wire.TypeText),
		},
		rows: func(d *Dispatcher, sess *session.Session) [][]*string {
			pid := "0"
			if sess != nil {
				pid = strconv.FormatUint(uint64(sess.BackendPid()), 10)
			}
			return [][]*string{{
				str(pid),
				str(paramOr(sess, "user", "postgres")),
				str(paramOr(sess, "application_name", "")),
				str("active"),
			}}
		},
	},
}

// mockTables is the fixed schema the catalog answers describe.
var mockTables = []struct {
	name    string
	columns []struct{ name, dataType string }
}{
	{
		name: "mock_users",
		columns: []struct{ name, dataType string }{
			{"id", "integer"},
			{"name", "text"},
			{"email", "text"},
			{"created_at", "timestamp with time zone"},
		},
	},
	{
		name: "mock_orders",
		columns: []struct{ name, dataType string }{
			{"id", "integer"},
			{"user_id", "integer"},
			{"total", "numeric"},
			{"placed_at", "timestamp with time zone"},
		},
	},
}

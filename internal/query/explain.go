package query

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

type explainOptions struct {
	analyze bool
	verbose bool
	costs   bool
	format  string
}

// planNode is one node of the synthetic plan tree.
type planNode struct {
	nodeType string
	relation string
	filter   string
	joinCond string
	sortKey  []string
	startup  float64
	total    float64
	rows     int
	width    int
	children []*planNode
}

// Synthetic timings for ANALYZE output.
const (
	actualStartupMs = 0.010
	actualTotalMs   = 0.025
	planningMs      = 0.042
	executionMs     = 0.107
)

// handleExplain parses EXPLAIN options, builds a plan skeleton from the
// inner statement's shape and renders it in the requested format. The
// inner statement is never executed.
func (d *Dispatcher) handleExplain(rest string, sess *session.Session) (*Result, error) {
	opts := explainOptions{costs: true, format: "text"}
	rest = strings.TrimSpace(rest)

	if strings.HasPrefix(rest, "(") {
		inner, after, ok := parenGroup(rest)
		if !ok {
			return nil, pgerr.Syntax("unterminated option list in EXPLAIN")
		}
		if err := parseExplainOptions(inner, &opts); err != nil {
			return nil, err
		}
		rest = after
	} else {
		for {
			word, tail := splitKeyword(rest)
			if word == "ANALYZE" || word == "ANALYSE" {
				opts.analyze = true
			} else if word == "VERBOSE" {
				opts.verbose = true
			} else {
				break
			}
			rest = tail
		}
	}

	if strings.TrimSpace(rest) == "" {
		return nil, pgerr.Syntax("EXPLAIN requires a statement")
	}

	plan := buildPlan(rest)
	colType := wire.TypeText
	var rows [][]*string
	switch opts.format {
	case "text":
		for _, line := range renderTextPlan(plan, opts) {
			rows = append(rows, []*string{str(line)})
		}
	case "json":
		colType = wire.TypeJSON
		doc, err := renderJSONPlan(plan, opts)
		if err != nil {
			return nil, pgerr.Internal(fmt.Errorf("rendering plan: %w", err))
		}
		rows = [][]*string{{str(doc)}}
	case "xml":
		rows = [][]*string{{str(renderXMLPlan(plan, opts))}}
	case "yaml":
		doc, err := renderYAMLPlan(plan, opts)
		if err != nil {
			return nil, pgerr.Internal(fmt.Errorf("rendering plan: %w", err))
		}
		rows = [][]*string{{str(doc)}}
	}

	return &Result{
		Command:  "EXPLAIN",
		RowCount: len(rows),
		Columns:  []wire.Column{wire.Col("QUERY PLAN", colType)},
		Rows:     rows,
	}, nil
}

func parseExplainOptions(inner string, opts *explainOptions) error {
	for _, item := range splitTopLevel(inner, ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			return pgerr.Syntax("empty EXPLAIN option")
		}
		nameWord, valueText := splitKeyword(item)
		name := strings.ToLower(nameWord)
		value := strings.ToLower(strings.TrimSpace(valueText))

		switch name {
		case "format":
			switch value {
			case "text", "json", "xml", "yaml":
				opts.format = value
			default:
				return pgerr.Unsupported("EXPLAIN format %q is not supported", value)
			}
		case "analyze", "analyse":
			b, err := explainBool(name, value)
			if err != nil {
				return err
			}
			opts.analyze = b
		case "verbose":
			b, err := explainBool(name, value)
			if err != nil {
				return err
			}
			opts.verbose = b
		case "costs":
			b, err := explainBool(name, value)
			if err != nil {
				return err
			}
			opts.costs = b
		case "buffers", "timing", "summary", "settings", "wal":
			if _, err := explainBool(name, value); err != nil {
				return err
			}
		default:
			return pgerr.Syntax("unrecognized EXPLAIN option %q", name)
		}
	}
	return nil
}

func explainBool(name, value string) (bool, error) {
	switch value {
	case "", "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, pgerr.Syntax("parameter %q requires a Boolean value", name)
}

// buildPlan derives a plan skeleton from the statement's shape: scans,
// a hash join when a JOIN is present, a sort for ORDER BY, and modify
// wrappers for INSERT/UPDATE/DELETE.
func buildPlan(inner string) *planNode {
	norm := normalize(inner)
	keyword, _ := splitKeyword(inner)

	switch keyword {
	case "INSERT":
		table := tableOr(wordAfter(norm, "into"))
		return &planNode{
			nodeType: "Insert", relation: table, total: 0.01, rows: 1,
			children: []*planNode{{nodeType: "Result", total: 0.01, rows: 1}},
		}
	case "UPDATE":
		table := tableOr(wordAfter(norm, "update"))
		return &planNode{
			nodeType: "Update", relation: table, total: 35.50, rows: 100,
			children: []*planNode{seqScan(table, norm)},
		}
	case "DELETE":
		table := tableOr(wordAfter(norm, "from"))
		return &planNode{
			nodeType: "Delete", relation: table, total: 35.50, rows: 100,
			children: []*planNode{seqScan(table, norm)},
		}
	}

	table := tableOr(wordAfter(norm, "from"))
	var node *planNode
	if joined := wordAfter(norm, "join"); joined != "" {
		join := &planNode{
			nodeType: "Hash Join", startup: 1.05, total: 2.15, rows: 100, width: 64,
			children: []*planNode{
				seqScan(table, norm),
				{
					nodeType: "Hash", startup: 1.00, total: 1.00, rows: 100, width: 32,
					children: []*planNode{seqScan(joined, "")},
				},
			},
		}
		if cond := clauseAfter(norm, "on"); cond != "" {
			join.joinCond = "(" + cond + ")"
		}
		node = join
	} else {
		node = seqScan(table, norm)
	}

	if key := clauseAfter(norm, "order by"); key != "" {
		var cols []string
		for _, c := range splitTopLevel(key, ',') {
			cols = append(cols, strings.TrimSpace(c))
		}
		node = &planNode{
			nodeType: "Sort", sortKey: cols,
			startup: node.total + 1.0, total: node.total + 1.5, rows: node.rows, width: node.width,
			children: []*planNode{node},
		}
	}
	return node
}

func seqScan(table, norm string) *planNode {
	n := &planNode{nodeType: "Seq Scan", relation: table, total: 35.50, rows: 100, width: 32}
	if cond := clauseAfter(norm, "where"); cond != "" {
		n.filter = "(" + cond + ")"
	}
	return n
}

func tableOr(name string) string {
	if name == "" {
		return "mock_table"
	}
	return name
}

// clauseTerminators bound the text a clause extends over.
var clauseTerminators = []string{
	" where ", " group by ", " having ", " order by ", " limit ",
	" offset ", " join ", " on ", " returning ", " set ",
}

// clauseAfter extracts the text following a keyword up to the next clause.
func clauseAfter(norm, marker string) string {
	padded := " " + norm + " "
	idx := strings.Index(padded, " "+marker+" ")
	if idx < 0 {
		return ""
	}
	rest := padded[idx+len(marker)+2:]
	end := len(rest)
	for _, term := range clauseTerminators {
		if term == " "+marker+" " {
			continue
		}
		if i := strings.Index(rest, term); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(rest[:end])
}

func wordAfter(norm, marker string) string {
	clause := clauseAfter(norm, marker)
	if clause == "" {
		return ""
	}
	word := strings.TrimSuffix(strings.Fields(clause)[0], ",")
	return word
}

func renderTextPlan(n *planNode, opts explainOptions) []string {
	var lines []string
	writeTextNode(&lines, n, 0, false, opts)
	if opts.analyze {
		lines = append(lines,
			fmt.Sprintf("Planning Time: %.3f ms", planningMs),
			fmt.Sprintf("Execution Time: %.3f ms", executionMs))
	}
	return lines
}

// writeTextNode renders one node at the given text column. Children sit
// behind an arrow two columns in; their own text starts four further.
func writeTextNode(lines *[]string, n *planNode, col int, arrow bool, opts explainOptions) {
	text := n.nodeType
	if n.relation != "" {
		text += " on " + n.relation
	}
	if opts.costs {
		text += fmt.Sprintf("  (cost=%.2f..%.2f rows=%d width=%d)", n.startup, n.total, n.rows, n.width)
	}
	if opts.analyze {
		text += fmt.Sprintf(" (actual time=%.3f..%.3f rows=%d loops=1)", actualStartupMs, actualTotalMs, n.rows)
	}

	if arrow {
		*lines = append(*lines, strings.Repeat(" ", col-4)+"->  "+text)
	} else {
		*lines = append(*lines, strings.Repeat(" ", col)+text)
	}

	detail := strings.Repeat(" ", col+2)
	if n.joinCond != "" {
		*lines = append(*lines, detail+"Hash Cond: "+n.joinCond)
	}
	if len(n.sortKey) > 0 {
		*lines = append(*lines, detail+"Sort Key: "+strings.Join(n.sortKey, ", "))
	}
	if n.filter != "" {
		*lines = append(*lines, detail+"Filter: "+n.filter)
	}
	for _, child := range n.children {
		writeTextNode(lines, child, col+6, true, opts)
	}
}

func (n *planNode) toMap(opts explainOptions) map[string]any {
	m := map[string]any{"Node Type": n.nodeType}
	if n.relation != "" {
		m["Relation Name"] = n.relation
		m["Alias"] = n.relation
	}
	if opts.costs {
		m["Startup Cost"] = n.startup
		m["Total Cost"] = n.total
		m["Plan Rows"] = n.rows
		m["Plan Width"] = n.width
	}
	if opts.analyze {
		m["Actual Startup Time"] = actualStartupMs
		m["Actual Total Time"] = actualTotalMs
		m["Actual Rows"] = n.rows
		m["Actual Loops"] = 1
	}
	if n.joinCond != "" {
		m["Hash Cond"] = n.joinCond
	}
	if len(n.sortKey) > 0 {
		m["Sort Key"] = n.sortKey
	}
	if n.filter != "" {
		m["Filter"] = n.filter
	}
	if len(n.children) > 0 {
		kids := make([]map[string]any, len(n.children))
		for i, c := range n.children {
			kids[i] = c.toMap(opts)
		}
		m["Plans"] = kids
	}
	return m
}

func planDocument(n *planNode, opts explainOptions) []map[string]any {
	entry := map[string]any{"Plan": n.toMap(opts)}
	if opts.analyze {
		entry["Planning Time"] = planningMs
		entry["Execution Time"] = executionMs
	}
	return []map[string]any{entry}
}

func renderJSONPlan(n *planNode, opts explainOptions) (string, error) {
	out, err := json.MarshalIndent(planDocument(n, opts), "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func renderYAMLPlan(n *planNode, opts explainOptions) (string, error) {
	out, err := yaml.Marshal(planDocument(n, opts))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func renderXMLPlan(n *planNode, opts explainOptions) string {
	var b strings.Builder
	b.WriteString("<explain xmlns=\"http://www.postgresql.org/2009/explain\">\n")
	b.WriteString("  <Query>\n")
	writeXMLNode(&b, n, 4, opts)
	if opts.analyze {
		xmlElem(&b, 4, "Planning-Time", fmt.Sprintf("%.3f", planningMs))
		xmlElem(&b, 4, "Execution-Time", fmt.Sprintf("%.3f", executionMs))
	}
	b.WriteString("  </Query>\n")
	b.WriteString("</explain>")
	return b.String()
}

func writeXMLNode(b *strings.Builder, n *planNode, indent int, opts explainOptions) {
	pad := strings.Repeat(" ", indent)
	b.WriteString(pad + "<Plan>\n")
	xmlElem(b, indent+2, "Node-Type", n.nodeType)
	if n.relation != "" {
		xmlElem(b, indent+2, "Relation-Name", n.relation)
		xmlElem(b, indent+2, "Alias", n.relation)
	}
	if opts.costs {
		xmlElem(b, indent+2, "Startup-Cost", fmt.Sprintf("%.2f", n.startup))
		xmlElem(b, indent+2, "Total-Cost", fmt.Sprintf("%.2f", n.total))
		xmlElem(b, indent+2, "Plan-Rows", fmt.Sprintf("%d", n.rows))
		xmlElem(b, indent+2, "Plan-Width", fmt.Sprintf("%d", n.width))
	}
	if n.joinCond != "" {
		xmlElem(b, indent+2, "Hash-Cond", n.joinCond)
	}
	if len(n.sortKey) > 0 {
		pad2 := strings.Repeat(" ", indent+2)
		b.WriteString(pad2 + "<Sort-Key>\n")
		for _, k := range n.sortKey {
			xmlElem(b, indent+4, "Item", k)
		}
		b.WriteString(pad2 + "</Sort-Key>\n")
	}
	if n.filter != "" {
		xmlElem(b, indent+2, "Filter", n.filter)
	}
	if len(n.children) > 0 {
		pad2 := strings.Repeat(" ", indent+2)
		b.WriteString(pad2 + "<Plans>\n")
		for _, c := range n.children {
			writeXMLNode(b, c, indent+4, opts)
		}
		b.WriteString(pad2 + "</Plans>\n")
	}
	b.WriteString(pad + "</Plan>\n")
}

func xmlElem(b *strings.Builder, indent int, name, value string) {
	var esc strings.Builder
	_ = xml.EscapeText(&esc, []byte(value))
	fmt.Fprintf(b, "%s<%s>%s</%s>\n", strings.Repeat(" ", indent), name, esc.String(), name)
}

package query

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var bareIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedWords are names the grammar claims for itself; identifiers
// spelled like one must be quoted or the parser would read them as
// keywords.
var reservedWords = map[string]bool{
	"select": true,
	"from":   true,
	"where":  true,
	"and":    true,
	"or":     true,
	"true":   true,
	"false":  true,
}

// Render produces the SQL-like text form of an expression. The output is
// the wire contract with the upstream subscription endpoint: identical
// trees always render to identical text.
func Render(e Expr) string {
	switch node := e.(type) {
	case EqExpr:
		return fmt.Sprintf("%s = %s", renderIdent(node.Column), renderLiteral(node.Value))
	case AndExpr:
		if len(node.Children) == 0 {
			return "TRUE"
		}
		return renderChildren(node.Children, " AND ")
	case OrExpr:
		if len(node.Children) == 0 {
			return "FALSE"
		}
		return renderChildren(node.Children, " OR ")
	default:
		return ""
	}
}

// SelectSQL renders the full subscription query for a table and an
// optional predicate: SELECT * FROM <table> [WHERE <expr>].
func SelectSQL(table string, e Expr) string {
	sql := "SELECT * FROM " + renderIdent(table)
	if e == nil {
		return sql
	}
	if and, ok := e.(AndExpr); ok && len(and.Children) == 0 {
		// AND of nothing matches everything, same as no WHERE at all.
		return sql
	}
	return sql + " WHERE " + Render(e)
}

func renderChildren(children []Expr, sep string) string {
	parts := make([]string, len(children))
	for i, child := range children {
		text := Render(child)
		if needsParens(child) {
			text = "(" + text + ")"
		}
		parts[i] = text
	}
	return strings.Join(parts, sep)
}

// needsParens reports whether a child renders a top-level AND/OR token
// and therefore must be parenthesized to keep precedence explicit.
func needsParens(e Expr) bool {
	switch node := e.(type) {
	case AndExpr:
		return len(node.Children) > 1
	case OrExpr:
		return len(node.Children) > 1
	}
	return false
}

// renderIdent quotes identifiers that are not plain [A-Za-z_][A-Za-z0-9_]*
// names or that collide with a reserved word, doubling any embedded
// double quote.
func renderIdent(name string) string {
	if bareIdentPattern.MatchString(name) && !reservedWords[strings.ToLower(name)] {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// renderLiteral formats a scalar value. Strings are single-quoted with
// embedded quotes doubled; booleans are TRUE/FALSE; non-finite numbers
// have no SQL literal form and render as quoted strings.
func renderLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return quoteString(val)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	}
	if f, ok := toFloat64(v); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return quoteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	// Non-scalar literals cannot match any row; render something inert.
	return quoteString(fmt.Sprintf("%v", v))
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

package core

import (
	"strings"
	"unicode"
)

// sqlToken kinds. The scanner understands just enough SQL to count bind
// placeholders and pull table/column references out of SELECT statements
// without being fooled by string literals or comments.
type sqlTokenKind int

const (
	tokIdent sqlTokenKind = iota
	tokPlaceholder
	tokString
	tokNumber
	tokSymbol
)

type sqlToken struct {
	kind sqlTokenKind
	text string
}

// scanSQL tokenizes a SQL statement. Single-quoted strings (with ''
// escapes), double-quoted identifiers, line comments (--) and block
// comments (/* */) are handled; comment contents are dropped.
func scanSQL(sql string) []sqlToken {
	var toks []sqlToken
	rs := []rune(sql)
	i := 0
	n := len(rs)

	for i < n {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '-' && i+1 < n && rs[i+1] == '-':
			for i < n && rs[i] != '\n' {
				i++
			}

		case r == '/' && i+1 < n && rs[i+1] == '*':
			i += 2
			for i+1 < n && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i += 2

		case r == '\'':
			j := i + 1
			for j < n {
				if rs[j] == '\'' {
					if j+1 < n && rs[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			toks = append(toks, sqlToken{tokString, string(rs[i+1 : min(j, n)])})
			i = j + 1

		case r == '"':
			j := i + 1
			for j < n && rs[j] != '"' {
				j++
			}
			toks = append(toks, sqlToken{tokIdent, string(rs[i+1 : min(j, n)])})
			i = j + 1

		case r == '?':
			toks = append(toks, sqlToken{tokPlaceholder, "?"})
			i++

		case r == '_' || unicode.IsLetter(r):
			j := i
			for j < n && (rs[j] == '_' || rs[j] == '$' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, sqlToken{tokIdent, string(rs[i:j])})
			i = j

		case unicode.IsDigit(r):
			j := i
			for j < n && (rs[j] == '.' || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, sqlToken{tokNumber, string(rs[i:j])})
			i = j

		default:
			toks = append(toks, sqlToken{tokSymbol, string(r)})
			i++
		}
	}
	return toks
}

// countPlaceholders returns the number of `?` bind markers outside of
// string literals and comments.
func countPlaceholders(sql string) int {
	count := 0
	for _, t := range scanSQL(sql) {
		if t.kind == tokPlaceholder {
			count++
		}
	}
	return count
}

// hasLimitOrOffset reports whether the statement already carries a LIMIT
// or OFFSET clause. Paginated endpoints must not, since the executor
// appends its own.
func hasLimitOrOffset(sql string) bool {
	for _, t := range scanSQL(sql) {
		if t.kind != tokIdent {
			continue
		}
		switch strings.ToUpper(t.text) {
		case "LIMIT", "OFFSET":
			return true
		}
	}
	return false
}

var sqlKeywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "FULL": true, "OUTER": true, "CROSS": true,
	"ON": true, "AND": true, "OR": true, "NOT": true, "IN": true, "IS": true,
	"NULL": true, "AS": true, "GROUP": true, "ORDER": true, "BY": true,
	"HAVING": true, "LIMIT": true, "OFFSET": true, "DISTINCT": true,
	"BETWEEN": true, "LIKE": true, "ILIKE": true, "ASC": true, "DESC": true,
	"UNION": true, "ALL": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "EXISTS": true, "TRUE": true, "FALSE": true,
}

// referencedTables extracts table names following FROM and JOIN keywords.
// Schema qualifiers are stripped; subqueries are skipped.
func referencedTables(sql string) []string {
	toks := scanSQL(sql)
	seen := make(map[string]bool)
	var tables []string

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent {
			continue
		}
		kw := strings.ToUpper(t.text)
		if kw != "FROM" && kw != "JOIN" {
			continue
		}
		j := i + 1
		if j >= len(toks) {
			break
		}
		if toks[j].kind == tokSymbol && toks[j].text == "(" {
			continue // subquery
		}
		if toks[j].kind != tokIdent || sqlKeywords[strings.ToUpper(toks[j].text)] {
			continue
		}
		name := toks[j].text
		// schema.table: keep the last segment
		for j+2 < len(toks) && toks[j+1].kind == tokSymbol && toks[j+1].text == "." && toks[j+2].kind == tokIdent {
			j += 2
			name = toks[j].text
		}
		lower := strings.ToLower(name)
		if !seen[lower] {
			seen[lower] = true
			tables = append(tables, name)
		}
	}
	return tables
}

// referencedColumns extracts column names from the SELECT list and WHERE
// clause. Aliases and table qualifiers are stripped; `*`, literals and
// function calls are ignored.
func referencedColumns(sql string) []string {
	toks := scanSQL(sql)
	seen := make(map[string]bool)
	var cols []string

	add := func(name string) {
		lower := strings.ToLower(name)
		if !seen[lower] {
			seen[lower] = true
			cols = append(cols, name)
		}
	}

	depth := 0
	section := "" // "select", "where" or ""
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokSymbol {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if t.kind == tokIdent && depth == 0 {
			switch strings.ToUpper(t.text) {
			case "SELECT":
				section = "select"
				continue
			case "FROM":
				section = ""
				continue
			case "WHERE":
				section = "where"
				continue
			case "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION":
				section = ""
				continue
			}
		}
		if section == "" || t.kind != tokIdent || sqlKeywords[strings.ToUpper(t.text)] {
			continue
		}
		// function call: ident immediately followed by "("
		if i+1 < len(toks) && toks[i+1].kind == tokSymbol && toks[i+1].text == "(" {
			continue
		}
		name := t.text
		// qualified reference: walk the dotted chain, keep the last part
		for i+2 < len(toks) && toks[i+1].kind == tokSymbol && toks[i+1].text == "." && toks[i+2].kind == tokIdent {
			i += 2
			name = toks[i].text
		}
		if section == "select" && i >= 1 && toks[i-1].kind == tokIdent {
			// trailing alias: `expr AS alias` or `expr alias` - the alias
			// identifier is not a column reference
			prev := strings.ToUpper(toks[i-1].text)
			if prev == "AS" || !sqlKeywords[prev] {
				continue
			}
		}
		add(name)
	}
	return cols
}

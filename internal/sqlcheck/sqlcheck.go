// Package sqlcheck classifies SQL statements and guards read-only entry
// points such as exports against statements that change data.
package sqlcheck

import (
	"errors"
	"strings"
)

var (
	ErrEmptyStatement  = errors.New("empty statement")
	ErrMultipleQueries = errors.New("multi-statement queries are not allowed")
	ErrNotSelect       = errors.New("only SELECT queries are allowed")
	ErrForbidden       = errors.New("forbidden keyword")
	ErrSystemSchema    = errors.New("access to system schema blocked")
)

// Kind is the broad category of a statement.
type Kind int

const (
	KindUnknown Kind = iota
	KindQuery
	KindDML
	KindDDL
	KindTx
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindDML:
		return "dml"
	case KindDDL:
		return "ddl"
	case KindTx:
		return "tx"
	}
	return "unknown"
}

var leadingKinds = map[string]Kind{
	"SELECT":   KindQuery,
	"WITH":     KindQuery,
	"EXPLAIN":  KindQuery,
	"VALUES":   KindQuery,
	"INSERT":   KindDML,
	"UPDATE":   KindDML,
	"DELETE":   KindDML,
	"MERGE":    KindDML,
	"COPY":     KindDML,
	"CREATE":   KindDDL,
	"DROP":     KindDDL,
	"ALTER":    KindDDL,
	"TRUNCATE": KindDDL,
	"GRANT":    KindDDL,
	"REVOKE":   KindDDL,
	"KILL":     KindDDL,
	"START":    KindTx,
	"BEGIN":    KindTx,
	"COMMIT":   KindTx,
	"ROLLBACK": KindTx,
}

// Classify reports the kind of statement by its first keyword.
func Classify(query string) Kind {
	fields := strings.Fields(strings.TrimLeft(Normalize(query), "( \t\r\n"))
	if len(fields) == 0 {
		return KindUnknown
	}
	first := strings.TrimLeft(fields[0], "(")
	return leadingKinds[first]
}

// forbidden lists keywords that must not appear anywhere in a read-only
// statement, even inside a subquery or CTE.
var forbidden = []string{
	"DELETE", "DROP", "INSERT", "UPDATE", "ALTER", "TRUNCATE", "GRANT", "REVOKE",
	"CREATE", "MERGE", "CALL", "KILL", "COPY", "LOAD",
}

var systemSchemas = []string{"SYSTEM", "INFORMATION_SCHEMA"}

// ValidateReadOnly accepts a single SELECT-like statement that references no
// data-changing keyword and no system schema. String literals and comments
// are ignored when looking for keywords.
func ValidateReadOnly(query string) error {
	q := Normalize(query)
	if strings.TrimSpace(q) == "" {
		return ErrEmptyStatement
	}

	// A single trailing semicolon is allowed.
	body := strings.TrimRight(strings.TrimSpace(q), ";")
	if strings.Contains(body, ";") {
		return ErrMultipleQueries
	}
	if Classify(query) != KindQuery {
		return ErrNotSelect
	}

	for _, word := range forbidden {
		if containsWord(body, word) {
			return errors.Join(ErrForbidden, errors.New(word))
		}
	}
	for _, schema := range systemSchemas {
		if containsWord(body, schema) {
			return errors.Join(ErrSystemSchema, errors.New(schema))
		}
	}
	return nil
}

// Normalize empties string literals, drops -- and /* */ comments and
// upper-cases the rest of a statement.
func Normalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			// Skip to the closing quote; '' is an escaped quote.
			j := i + 1
			for j < len(query) {
				if query[j] == '\'' {
					if j+1 < len(query) && query[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			b.WriteString("''")
			i = j
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				i = len(query)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			if 'a' <= c && c <= 'z' {
				c -= 'a' - 'A'
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// containsWord reports whether word occurs in s delimited by SQL word
// boundaries, so DELETE matches but IS_DELETED does not.
func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i == -1 {
			return false
		}
		start := idx + i
		end := start + len(word)

		if (start == 0 || isBoundary(s[start-1])) && (end == len(s) || isBoundary(s[end])) {
			return true
		}
		idx = start + 1
	}
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' ||
		b == '(' || b == ')' || b == ',' || b == '=' ||
		b == '<' || b == '>' || b == '.' || b == '"' ||
		b == ';' || b == '\''
}

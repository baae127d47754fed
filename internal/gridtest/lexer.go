package gridtest

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokSymbol
	tokParam
)

type token struct {
	kind tokenKind
	text string
}

// lex splits a statement into tokens. Identifiers are upper-cased; string
// literals keep their case and a doubled quote inside them becomes one.
func lex(sql string) ([]token, error) {
	var toks []token
	rs := []rune(sql)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == ';':
			// A trailing semicolon ends the statement.
			for _, rest := range rs[i+1:] {
				if !unicode.IsSpace(rest) {
					return nil, sqlErrorf(stateSyntax, "multiple statements are not supported")
				}
			}
			i = len(rs)
		case r == '?':
			toks = append(toks, token{kind: tokParam, text: "?"})
			i++
		case r == '\'':
			var b strings.Builder
			i++
			for {
				if i >= len(rs) {
					return nil, sqlErrorf(stateSyntax, "unterminated string literal")
				}
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			toks = append(toks, token{kind: tokString, text: b.String()})
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[start:i])})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: strings.ToUpper(string(rs[start:i]))})
		case r == '"':
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			if end >= len(rs) {
				return nil, sqlErrorf(stateSyntax, "unterminated quoted identifier")
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i+1 : end])})
			i = end + 1
		case strings.ContainsRune("<>!", r) && i+1 < len(rs) && rs[i+1] == '=':
			toks = append(toks, token{kind: tokSymbol, text: string(rs[i : i+2])})
			i += 2
		case r == '<' && i+1 < len(rs) && rs[i+1] == '>':
			toks = append(toks, token{kind: tokSymbol, text: "!="})
			i += 2
		case strings.ContainsRune("(),*=<>-", r):
			toks = append(toks, token{kind: tokSymbol, text: string(r)})
			i++
		default:
			return nil, sqlErrorf(stateSyntax, "unexpected character %q", r)
		}
	}
	if len(toks) == 0 {
		return nil, sqlErrorf(stateSyntax, "empty statement")
	}
	return toks, nil
}

func (t token) String() string {
	if t.kind == tokString {
		return fmt.Sprintf("'%s'", t.text)
	}
	return t.text
}

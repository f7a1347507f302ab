package derive

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/entityctx/internal/faults"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokParam      // :name
	tokPositional // ?1
	tokSymbol     // punctuation and operators
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// is reports whether t is the keyword or symbol s (keywords compare
// case-insensitively).
func (t token) is(s string) bool {
	switch t.kind {
	case tokIdent:
		return strings.EqualFold(t.text, s)
	case tokSymbol:
		return t.text == s
	}
	return false
}

// lex splits a query string into tokens. The text is NFC-normalized first so
// identifiers and string literals compare byte-for-byte regardless of how the
// declaration file was encoded.
func lex(text string) ([]token, error) {
	src := []rune(norm.NFC.String(text))
	var out []token

	for i := 0; i < len(src); {
		r := src[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '\'':
			start := i
			var b strings.Builder
			i++
			for {
				if i >= len(src) {
					return nil, faults.New(faults.CodeSpecQuery, "unterminated string literal at %d", start)
				}
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteRune(src[i])
				i++
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: start})

		case unicode.IsDigit(r):
			start := i
			kind := tokInt
			for i < len(src) && (unicode.IsDigit(src[i]) || src[i] == '.') {
				if src[i] == '.' {
					kind = tokFloat
				}
				i++
			}
			out = append(out, token{kind: kind, text: string(src[start:i]), pos: start})

		case isIdentStart(r):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: string(src[start:i]), pos: start})

		case r == ':':
			start := i
			i++
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			if i == start+1 {
				return nil, faults.New(faults.CodeSpecQuery, "parameter name expected at %d", start)
			}
			out = append(out, token{kind: tokParam, text: string(src[start+1 : i]), pos: start})

		case r == '?':
			start := i
			i++
			for i < len(src) && unicode.IsDigit(src[i]) {
				i++
			}
			out = append(out, token{kind: tokPositional, text: string(src[start:i]), pos: start})

		default:
			start := i
			sym := string(r)
			if i+1 < len(src) {
				switch two := string(src[i : i+2]); two {
				case "<>", "!=", "<=", ">=":
					sym = two
				}
			}
			if !strings.Contains("=<>!+-*/(),.", string(r)) {
				return nil, faults.New(faults.CodeSpecQuery, "unexpected character %q at %d", r, start)
			}
			if sym == "!" {
				return nil, faults.New(faults.CodeSpecQuery, "unexpected character '!' at %d", start)
			}
			i += len([]rune(sym))
			out = append(out, token{kind: tokSymbol, text: sym, pos: start})
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(src)})
	return out, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// This file splits query text into lexemes.
package query

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// operators are split out of the text even without surrounding spaces.
// Longer operators come first so "<=" is not read as "<" "=".
var operators = []string{"<=", ">=", "==", "><", "<", ">", "=", ","}

// lexeme is one raw token. Quoted lexemes are always literal values.
type lexeme struct {
	text   string
	quoted bool
}

// tokenize splits text on whitespace and operators. Double quotes group
// a literal containing spaces or reserved words; an unterminated quote
// runs to the end of the text.
func tokenize(text string) []lexeme {
	var out []lexeme
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, lexeme{text: cur.String()})
			cur.Reset()
		}
	}

	for i := 0; i < len(text); {
		if text[i] == '"' {
			flush()
			end := strings.IndexByte(text[i+1:], '"')
			if end < 0 {
				out = append(out, lexeme{text: text[i+1:], quoted: true})
				break
			}
			out = append(out, lexeme{text: text[i+1 : i+1+end], quoted: true})
			i += end + 2
			continue
		}
		if op := operatorAt(text, i); op != "" {
			flush()
			out = append(out, lexeme{text: op})
			i += len(op)
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			flush()
		} else {
			cur.WriteRune(r)
		}
		i += size
	}
	flush()
	return out
}

func operatorAt(text string, i int) string {
	for _, op := range operators {
		if strings.HasPrefix(text[i:], op) {
			return op
		}
	}
	return ""
}

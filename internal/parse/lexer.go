package parse

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	ival int64
	fval float64
	sval string
	line int
	col  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.text)
}

// multi-character punctuation, checked before single characters.
var punct2 = []string{"::", ":-", "==", "!=", "<=", ">="}

func tokenize(src string) ([]token, error) {
	var toks []token
	line, col := 1, 1
	i := 0
	n := len(src)

	advance := func(k int) {
		for j := 0; j < k; j++ {
			if src[i+j] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
		}
		i += k
	}

	for i < n {
		c := src[i]

		// whitespace
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			advance(1)
			continue
		}

		// line comment
		if c == '/' && i+1 < n && src[i+1] == '/' {
			j := i
			for j < n && src[j] != '\n' {
				j++
			}
			advance(j - i)
			continue
		}

		startLine, startCol := line, col

		// string literal
		if c == '"' {
			var sb strings.Builder
			j := i + 1
			for j < n && src[j] != '"' {
				if src[j] == '\\' && j+1 < n {
					j++
					switch src[j] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case '"':
						sb.WriteByte('"')
					case '\\':
						sb.WriteByte('\\')
					default:
						return nil, fmt.Errorf("line %d: unknown escape \\%c", startLine, src[j])
					}
				} else {
					sb.WriteByte(src[j])
				}
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("line %d: unterminated string literal", startLine)
			}
			text := src[i : j+1]
			advance(j + 1 - i)
			toks = append(toks, token{kind: tokString, text: text, sval: sb.String(), line: startLine, col: startCol})
			continue
		}

		// number literal
		if c >= '0' && c <= '9' {
			j := i
			isFloat := false
			for j < n && (src[j] >= '0' && src[j] <= '9') {
				j++
			}
			if j < n && src[j] == '.' && j+1 < n && src[j+1] >= '0' && src[j+1] <= '9' {
				isFloat = true
				j++
				for j < n && src[j] >= '0' && src[j] <= '9' {
					j++
				}
			}
			if j < n && (src[j] == 'e' || src[j] == 'E') {
				k := j + 1
				if k < n && (src[k] == '+' || src[k] == '-') {
					k++
				}
				if k < n && src[k] >= '0' && src[k] <= '9' {
					isFloat = true
					for k < n && src[k] >= '0' && src[k] <= '9' {
						k++
					}
					j = k
				}
			}
			text := src[i:j]
			advance(j - i)
			if isFloat {
				f, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad float %q", startLine, text)
				}
				toks = append(toks, token{kind: tokFloat, text: text, fval: f, line: startLine, col: startCol})
			} else {
				v, err := strconv.ParseInt(text, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad integer %q", startLine, text)
				}
				toks = append(toks, token{kind: tokInt, text: text, ival: v, line: startLine, col: startCol})
			}
			continue
		}

		// identifier or keyword
		if c == '_' || unicode.IsLetter(rune(c)) {
			j := i
			for j < n && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			text := src[i:j]
			advance(j - i)
			toks = append(toks, token{kind: tokIdent, text: text, line: startLine, col: startCol})
			continue
		}

		// punctuation
		matched := false
		for _, p := range punct2 {
			if strings.HasPrefix(src[i:], p) {
				toks = append(toks, token{kind: tokPunct, text: p, line: startLine, col: startCol})
				advance(len(p))
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		switch c {
		case '(', ')', '{', '}', ',', ':', '=', '<', '>', '+', '-', '*', '/', '%', '$', '@', '.':
			toks = append(toks, token{kind: tokPunct, text: string(c), line: startLine, col: startCol})
			advance(1)
		default:
			return nil, fmt.Errorf("line %d col %d: unexpected character %q", line, col, c)
		}
	}

	toks = append(toks, token{kind: tokEOF, line: line, col: col})
	return toks, nil
}

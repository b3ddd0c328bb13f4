package listparse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParse is wrapped by every error returned from Parse.
var ErrParse = errors.New("malformed LIST response")

// Attributes is the parenthesized attribute list of a LIST row. Each element
// is either a string atom such as `\Noselect` or a nested Attributes.
type Attributes []interface{}

// Entry is one parsed LIST row.
type Entry struct {
	Attributes Attributes
	Delimiter  string
	Name       string
}

// RFC 3501 does not fully define name attribute syntax; accept what servers send.
var attrRe = regexp.MustCompile(`^\\[a-zA-Z0-9_]+`)

// Parse parses a LIST response row of the form `(<attrs>) "<delim>" <name>`.
func Parse(row string) (Entry, error) {
	row = strings.TrimSpace(row)
	if !strings.HasPrefix(row, "(") {
		return Entry{}, fmt.Errorf("%w: row does not start with '(': %q", ErrParse, row)
	}
	attrs, rest, err := parseAttributes(row)
	if err != nil {
		return Entry{}, err
	}
	tokens, err := splitStrings(rest)
	if err != nil {
		return Entry{}, err
	}
	if len(tokens) != 2 {
		return Entry{}, fmt.Errorf("%w: expected delimiter and name, got %d token(s) in %q", ErrParse, len(tokens), rest)
	}
	delim := tokens[0].value
	if !tokens[0].quoted && strings.EqualFold(delim, "NIL") {
		delim = ""
	}
	return Entry{Attributes: attrs, Delimiter: delim, Name: tokens[1].value}, nil
}

// parseAttributes consumes the leading parenthesized list. Nesting is tracked
// on an explicit stack so arbitrarily deep lists do not grow the call stack.
func parseAttributes(row string) (Attributes, string, error) {
	stack := []Attributes{{}}
	i := 1 // opening paren already checked
	for {
		for i < len(row) && isSpace(row[i]) {
			i++
		}
		if i >= len(row) {
			return nil, "", fmt.Errorf("%w: unterminated attribute list", ErrParse)
		}
		switch row[i] {
		case '(':
			stack = append(stack, Attributes{})
			i++
		case ')':
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			i++
			if len(stack) == 0 {
				return top, row[i:], nil
			}
			stack[len(stack)-1] = append(stack[len(stack)-1], top)
		default:
			m := attrRe.FindString(row[i:])
			if m == "" {
				return nil, "", fmt.Errorf("%w: bad attribute at %q", ErrParse, row[i:])
			}
			stack[len(stack)-1] = append(stack[len(stack)-1], m)
			i += len(m)
		}
	}
}

type token struct {
	value  string
	quoted bool
}

// splitStrings tokenizes the quoted-or-bare strings that follow the attributes.
func splitStrings(s string) ([]token, error) {
	var out []token
	i := 0
	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return out, nil
		}
		if s[i] == '"' {
			value, n, err := unquote(s[i:])
			if err != nil {
				return nil, err
			}
			out = append(out, token{value: value, quoted: true})
			i += n
			continue
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		out = append(out, token{value: s[start:i]})
	}
}

// unquote reads the quoted string at the start of s, resolving the `\"` and
// `\\` escapes, and returns its value and the number of bytes consumed.
func unquote(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			// A lone backslash is kept as is.
			if i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				i++
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated quoted string in %q", ErrParse, s)
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	return `"` + quoteEscaper.Replace(s) + `"`
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// String renders the entry back into LIST wire form.
func (e Entry) String() string {
	var b strings.Builder
	writeAttributes(&b, e.Attributes)
	b.WriteByte(' ')
	if e.Delimiter == "" {
		b.WriteString("NIL")
	} else {
		b.WriteString(Quote(e.Delimiter))
	}
	b.WriteString(" " + Quote(e.Name))
	return b.String()
}

func writeAttributes(b *strings.Builder, attrs Attributes) {
	b.WriteByte('(')
	for i, a := range attrs {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch v := a.(type) {
		case Attributes:
			writeAttributes(b, v)
		case string:
			b.WriteString(v)
		}
	}
	b.WriteByte(')')
}

// Has reports whether the top level of the list carries attr (case-insensitive).
func (a Attributes) Has(attr string) bool {
	for _, v := range a {
		if s, ok := v.(string); ok && strings.EqualFold(s, attr) {
			return true
		}
	}
	return false
}

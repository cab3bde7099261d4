// Package command renders platform command templates.
//
// A template is a plain string with named placeholders:
//
//	i2cset -y {bus} 0x{addr:02X} 0x{reg:02X} 0x{val:02X}
//
// Placeholder names are limited to pin, bus, addr, reg and val. A format
// spec after the colon selects zero padding, a minimum width and a verb
// (X, x or d). "{{" and "}}" produce literal braces.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Names lists every placeholder name a template may reference.
var Names = []string{"pin", "bus", "addr", "reg", "val"}

func knownName(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

type token struct {
	lit   string
	name  string // empty for literal tokens
	verb  byte   // 0, 'd', 'x' or 'X'
	width int
	zero  bool
}

// Template is a parsed command template. It is safe for concurrent use.
type Template struct {
	src    string
	tokens []token
}

// Parse compiles s. Unknown placeholder names, malformed format specs and
// unbalanced braces fail with ErrInvalidTemplate.
func Parse(s string) (*Template, error) {
	t := &Template{src: s}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.tokens = append(t.tokens, token{lit: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		switch c := s[i]; c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, templateErr(s, i, "unclosed placeholder")
			}
			tok, err := parsePlaceholder(s[i+1 : i+1+end])
			if err != nil {
				return nil, templateErr(s, i, err.Error())
			}
			flush()
			t.tokens = append(t.tokens, tok)
			i += end + 2
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				lit.WriteByte('}')
				i += 2
				continue
			}
			return nil, templateErr(s, i, "unmatched '}'")
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return t, nil
}

func templateErr(src string, pos int, reason string) error {
	return fmt.Errorf("%w: %q at offset %d: %s", ErrInvalidTemplate, src, pos, reason)
}

func parsePlaceholder(body string) (token, error) {
	name, spec, hasSpec := strings.Cut(body, ":")
	if !knownName(name) {
		return token{}, fmt.Errorf("unknown placeholder %q", name)
	}
	tok := token{name: name}
	if !hasSpec {
		return tok, nil
	}
	if spec == "" {
		return token{}, fmt.Errorf("empty format spec for %q", name)
	}

	rest := spec
	if rest[0] == '0' {
		tok.zero = true
		rest = rest[1:]
	}
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		w, err := strconv.Atoi(rest[:digits])
		if err != nil || w > 64 {
			return token{}, fmt.Errorf("bad width in %q", spec)
		}
		tok.width = w
		rest = rest[digits:]
	}
	switch rest {
	case "":
	case "X", "x", "d":
		tok.verb = rest[0]
	default:
		return token{}, fmt.Errorf("bad format spec %q for %q", spec, name)
	}
	return tok, nil
}

// String returns the source text of the template.
func (t *Template) String() string { return t.src }

// Placeholders returns the distinct placeholder names in order of first use.
func (t *Template) Placeholders() []string {
	var names []string
	seen := make(map[string]bool)
	for _, tok := range t.tokens {
		if tok.name == "" || seen[tok.name] {
			continue
		}
		seen[tok.name] = true
		names = append(names, tok.name)
	}
	return names
}

// Execute substitutes params into the template. The first placeholder
// without a value fails with a *MissingParameterError.
func (t *Template) Execute(params Params) (string, error) {
	var b strings.Builder
	b.Grow(len(t.src))
	for _, tok := range t.tokens {
		if tok.name == "" {
			b.WriteString(tok.lit)
			continue
		}
		v, ok := params[tok.name]
		if !ok {
			return "", &MissingParameterError{Name: tok.name}
		}
		s, err := tok.format(v)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func (tok token) format(v Value) (string, error) {
	if v.isStr {
		// Pin names and other strings are never numerically formatted.
		return v.str, nil
	}
	switch tok.verb {
	case 'X', 'x':
		if v.num < 0 {
			return "", fmt.Errorf("%w: %s=%d cannot be formatted as hex", ErrInvalidParameter, tok.name, v.num)
		}
		s := strconv.FormatInt(v.num, 16)
		if tok.verb == 'X' {
			s = strings.ToUpper(s)
		}
		return pad(s, tok.width, tok.zero), nil
	default:
		if tok.zero {
			return fmt.Sprintf("%0*d", tok.width, v.num), nil
		}
		return pad(strconv.FormatInt(v.num, 10), tok.width, false), nil
	}
}

func pad(s string, width int, zero bool) string {
	if len(s) >= width {
		return s
	}
	fill := " "
	if zero {
		fill = "0"
	}
	return strings.Repeat(fill, width-len(s)) + s
}

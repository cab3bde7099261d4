package command

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"

	"github.com/tphummel/as7265x_bench/internal/models"
)

// Value is a template parameter: an integer or a string.
type Value struct {
	str   string
	num   int64
	isStr bool
}

// Int returns an integer parameter value.
func Int[T constraints.Integer](v T) Value { return Value{num: int64(v)} }

// Str returns a string parameter value. Strings are substituted verbatim.
func Str(s string) Value { return Value{str: s, isStr: true} }

// Pin returns the parameter value for a pin identifier: numbered pins become
// integers, named pins strings.
func Pin(id models.PinID) Value {
	if n, ok := id.Number(); ok {
		return Int(n)
	}
	return Str(id.String())
}

// Int64 returns the integer held by v. ok is false for strings.
func (v Value) Int64() (n int64, ok bool) { return v.num, !v.isStr }

func (v Value) String() string {
	if v.isStr {
		return v.str
	}
	return strconv.FormatInt(v.num, 10)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isStr {
		return []byte(strconv.Quote(v.str)), nil
	}
	return []byte(strconv.FormatInt(v.num, 10)), nil
}

// ParseValue interprets s the way a user would type a parameter: "0x49" and
// "17" are integers, anything else ("PA8", "08x") is a string.
func ParseValue(s string) Value {
	if h, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok && h != "" {
		if n, err := strconv.ParseInt(h, 16, 64); err == nil {
			return Int(n)
		}
		return Str(s)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(n)
	}
	return Str(s)
}

// Params maps placeholder names to values.
type Params map[string]Value

// ParseParams parses "name=value" pairs.
func ParseParams(args []string) (Params, error) {
	p := make(Params, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not name=value", ErrInvalidParameter, arg)
		}
		if !knownName(name) {
			return nil, fmt.Errorf("%w: unknown name %q", ErrInvalidParameter, name)
		}
		p[name] = ParseValue(raw)
	}
	return p, nil
}

// WithDefaults returns a new Params holding defaults overlaid by p.
func (p Params) WithDefaults(defaults Params) Params {
	out := make(Params, len(p)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

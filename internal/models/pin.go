package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// PinID identifies a pin either by GPIO number (Linux SBCs) or by name
// (MCU boards such as "PA8"). The zero value means unset.
type PinID struct {
	name   string
	number int
	set    bool
}

// PinNumber returns a numeric pin identifier.
func PinNumber(n int) PinID { return PinID{number: n, set: true} }

// PinName returns a named pin identifier.
func PinName(s string) PinID { return PinID{name: s, set: true} }

// IsZero reports whether the identifier is unset.
func (p PinID) IsZero() bool { return !p.set }

// Number returns the GPIO number. ok is false for named pins.
func (p PinID) Number() (n int, ok bool) {
	return p.number, p.set && p.name == ""
}

// Name returns the pin name. ok is false for numbered pins.
func (p PinID) Name() (s string, ok bool) {
	return p.name, p.name != ""
}

func (p PinID) String() string {
	if p.name != "" {
		return p.name
	}
	if !p.set {
		return ""
	}
	return strconv.Itoa(p.number)
}

func (p PinID) MarshalJSON() ([]byte, error) {
	if p.name != "" {
		return json.Marshal(p.name)
	}
	if !p.set {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(p.number)), nil
}

func (p *PinID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = PinID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return p.setName(s)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("pin %s: not an integer or string", data)
	}
	return p.setNumber(n)
}

func (p *PinID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: pin must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!null":
		*p = PinID{}
		return nil
	case "!!int":
		n, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: pin %q: %w", node.Line, node.Value, err)
		}
		return p.setNumber(n)
	default:
		return p.setName(node.Value)
	}
}

func (p *PinID) setNumber(n int) error {
	if n < 0 {
		return fmt.Errorf("pin %d: must not be negative", n)
	}
	*p = PinNumber(n)
	return nil
}

func (p *PinID) setName(s string) error {
	if s == "" {
		return fmt.Errorf("pin name must not be empty")
	}
	*p = PinName(s)
	return nil
}

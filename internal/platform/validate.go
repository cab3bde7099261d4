package platform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/tphummel/as7265x_bench/internal/command"
	"github.com/tphummel/as7265x_bench/internal/models"
)

// Transport defaults applied to records that leave them unset.
const (
	DefaultLocalTimeout  = 10 * time.Second
	DefaultRemoteTimeout = 5 * time.Second
	DefaultRemoteRetries = 3
)

func applyDefaults(c *models.Communication) {
	if c.Type == "" {
		c.Type = models.TransportDirect
	}
	if c.Timeout == 0 {
		if c.Local() {
			c.Timeout = DefaultLocalTimeout
		} else {
			c.Timeout = DefaultRemoteTimeout
		}
	}
	if c.Retries == 0 {
		if c.Local() {
			c.Retries = 1
		} else {
			c.Retries = DefaultRemoteRetries
		}
	}
}

// validate checks a converted platform. It runs for records built in code as
// well as for files, so it repeats the presence checks the decoder makes.
func validate(p *models.Platform) *ConfigParseError {
	fail := func(field string, err error) *ConfigParseError {
		return &ConfigParseError{Platform: p.ID, Field: field, Err: err}
	}

	if p.ID == "" {
		return fail("platform", errors.New("required"))
	}
	if p.Name == "" {
		return fail("name", errors.New("required"))
	}
	if p.I2CBus < 0 {
		return fail("i2c_bus", fmt.Errorf("%d is negative", p.I2CBus))
	}
	for _, role := range models.PinRoles {
		if _, ok := p.Pins.Get(role); !ok {
			return fail("pins."+string(role), errors.New("required"))
		}
	}
	for _, op := range models.Operations {
		if models.RequiredOperations[op] && !p.Supports(op) {
			return fail("commands."+string(op), errors.New("required"))
		}
	}

	if err := validateCommunication(p.Communication); err != nil {
		return fail(err.field, err.err)
	}

	for op, src := range p.Commands {
		if err := validateTemplate(op, src, p.Communication); err != nil {
			return fail("commands."+string(op), err)
		}
	}
	return nil
}

type commError struct {
	field string
	err   error
}

func validateCommunication(c models.Communication) *commError {
	if !models.ValidTransports[c.Type] {
		return &commError{"communication.type", fmt.Errorf("unknown type %q", c.Type)}
	}
	switch c.Type {
	case models.TransportSerial:
		if c.Device == "" {
			return &commError{"communication.port", errors.New("serial device path required")}
		}
		if c.BaudRate <= 0 {
			return &commError{"communication.baudrate", fmt.Errorf("%d is not a baud rate", c.BaudRate)}
		}
	case models.TransportTCP:
		if c.Host == "" {
			return &commError{"communication.host", errors.New("required")}
		}
		if c.Port < 1 || c.Port > 65535 {
			return &commError{"communication.port", fmt.Errorf("%d is out of range", c.Port)}
		}
	}
	if c.Shell && !c.Local() {
		return &commError{"communication.shell", fmt.Errorf("not supported for %s", c.Type)}
	}
	return nil
}

// validateTemplate parses src, checks that every placeholder can be supplied
// for op, and that the template has the shape its transport expects.
func validateTemplate(op models.Operation, src string, c models.Communication) error {
	tmpl, err := command.Parse(src)
	if err != nil {
		return err
	}
	allowed := models.OperationParams[op]
	for _, name := range tmpl.Placeholders() {
		if !contains(allowed, name) {
			return fmt.Errorf("placeholder {%s} is not available to %s (allowed: %s)",
				name, op, strings.Join(allowed, ", "))
		}
	}

	switch {
	case c.Local() && !c.Shell:
		words, err := shlex.Split(src)
		if err != nil {
			return fmt.Errorf("not a valid command line: %w", err)
		}
		if len(words) == 0 {
			return errors.New("empty command line")
		}
	case c.Local():
		if strings.TrimSpace(src) == "" {
			return errors.New("empty command line")
		}
	default:
		if strings.ContainsAny(src, "\r\n") {
			return fmt.Errorf("%s messages must be a single line", c.Type)
		}
		if strings.TrimSpace(src) == "" {
			return errors.New("empty message")
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

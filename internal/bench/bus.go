package bench

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tinygo.org/x/drivers"
)

// ErrUnsupportedTx is returned for bus transactions that have no platform
// command equivalent.
var ErrUnsupportedTx = errors.New("unsupported i2c transaction")

// Bus returns the session as a drivers.I2C so device drivers can talk to the
// sensor through platform commands. Only register-style transactions are
// supported: a one-byte write followed by a one-byte read becomes i2c_read
// and a two-byte write becomes i2c_write.
func (s *Session) Bus(ctx context.Context) drivers.I2C {
	return &bus{ctx: ctx, s: s}
}

type bus struct {
	ctx context.Context
	s   *Session
}

func (b *bus) Tx(addr uint16, w, r []byte) error {
	switch {
	case len(w) == 1 && len(r) == 1:
		v, err := b.s.readRegister(b.ctx, addr, w[0])
		if err != nil {
			return err
		}
		r[0] = v
		return nil
	case len(w) == 2 && len(r) == 0:
		return b.s.writeRegister(b.ctx, addr, w[0], w[1])
	}
	return fmt.Errorf("%w: write %d read %d bytes", ErrUnsupportedTx, len(w), len(r))
}

// ParseByte extracts the byte value from i2c_read output. The last
// whitespace-separated token is used, so bridge replies like "OK 0x40" and
// plain "0x40" both work. Values without a 0x prefix are read as hex, the
// way i2cget and most bridge firmwares print them.
func ParseByte(out string) (byte, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, errors.New("empty read output")
	}
	tok := fields[len(fields)-1]
	digits := tok
	if h, ok := strings.CutPrefix(strings.ToLower(tok), "0x"); ok {
		digits = h
	}
	n, err := strconv.ParseUint(digits, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("parse read output %q: %w", out, err)
	}
	return byte(n), nil
}

// ParseLevel interprets gpio_get output as a pin level.
func ParseLevel(out string) (bool, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return false, errors.New("empty gpio output")
	}
	switch strings.ToLower(fields[len(fields)-1]) {
	case "1", "high", "on", "true":
		return true, nil
	case "0", "low", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("parse gpio output %q", out)
}

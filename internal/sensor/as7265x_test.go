package sensor_test

import (
	"errors"
	"sync"
	"testing"

	"tinygo.org/x/drivers"

	"github.com/tphummel/as7265x_bench/internal/sensor"
)

// Compile-time check.
var _ drivers.I2C = (*fakeChip)(nil)

// fakeChip emulates the AS7265x physical register handshake.
type fakeChip struct {
	mu        sync.Mutex
	hwVersion byte
	temps     [3]byte
	busyPolls int // status reads that report TX_VALID after each write

	selected     byte
	txBusy       int
	rx           []byte
	pendingWrite bool
	writeReg     byte
	txCount      int
}

func newFakeChip() *fakeChip {
	return &fakeChip{hwVersion: sensor.HWVersion, temps: [3]byte{28, 29, 31}, busyPolls: 2}
}

func (c *fakeChip) Tx(addr uint16, w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCount++

	if addr != sensor.Address {
		return errors.New("nack")
	}
	switch {
	case len(w) == 1 && len(r) == 1 && w[0] == 0x00:
		var st byte
		if c.txBusy > 0 {
			st |= 0x02
			c.txBusy--
		}
		if len(c.rx) > 0 {
			st |= 0x01
		}
		r[0] = st
		return nil
	case len(w) == 1 && len(r) == 1 && w[0] == 0x02:
		r[0] = 0
		if len(c.rx) > 0 {
			r[0] = c.rx[0]
			c.rx = c.rx[1:]
		}
		return nil
	case len(w) == 2 && w[0] == 0x01:
		v := w[1]
		switch {
		case c.pendingWrite:
			if c.writeReg == sensor.RegDevSelect {
				c.selected = v
			}
			c.pendingWrite = false
		case v&0x80 != 0:
			c.pendingWrite = true
			c.writeReg = v & 0x7F
		default:
			c.rx = append(c.rx, c.virtual(v))
		}
		c.txBusy = c.busyPolls
		return nil
	}
	return errors.New("unexpected transaction")
}

func (c *fakeChip) virtual(reg byte) byte {
	switch reg {
	case sensor.RegHWVersion:
		return c.hwVersion
	case sensor.RegDeviceTemp:
		return c.temps[c.selected]
	}
	return 0
}

func TestDriver_ReadHWVersion(t *testing.T) {
	chip := newFakeChip()
	d := sensor.New(chip, sensor.Config{})
	v, err := d.ReadHWVersion()
	if err != nil {
		t.Fatalf("ReadHWVersion: %v", err)
	}
	if v != sensor.HWVersion {
		t.Errorf("got %#x, want %#x", v, sensor.HWVersion)
	}
}

func TestDriver_ReadTemperaturePerDevice(t *testing.T) {
	chip := newFakeChip()
	d := sensor.New(chip, sensor.Config{})
	for i, dev := range sensor.Devices {
		c, err := d.ReadTemperature(dev)
		if err != nil {
			t.Fatalf("ReadTemperature(%s): %v", dev, err)
		}
		if c != int(chip.temps[i]) {
			t.Errorf("%s: got %d, want %d", dev, c, chip.temps[i])
		}
	}
}

func TestDriver_DrainsStaleByte(t *testing.T) {
	chip := newFakeChip()
	chip.rx = []byte{0xEE}
	d := sensor.New(chip, sensor.Config{})
	v, err := d.ReadHWVersion()
	if err != nil {
		t.Fatalf("ReadHWVersion: %v", err)
	}
	if v != sensor.HWVersion {
		t.Errorf("stale byte returned: got %#x", v)
	}
}

func TestDriver_PollLimit(t *testing.T) {
	chip := newFakeChip()
	chip.busyPolls = 100
	chip.txBusy = 100
	d := sensor.New(chip, sensor.Config{MaxPolls: 5})
	_, err := d.ReadHWVersion()
	if !errors.Is(err, sensor.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	// One initial status read plus the bounded wait.
	if chip.txCount != 6 {
		t.Errorf("bus transactions: got %d, want 6", chip.txCount)
	}
}

func TestDriver_InvalidDevice(t *testing.T) {
	d := sensor.New(newFakeChip(), sensor.Config{})
	if err := d.SelectDevice(sensor.Device(3)); !errors.Is(err, sensor.ErrInvalidDevice) {
		t.Errorf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestDriver_WrongAddress(t *testing.T) {
	d := sensor.New(newFakeChip(), sensor.Config{Address: 0x29})
	if _, err := d.ReadHWVersion(); err == nil {
		t.Error("expected an error from a device that does not answer")
	}
}

func TestDevice_String(t *testing.T) {
	if got := sensor.DeviceSlave2.String(); got != "AS72653" {
		t.Errorf("got %q", got)
	}
}

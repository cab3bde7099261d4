// Package sensor drives the AS7265x spectral sensor chipset over any
// drivers.I2C bus and runs the bench acceptance test.
//
// The AS7265x hides its registers behind a virtual register interface. The
// host only sees three physical registers: a status byte, a write register
// and a read register. Every virtual access is a handshake on the status
// bits, so one virtual read costs several bus transactions.
package sensor

import (
	"errors"
	"fmt"
	"time"

	"tinygo.org/x/drivers"
)

// Address is the AS7265x I2C address.
const Address = 0x49

// Physical registers and status bits.
const (
	regStatus = 0x00
	regWrite  = 0x01
	regRead   = 0x02

	statusTxValid = 0x02 // write register still holds unread data
	statusRxValid = 0x01 // read register holds data for the host

	writeFlag = 0x80
)

// Virtual registers.
const (
	RegHWVersion  = 0x00
	RegDeviceTemp = 0x06
	RegDevSelect  = 0x4F
)

// HWVersion is the device type reported by a genuine AS7265x.
const HWVersion = 0x40

// Device is one of the three dies of the chipset, as addressed by
// RegDevSelect.
type Device byte

const (
	DeviceMaster Device = iota // AS72651, NIR
	DeviceSlave1               // AS72652, visible
	DeviceSlave2               // AS72653, UV
)

// Devices lists the dies in select order.
var Devices = []Device{DeviceMaster, DeviceSlave1, DeviceSlave2}

func (d Device) String() string {
	switch d {
	case DeviceMaster:
		return "AS72651"
	case DeviceSlave1:
		return "AS72652"
	case DeviceSlave2:
		return "AS72653"
	}
	return fmt.Sprintf("device(%d)", byte(d))
}

var (
	ErrTimeout       = errors.New("as7265x: timeout")
	ErrInvalidDevice = errors.New("as7265x: invalid device")
)

// Config controls polling. All fields are optional.
type Config struct {
	// Address defaults to 0x49 if zero.
	Address uint16
	// PollInterval is the pause between status reads. Zero polls back to
	// back, which suits slow buses where each read already takes
	// milliseconds.
	PollInterval time.Duration
	// MaxPolls bounds each status wait. Default 50.
	MaxPolls int
}

// Driver wraps an I2C connection to an AS7265x.
type Driver struct {
	bus drivers.I2C
	cfg Config
}

// New creates a driver. It does not touch the device.
func New(bus drivers.I2C, cfg Config) *Driver {
	if cfg.Address == 0 {
		cfg.Address = Address
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 50
	}
	return &Driver{bus: bus, cfg: cfg}
}

func (d *Driver) read(reg byte) (byte, error) {
	r := []byte{0}
	if err := d.bus.Tx(d.cfg.Address, []byte{reg}, r); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *Driver) write(reg, val byte) error {
	return d.bus.Tx(d.cfg.Address, []byte{reg, val}, nil)
}

// waitStatus polls the status register until status&mask == want.
func (d *Driver) waitStatus(mask, want byte) error {
	for i := 0; i < d.cfg.MaxPolls; i++ {
		st, err := d.read(regStatus)
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		if st&mask == want {
			return nil
		}
		if d.cfg.PollInterval > 0 {
			time.Sleep(d.cfg.PollInterval)
		}
	}
	return fmt.Errorf("%w: status mask %#02x never reached %#02x", ErrTimeout, mask, want)
}

// ReadVirtual reads a virtual register.
func (d *Driver) ReadVirtual(reg byte) (byte, error) {
	st, err := d.read(regStatus)
	if err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	if st&statusRxValid != 0 {
		// Drain a stale byte left from an earlier exchange.
		if _, err := d.read(regRead); err != nil {
			return 0, err
		}
	}
	if err := d.waitStatus(statusTxValid, 0); err != nil {
		return 0, err
	}
	if err := d.write(regWrite, reg); err != nil {
		return 0, err
	}
	if err := d.waitStatus(statusRxValid, statusRxValid); err != nil {
		return 0, err
	}
	return d.read(regRead)
}

// WriteVirtual writes val to a virtual register.
func (d *Driver) WriteVirtual(reg, val byte) error {
	if err := d.waitStatus(statusTxValid, 0); err != nil {
		return err
	}
	if err := d.write(regWrite, reg|writeFlag); err != nil {
		return err
	}
	if err := d.waitStatus(statusTxValid, 0); err != nil {
		return err
	}
	return d.write(regWrite, val)
}

// ReadHWVersion returns the device type byte.
func (d *Driver) ReadHWVersion() (byte, error) {
	return d.ReadVirtual(RegHWVersion)
}

// SelectDevice routes subsequent per-die register accesses to dev.
func (d *Driver) SelectDevice(dev Device) error {
	if dev > DeviceSlave2 {
		return fmt.Errorf("%w: %d", ErrInvalidDevice, dev)
	}
	return d.WriteVirtual(RegDevSelect, byte(dev))
}

// ReadTemperature selects dev and returns its die temperature in °C.
func (d *Driver) ReadTemperature(dev Device) (int, error) {
	if err := d.SelectDevice(dev); err != nil {
		return 0, err
	}
	v, err := d.ReadVirtual(RegDeviceTemp)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

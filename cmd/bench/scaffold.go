package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/as7265x_bench/internal/models"
	"github.com/tphummel/as7265x_bench/internal/platform"
)

// scaffold is a starter platform file. Field order is the order written.
type scaffold struct {
	Name              string              `yaml:"name"`
	Platform          string              `yaml:"platform"`
	Description       string              `yaml:"description"`
	I2CBus            int                 `yaml:"i2c_bus"`
	Pins              scaffoldPins        `yaml:"pins"`
	Commands          scaffoldCommands    `yaml:"commands"`
	Communication     scaffoldTransport   `yaml:"communication"`
	SetupInstructions []string            `yaml:"setup_instructions"`
	Dependencies      map[string][]string `yaml:"dependencies,omitempty"`
}

type scaffoldPins struct {
	Reset     any `yaml:"reset"`
	StatusLED any `yaml:"status_led"`
	SDA       any `yaml:"sda"`
	SCL       any `yaml:"scl"`
	Interrupt any `yaml:"interrupt"`
}

type scaffoldCommands struct {
	GPIOSetHigh string `yaml:"gpio_set_high"`
	GPIOSetLow  string `yaml:"gpio_set_low"`
	GPIOGet     string `yaml:"gpio_get,omitempty"`
	I2CRead     string `yaml:"i2c_read"`
	I2CWrite    string `yaml:"i2c_write"`
	I2CScan     string `yaml:"i2c_scan"`
}

type scaffoldTransport struct {
	Type     string `yaml:"type"`
	Port     any    `yaml:"port,omitempty"`
	BaudRate int    `yaml:"baudrate,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Timeout  int    `yaml:"timeout"`
}

// newScaffold returns a starter record for the transport. Pins and
// commands follow the shipped platform of the same kind and are meant to be
// edited.
func newScaffold(id string, transport models.Transport) (*scaffold, error) {
	s := &scaffold{
		Name:        id,
		Platform:    id,
		Description: "Describe the board and how the AS7265x is attached",
		Pins:        scaffoldPins{Reset: 17, StatusLED: 27, SDA: 2, SCL: 3, Interrupt: 4},
	}
	switch transport {
	case models.TransportDirect:
		s.I2CBus = 1
		s.Commands = scaffoldCommands{
			GPIOSetHigh: "gpioset gpiochip0 {pin}=1",
			GPIOSetLow:  "gpioset gpiochip0 {pin}=0",
			GPIOGet:     "gpioget gpiochip0 {pin}",
			I2CRead:     "i2cget -y {bus} 0x{addr:02X} 0x{reg:02X}",
			I2CWrite:    "i2cset -y {bus} 0x{addr:02X} 0x{reg:02X} 0x{val:02X}",
			I2CScan:     "i2cdetect -y {bus}",
		}
		s.Communication = scaffoldTransport{Type: string(transport), Timeout: 10}
		s.SetupInstructions = []string{"Enable the I2C bus", "Wire SDA, SCL, RST and the status LED to the pins above"}
		s.Dependencies = map[string][]string{"system_packages": {"i2c-tools", "gpiod"}}
	case models.TransportSerial:
		s.Pins = scaffoldPins{Reset: 7, StatusLED: 13, SDA: "A4", SCL: "A5", Interrupt: 2}
		s.Commands = scaffoldCommands{
			GPIOSetHigh: "GPIO {pin} 1",
			GPIOSetLow:  "GPIO {pin} 0",
			GPIOGet:     "GPIO? {pin}",
			I2CRead:     "I2CR {addr:02X} {reg:02X}",
			I2CWrite:    "I2CW {addr:02X} {reg:02X} {val:02X}",
			I2CScan:     "I2CSCAN",
		}
		s.Communication = scaffoldTransport{Type: string(transport), Port: "/dev/ttyACM0", BaudRate: 115200, Timeout: 5}
		s.SetupInstructions = []string{"Flash the serial bridge firmware", "Wire SDA, SCL and RST to the pins above"}
	case models.TransportTCP:
		s.Pins = scaffoldPins{Reset: 25, StatusLED: 2, SDA: 21, SCL: 22, Interrupt: 26}
		s.Commands = scaffoldCommands{
			GPIOSetHigh: "POST /gpio/{pin}/1",
			GPIOSetLow:  "POST /gpio/{pin}/0",
			GPIOGet:     "GET /gpio/{pin}",
			I2CRead:     "GET /i2c/{bus}/{addr:02x}/{reg:02x}",
			I2CWrite:    "POST /i2c/{bus}/{addr:02x}/{reg:02x}/{val:02x}",
			I2CScan:     "GET /i2c/{bus}/scan",
		}
		s.Communication = scaffoldTransport{Type: string(transport), Host: "192.168.1.100", Port: 8080, Timeout: 3}
		s.SetupInstructions = []string{"Flash the network bridge firmware", "Give the board a fixed address and set host above"}
	default:
		return nil, fmt.Errorf("transport must be direct, serial or tcp, got %q", transport)
	}
	return s, nil
}

// newPlatform writes a starter platform file into the config directory and
// checks that the directory still loads with it.
func (c *cli) newPlatform(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	id, transport := args[0], models.Transport(args[1])
	if id == "" || filepath.Base(id) != id {
		return fmt.Errorf("invalid platform id %q", id)
	}
	s, err := newScaffold(id, transport)
	if err != nil {
		return err
	}

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		if _, err := os.Stat(filepath.Join(c.cfg.ConfigDir, id+ext)); err == nil {
			return fmt.Errorf("%s%s already exists in %s", id, ext, c.cfg.ConfigDir)
		}
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	path := filepath.Join(c.cfg.ConfigDir, id+".yaml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}

	if _, err := platform.Load(c.cfg.ConfigDir); err != nil {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			c.logger.Warn("remove scaffold", "path", path, "error", rerr)
		}
		return err
	}
	c.logger.Info("platform scaffold written", "platform", id, "path", path)
	fmt.Fprintf(c.out, "wrote %s\nedit pins and commands, then run: bench -platform %s scan\n", path, id)
	return nil
}

package models

import (
	"time"
)

// Operation is one of the abstract GPIO/I2C actions a platform can implement.
type Operation string

const (
	OpGPIOSetHigh Operation = "gpio_set_high"
	OpGPIOSetLow  Operation = "gpio_set_low"
	OpGPIOGet     Operation = "gpio_get"
	OpI2CRead     Operation = "i2c_read"
	OpI2CWrite    Operation = "i2c_write"
	OpI2CScan     Operation = "i2c_scan"
)

// Operations lists every operation in display order.
var Operations = []Operation{
	OpGPIOSetHigh, OpGPIOSetLow, OpGPIOGet,
	OpI2CRead, OpI2CWrite, OpI2CScan,
}

// RequiredOperations is the set of operations every platform must define.
// gpio_get is optional.
var RequiredOperations = map[Operation]bool{
	OpGPIOSetHigh: true,
	OpGPIOSetLow:  true,
	OpI2CRead:     true,
	OpI2CWrite:    true,
	OpI2CScan:     true,
}

// OperationParams is the set of placeholder names each operation may
// reference. A template using anything else can never be rendered.
var OperationParams = map[Operation][]string{
	OpGPIOSetHigh: {"pin"},
	OpGPIOSetLow:  {"pin"},
	OpGPIOGet:     {"pin"},
	OpI2CRead:     {"bus", "addr", "reg"},
	OpI2CWrite:    {"bus", "addr", "reg", "val"},
	OpI2CScan:     {"bus", "addr"},
}

// ValidOperation reports whether op is one of the six known operations.
func ValidOperation(op Operation) bool {
	_, ok := OperationParams[op]
	return ok
}

// PinRole names a logical pin on the sensor board.
type PinRole string

const (
	PinReset     PinRole = "reset"
	PinStatusLED PinRole = "status_led"
	PinSDA       PinRole = "sda"
	PinSCL       PinRole = "scl"
	PinInterrupt PinRole = "interrupt"
)

// PinRoles lists every pin role in display order.
var PinRoles = []PinRole{PinReset, PinStatusLED, PinSDA, PinSCL, PinInterrupt}

// Pins maps each pin role to a platform pin identifier.
type Pins struct {
	Reset     PinID `json:"reset" yaml:"reset"`
	StatusLED PinID `json:"status_led" yaml:"status_led"`
	SDA       PinID `json:"sda" yaml:"sda"`
	SCL       PinID `json:"scl" yaml:"scl"`
	Interrupt PinID `json:"interrupt" yaml:"interrupt"`
}

// Get returns the identifier for role. ok is false for unknown roles and
// unset pins.
func (p Pins) Get(role PinRole) (id PinID, ok bool) {
	switch role {
	case PinReset:
		id = p.Reset
	case PinStatusLED:
		id = p.StatusLED
	case PinSDA:
		id = p.SDA
	case PinSCL:
		id = p.SCL
	case PinInterrupt:
		id = p.Interrupt
	default:
		return PinID{}, false
	}
	return id, !id.IsZero()
}

// Transport is the communication.type tag of a platform.
type Transport string

const (
	TransportDirect Transport = "direct"
	TransportSerial Transport = "serial"
	TransportTCP    Transport = "tcp"
	TransportCustom Transport = "custom"
)

// ValidTransports is the set of allowed communication.type values.
var ValidTransports = map[Transport]bool{
	TransportDirect: true,
	TransportSerial: true,
	TransportTCP:    true,
	TransportCustom: true,
}

// Communication describes how rendered commands reach the board. Which
// fields are meaningful depends on Type.
type Communication struct {
	Type     Transport     `json:"type"`
	Device   string        `json:"device,omitempty"`   // serial
	BaudRate int           `json:"baudrate,omitempty"` // serial
	Host     string        `json:"host,omitempty"`     // tcp
	Port     int           `json:"port,omitempty"`     // tcp
	Shell    bool          `json:"shell,omitempty"`    // direct, custom
	Timeout  time.Duration `json:"timeout"`
	Retries  int           `json:"retries"`
}

// Local reports whether commands for this transport run as host processes.
func (c Communication) Local() bool {
	return c.Type == TransportDirect || c.Type == TransportCustom
}

// Platform is one supported board. Records are immutable once loaded.
type Platform struct {
	ID                string               `json:"platform"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	I2CBus            int                  `json:"i2c_bus"`
	Pins              Pins                 `json:"pins"`
	Commands          map[Operation]string `json:"commands"`
	Communication     Communication        `json:"communication"`
	SetupInstructions []string             `json:"setup_instructions,omitempty"`
	Dependencies      map[string]any       `json:"dependencies,omitempty"`
	Source            string               `json:"-"`
}

// Supports reports whether the platform defines a template for op.
func (p *Platform) Supports(op Operation) bool {
	_, ok := p.Commands[op]
	return ok
}

// Step is one check performed during a sensor test run.
type Step struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Run is the recorded outcome of one sensor test.
type Run struct {
	ID           string    `json:"id"`
	PlatformID   string    `json:"platform"`
	Passed       bool      `json:"passed"`
	HWVersion    int       `json:"hw_version"`
	Temperatures []int     `json:"temperatures"`
	Steps        []Step    `json:"steps"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

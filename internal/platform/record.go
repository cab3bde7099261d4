package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/as7265x_bench/internal/models"
)

// record is the on-disk shape of a platform file. Pointer fields tell a
// missing required field apart from a zero value.
type record struct {
	Name              *string              `json:"name" yaml:"name"`
	Platform          *string              `json:"platform" yaml:"platform"`
	Description       string               `json:"description" yaml:"description"`
	I2CBus            *int                 `json:"i2c_bus" yaml:"i2c_bus"`
	Pins              *models.Pins         `json:"pins" yaml:"pins"`
	Commands          map[string]string    `json:"commands" yaml:"commands"`
	Communication     *communicationRecord `json:"communication" yaml:"communication"`
	SetupInstructions []string             `json:"setup_instructions" yaml:"setup_instructions"`
	Dependencies      map[string]any       `json:"dependencies" yaml:"dependencies"`
}

type communicationRecord struct {
	Type     *string  `json:"type" yaml:"type"`
	Port     any      `json:"port" yaml:"port"`
	BaudRate *int     `json:"baudrate" yaml:"baudrate"`
	Host     string   `json:"host" yaml:"host"`
	IP       string   `json:"ip" yaml:"ip"`
	Shell    bool     `json:"shell" yaml:"shell"`
	Timeout  *float64 `json:"timeout" yaml:"timeout"`
	Retries  *int     `json:"retries" yaml:"retries"`
}

// decoders maps file extensions to record decoders. Files with any other
// extension are ignored by Load.
var decoders = map[string]func([]byte, *record) error{
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

func decodeJSON(data []byte, r *record) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(r); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after platform record")
	}
	return nil
}

func decodeYAML(data []byte, r *record) error {
	return yaml.Unmarshal(data, r)
}

// loadFile reads and converts one platform file. Every failure is a
// *ConfigParseError naming the file.
func loadFile(path string) (*models.Platform, error) {
	decode, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, &ConfigParseError{File: path, Err: errors.New("unsupported file extension")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigParseError{File: path, Err: err}
	}
	var rec record
	if err := decode(data, &rec); err != nil {
		return nil, &ConfigParseError{File: path, Err: err}
	}
	p, perr := rec.platform()
	if perr != nil {
		perr.File = path
		return nil, perr
	}
	p.Source = path
	return p, nil
}

// platform converts a decoded record, checking the required-field set.
func (r *record) platform() (*models.Platform, *ConfigParseError) {
	if r.Platform == nil || *r.Platform == "" {
		return nil, fieldErr("platform", errors.New("required"))
	}
	id := *r.Platform
	fail := func(field string, err error) (*models.Platform, *ConfigParseError) {
		return nil, &ConfigParseError{Platform: id, Field: field, Err: err}
	}

	if r.Name == nil || *r.Name == "" {
		return fail("name", errors.New("required"))
	}
	if r.I2CBus == nil {
		return fail("i2c_bus", errors.New("required"))
	}
	if r.Pins == nil {
		return fail("pins", errors.New("required"))
	}
	if r.Commands == nil {
		return fail("commands", errors.New("required"))
	}

	p := &models.Platform{
		ID:                id,
		Name:              *r.Name,
		Description:       r.Description,
		I2CBus:            *r.I2CBus,
		Pins:              *r.Pins,
		Commands:          make(map[models.Operation]string, len(r.Commands)),
		SetupInstructions: r.SetupInstructions,
		Dependencies:      r.Dependencies,
	}
	for name, tmpl := range r.Commands {
		op := models.Operation(name)
		if !models.ValidOperation(op) {
			return fail("commands."+name, errors.New("unknown operation"))
		}
		p.Commands[op] = tmpl
	}

	comm, err := r.Communication.communication()
	if err != nil {
		err.Platform = id
		return nil, err
	}
	p.Communication = comm
	return p, nil
}

func (c *communicationRecord) communication() (models.Communication, *ConfigParseError) {
	if c == nil {
		return models.Communication{Type: models.TransportDirect}, nil
	}
	if c.Type == nil {
		return models.Communication{}, fieldErr("communication.type", errors.New("required"))
	}
	out := models.Communication{
		Type:  models.Transport(*c.Type),
		Shell: c.Shell,
	}
	if !models.ValidTransports[out.Type] {
		return out, fieldErr("communication.type", fmt.Errorf("unknown type %q", *c.Type))
	}
	if c.Timeout != nil {
		if *c.Timeout <= 0 || math.IsInf(*c.Timeout, 0) || math.IsNaN(*c.Timeout) {
			return out, fieldErr("communication.timeout", errors.New("must be a positive number of seconds"))
		}
		out.Timeout = time.Duration(*c.Timeout * float64(time.Second))
	}
	if c.Retries != nil {
		if *c.Retries < 1 {
			return out, fieldErr("communication.retries", errors.New("must be at least 1"))
		}
		out.Retries = *c.Retries
	}

	switch out.Type {
	case models.TransportSerial:
		dev, ok := c.Port.(string)
		if !ok || dev == "" {
			return out, fieldErr("communication.port", errors.New("serial device path required"))
		}
		if c.BaudRate == nil {
			return out, fieldErr("communication.baudrate", errors.New("required"))
		}
		out.Device = dev
		out.BaudRate = *c.BaudRate
	case models.TransportTCP:
		out.Host = c.Host
		if out.Host == "" {
			out.Host = c.IP
		}
		if out.Host == "" {
			return out, fieldErr("communication.host", errors.New("required"))
		}
		port, err := tcpPort(c.Port)
		if err != nil {
			return out, fieldErr("communication.port", err)
		}
		out.Port = port
	}
	return out, nil
}

func tcpPort(v any) (int, error) {
	var n int
	switch x := v.(type) {
	case nil:
		return 0, errors.New("required")
	case int:
		n = x
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		n = int(x)
	case string:
		i, err := strconv.Atoi(x)
		if err != nil {
			return 0, fmt.Errorf("%q is not a port number", x)
		}
		n = i
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
	return n, nil
}

package dispatch

import (
	"log/slog"

	"go.bug.st/serial"

	"github.com/tphummel/as7265x_bench/internal/models"
)

// Port mirrors the unexported port interface for fakes in tests.
type Port = port

// NewSerialWithOpener builds a serial dispatcher that opens ports with open.
func NewSerialWithOpener(c models.Communication, logger *slog.Logger, open func(string, *serial.Mode) (Port, error)) Dispatcher {
	return newSerialWith(c, logger, open)
}

// SplitHTTP exposes splitHTTP.
var SplitHTTP = splitHTTP

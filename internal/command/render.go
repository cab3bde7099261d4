package command

import (
	"errors"
	"fmt"

	"github.com/tphummel/as7265x_bench/internal/models"
)

var (
	ErrUnknownOperation = errors.New("unknown_operation")
	ErrMissingParameter = errors.New("missing_parameter")
	ErrInvalidTemplate  = errors.New("invalid_template")
	ErrInvalidParameter = errors.New("invalid_parameter")
)

// UnknownOperationError reports a platform without a template for Op.
type UnknownOperationError struct {
	Platform string
	Op       models.Operation
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("%s: platform %q has no %q command", ErrUnknownOperation, e.Platform, e.Op)
}

func (e *UnknownOperationError) Is(target error) bool { return target == ErrUnknownOperation }

// MissingParameterError names the first placeholder without a value.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s: %q", ErrMissingParameter, e.Name)
}

func (e *MissingParameterError) Is(target error) bool { return target == ErrMissingParameter }

// Render produces the literal command for op on platform p. It has no side
// effects and returns the same string for the same inputs.
func Render(p *models.Platform, op models.Operation, params Params) (string, error) {
	src, ok := p.Commands[op]
	if !ok {
		return "", &UnknownOperationError{Platform: p.ID, Op: op}
	}
	t, err := Parse(src)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", p.ID, op, err)
	}
	return t.Execute(params)
}

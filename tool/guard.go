package tool

import (
	"context"
	"fmt"

	modbusmcp "github.com/TwoMental/modbus-mcp"
)

// Handler runs a tool. It always returns a Result; failures are rendered,
// never returned.
type Handler func(ctx context.Context, args map[string]any) Result

// HandlerFunc is the natural shape for writing a tool body.
type HandlerFunc func(ctx context.Context, args map[string]any) (Result, error)

// Guard turns fn into a Handler. Errors are rendered with FromError and a
// panic becomes an UnknownError result.
func Guard(fn HandlerFunc) Handler {
	return func(ctx context.Context, args map[string]any) (result Result) {
		defer func() {
			if r := recover(); r != nil {
				result = panicResult(r)
			}
		}()
		res, err := fn(ctx, args)
		if err != nil {
			return FromError(err)
		}
		return res
	}
}

func panicResult(r any) Result {
	return FromFailure(modbusmcp.NewFailure(fmt.Sprintf("tool panicked: %v", r), modbusmcp.KindUnknown))
}

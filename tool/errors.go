package tool

import "errors"

// Registration errors.
var (
	// ErrEmptyName indicates a tool was configured with an empty name.
	ErrEmptyName = errors.New("tool name cannot be empty")

	// ErrNoHandler indicates a tool was configured without a handler.
	ErrNoHandler = errors.New("tool has no handler")

	// ErrToolNotFound indicates the requested tool was not found.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolExists indicates a tool with the same name already exists.
	ErrToolExists = errors.New("tool already exists")

	// ErrInvalidSchema indicates a tool's input schema does not compile.
	ErrInvalidSchema = errors.New("invalid input schema")
)

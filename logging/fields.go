package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// Field is a function that applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

// Device adds a device id field.
func Device(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("device", id)
	}
}

// ConnID adds a connection id field.
func ConnID(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("conn_id", id)
	}
}

// Address adds a register address field.
func Address(addr int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int("address", addr)
	}
}

// Count adds a register count field.
func Count(n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int("count", n)
	}
}

// Kind adds a failure kind field.
func Kind(kind string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("kind", kind)
	}
}

// ToolName adds a tool name field.
func ToolName(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("tool", name)
	}
}

// Duration adds a duration field in milliseconds.
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("duration_ms", d.Milliseconds())
	}
}

// ErrorField adds an error field.
func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

// Component adds a component field for categorization.
func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("component", name)
	}
}

// Str adds a string field with custom key.
func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str(key, value)
	}
}

// Int adds an int field with custom key.
func Int(key string, value int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int(key, value)
	}
}

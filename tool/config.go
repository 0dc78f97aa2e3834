package tool

// Config is the registration record of one tool.
type Config struct {
	Name        string
	Description string
	InputSchema Schema
	Handler     Handler

	// Validate, when set, replaces the schema check before Handler runs.
	Validate func(args map[string]any) ValidationResult

	// ReadOnly tools do not change device state.
	ReadOnly bool

	validator *Validator
}

func (c Config) check() error {
	if c.Name == "" {
		return ErrEmptyName
	}
	if c.Handler == nil {
		return ErrNoHandler
	}
	return nil
}

// validate runs Validate, or the compiled input schema when Validate is nil.
func (c Config) validate(args map[string]any) ValidationResult {
	if c.Validate != nil {
		return c.Validate(args)
	}
	if c.validator != nil {
		return c.validator.Validate(args)
	}
	return c.InputSchema.Validate(args)
}

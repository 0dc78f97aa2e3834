package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"

	modbusmcp "github.com/TwoMental/modbus-mcp"
	"github.com/TwoMental/modbus-mcp/logging"
)

// Registry holds the registered tools and invokes them by name.
type Registry struct {
	tools  map[string]Config
	mu     sync.RWMutex
	logger *bolt.Logger
}

// NewRegistry creates an empty registry. A nil logger uses the default one.
func NewRegistry(logger *bolt.Logger) *Registry {
	if logger == nil {
		logger = logging.Get()
	}
	return &Registry{
		tools:  make(map[string]Config),
		logger: logger,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.check(); err != nil {
		return fmt.Errorf("register %q: %w", cfg.Name, err)
	}
	if cfg.InputSchema.Type == "" {
		cfg.InputSchema = ObjectSchema(nil)
	}
	validator, err := cfg.InputSchema.Compile()
	if err != nil {
		return fmt.Errorf("register %q: %w", cfg.Name, err)
	}
	cfg.validator = validator

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[cfg.Name]; exists {
		return fmt.Errorf("register %q: %w", cfg.Name, ErrToolExists)
	}
	r.tools[cfg.Name] = cfg
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.tools[name]
	return cfg, ok
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Config, 0, len(r.tools))
	for _, cfg := range r.tools {
		tools = append(tools, cfg)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke validates args and runs the named tool. When validation fails the
// handler is not called and the validation errors are returned as an
// error result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	cfg, ok := r.Get(name)
	if !ok {
		return FromFailure(modbusmcp.NewFailure(
			fmt.Sprintf("%v: %s", ErrToolNotFound, name), modbusmcp.KindUnknown,
		))
	}
	if args == nil {
		args = map[string]any{}
	}

	if v := cfg.validate(args); !v.Valid {
		logging.NewEvent(r.logger.Debug()).
			Add(logging.ToolName(name)).
			Add(logging.Str("errors", strings.Join(v.Errors, "; "))).
			Msg("tool arguments rejected")
		return FromFailure(modbusmcp.NewFailure(
			fmt.Sprintf("invalid arguments for %s: %s", name, strings.Join(v.Errors, "; ")),
			modbusmcp.KindUnknown,
		))
	}

	start := time.Now()
	result := r.run(ctx, cfg, args)

	event := r.logger.Debug()
	msg := "tool invoked"
	if result.IsError {
		event = r.logger.Warn()
		msg = "tool returned error"
	}
	logging.NewEvent(event).
		Add(logging.ToolName(name)).
		Add(logging.Duration(time.Since(start))).
		Add(logging.Str("result", truncate(result.Text(), 200))).
		Msg(msg)
	return result
}

// run calls the handler, rendering a panic that escaped it.
func (r *Registry) run(ctx context.Context, cfg Config, args map[string]any) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			result = panicResult(p)
		}
	}()
	return cfg.Handler(ctx, args)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

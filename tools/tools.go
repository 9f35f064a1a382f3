package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Sentinel errors for registry failures.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
	// ErrPathEscape marks path arguments that resolve outside the
	// workspace root. It is always turned into a failure result, never
	// executed.
	ErrPathEscape = errors.New("path escapes workspace root")
)

// Safety is a tool's declared mutation risk.
type Safety string

const (
	SafetyReadOnly Safety = "read-only"
	SafetyMutating Safety = "mutating"
)

// Schema is the JSON-schema subset used to describe tool parameters.
type Schema struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Required   []string               `json:"required"`
}

// Definition is the static descriptor a model gateway advertises for a
// registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      *Schema
	Safety      Safety
}

// Tool defines the interface for any action the agent can take. Run is
// only ever invoked with arguments that passed Registry.Validate.
type Tool interface {
	Name() string
	Description() string
	Schema() *Schema
	Safety() Safety
	Run(ctx context.Context, args map[string]interface{}) (string, error)
}

// SchemaError describes the first argument field that failed
// validation against a tool's parameter schema.
type SchemaError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("tool %q: argument %q: %s", e.Tool, e.Field, e.Reason)
}

// Registry holds all available tools, keyed by name. Tools are
// registered at startup and the registry is treated as immutable
// afterwards.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its name.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrDuplicateTool)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	return nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t, nil
}

// Validate checks args against the tool's parameter schema and returns
// the arguments ready for execution. Required fields are checked in
// schema order, then property types in name order, so the first
// reported failure is deterministic.
func (r *Registry) Validate(name string, args map[string]interface{}) (map[string]interface{}, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	schema := t.Schema()
	if schema == nil {
		return args, nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	for _, field := range schema.Required {
		if _, ok := args[field]; !ok {
			return nil, &SchemaError{Tool: name, Field: field, Reason: "required field missing"}
		}
	}

	fields := make([]string, 0, len(args))
	for field := range args {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		prop, ok := schema.Properties[field]
		if !ok {
			return nil, &SchemaError{Tool: name, Field: field, Reason: "not declared in parameter schema"}
		}
		expected := expectedType(prop)
		if expected == "" {
			continue
		}
		if reason := checkType(args[field], expected); reason != "" {
			return nil, &SchemaError{Tool: name, Field: field, Reason: reason}
		}
	}
	return args, nil
}

// Definitions returns descriptors for all registered tools, sorted by
// name for a stable gateway advertisement order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
			Safety:      t.Safety(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ActiveTools returns the tool instances named by a toolset, in the
// toolset's order.
func (r *Registry) ActiveTools(names []string) ([]Tool, error) {
	var active []Tool
	for _, name := range names {
		t, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		active = append(active, t)
	}
	return active, nil
}

func expectedType(definition interface{}) string {
	if m, ok := definition.(map[string]interface{}); ok {
		if v, ok := m["type"].(string); ok {
			return v
		}
	}
	return ""
}

func checkType(value interface{}, expected string) string {
	ok := false
	switch expected {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float32, float64, int, int32, int64:
			ok = true
		}
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			// JSON decodes all numbers as float64.
			ok = v == float64(int64(v))
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]interface{})
	case "array":
		_, ok = value.([]interface{})
	default:
		return fmt.Sprintf("unsupported schema type %q", expected)
	}
	if !ok {
		return fmt.Sprintf("expected %s, got %T", expected, value)
	}
	return ""
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex
// support).
func isCommandAllowed(command string, allowed []string) (bool, error) {
	if len(strings.Fields(command)) == 0 {
		return false, nil
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Fall back to exact comparison for invalid patterns.
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}

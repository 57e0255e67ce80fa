package tools

import "fmt"

// ErrUnknownTool is returned when a tool call targets a name that is
// not in the registry. Surfaced to the model as a failed observation,
// not a crash — the model can pick a different tool.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// ErrInvalidArguments is returned when a tool call's arguments fail
// schema validation. Recoverable: the model sees the validation detail
// in the observation and can correct the call.
type ErrInvalidArguments struct {
	ToolName string
	Detail   string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Detail)
}

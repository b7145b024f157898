package flowcontrol

import "fmt"

// Error is a custom error type for flow control errors
type Error struct {
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("flow control error: %s", e.Message)
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(msg string) error {
	return Error{Message: fmt.Sprintf("invalid config: %s", msg)}
}

package commbus

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrNoHandler        = errors.New("no handler")
	ErrDuplicateHandler = errors.New("duplicate handler")
	ErrQueryTimeout     = errors.New("query timeout")
)

// NoHandlerError is returned by QuerySync when nothing answers the query
// type, or when middleware dropped the query.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

func (e *NoHandlerError) Unwrap() error { return ErrNoHandler }

// HandlerAlreadyRegisteredError is returned by RegisterHandler for a
// second handler of the same type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

func (e *HandlerAlreadyRegisteredError) Unwrap() error { return ErrDuplicateHandler }

// QueryTimeoutError is returned when a query handler outlives the bus
// query timeout.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error { return ErrQueryTimeout }

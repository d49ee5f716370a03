package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrToolNotRegistered is returned when a step names a tool kind the
	// run's registry cannot dispatch.
	ErrToolNotRegistered = errors.New("tool not registered")
)

// StoreError is a record store read/write failure. It is the only error that
// aborts a run.
type StoreError struct {
	Op    string // "select", "insert", "update"
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ToolError is a rejected tool invocation or a transport failure.
type ToolError struct {
	Tool    ToolKind
	Status  int // HTTP status, 0 for transport failures
	Message string
	Payload any // decoded response body, if any
	Err     error
}

func (e *ToolError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("tool %s: HTTP %d: %s", e.Tool, e.Status, e.Message)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

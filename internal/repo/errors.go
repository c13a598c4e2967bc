// Package repo implements the data persistence layer for domain entities.
// This file centralizes repository-level error values for invariants the
// store itself enforces, so callers can test them with errors.Is.
package repo

import "errors"

var (
	// ErrInsufficientStock is returned by ConsumeStock when a rule has no
	// unused stock items left.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrExecutionExists is returned by CreateExecution when the order
	// already has a non-terminal workflow execution. It signals "already
	// executing", which callers treat as a benign outcome, not a failure.
	ErrExecutionExists = errors.New("execution already exists for order")
)

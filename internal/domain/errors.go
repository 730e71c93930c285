package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConflict     = errors.New("already exists")
)

// Specific errors.
var (
	ErrTableNotFound      = fmt.Errorf("table: %w", ErrNotFound)
	ErrColumnNotFound     = fmt.Errorf("column: %w", ErrNotFound)
	ErrRowNotFound        = fmt.Errorf("row: %w", ErrNotFound)
	ErrNoGeometryColumn   = fmt.Errorf("geometry column: %w", ErrNotFound)
	ErrProcessNotFound    = fmt.Errorf("process: %w", ErrNotFound)
	ErrPortNotFound       = fmt.Errorf("port: %w", ErrNotFound)
	ErrTableExists        = fmt.Errorf("table: %w", ErrConflict)
	ErrFileExists         = fmt.Errorf("file: %w", ErrConflict)
	ErrInvalidLocation    = fmt.Errorf("table location: %w", ErrInvalidInput)
	ErrInvalidSRID        = fmt.Errorf("srid: %w", ErrInvalidInput)
	ErrMissingInput       = fmt.Errorf("process input: %w", ErrInvalidInput)
	ErrCycle              = fmt.Errorf("process graph cycle: %w", ErrInvalidInput)
	ErrUnsupportedFormat  = fmt.Errorf("file format: %w", ErrUnsupported)
	ErrUnsupportedDialect = fmt.Errorf("database dialect: %w", ErrUnsupported)
	ErrClosed             = fmt.Errorf("data source closed: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// QueryError represents an error while executing a statement.
type QueryError struct {
	Table string // Table name, when known
	SQL   string // Statement text
	Err   error  // Underlying error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("query error on table %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("query error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IndexError represents an error during index operations.
type IndexError struct {
	Table  string // Table name
	Column string // Column name
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	return fmt.Sprintf("index error for column %s of table %s: %v",
		e.Column, e.Table, e.Err)
}

// Unwrap returns the underlying error.
func (e *IndexError) Unwrap() error {
	return e.Err
}

// ProcessError represents a failure of a single process in a mapper run.
type ProcessError struct {
	Process string // Process title or identifier
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %s failed: %v", e.Process, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}

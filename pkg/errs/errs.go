// Package errs defines the error kinds shared by the feature, training and
// inference pipelines. Callers match kinds with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel error kinds.
var (
	// ErrNotFound is returned for a missing corpus directory, model artifact
	// or label registry.
	ErrNotFound = errors.New("not found")

	// ErrDecode is returned when an audio file is unreadable, corrupt or too
	// short to produce a full analysis window.
	ErrDecode = errors.New("decode failed")

	// ErrShapeMismatch is returned when a feature tensor disagrees with the
	// input shape a model declares.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrIO is returned when persisting or reading an artifact fails.
	ErrIO = errors.New("io failure")
)

// Error carries an error kind together with the operation and path that
// produced it.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound wraps err as ErrNotFound.
func NotFound(op, path string, err error) error {
	return &Error{Kind: ErrNotFound, Op: op, Path: path, Err: err}
}

// Decode wraps err as ErrDecode.
func Decode(op, path string, err error) error {
	return &Error{Kind: ErrDecode, Op: op, Path: path, Err: err}
}

// ShapeMismatch reports a disagreement between two shapes.
func ShapeMismatch(op string, want, got any) error {
	return &Error{Kind: ErrShapeMismatch, Op: op, Err: fmt.Errorf("want %v, got %v", want, got)}
}

// IO wraps err as ErrIO.
func IO(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

// FromFS classifies a filesystem error: a missing path becomes ErrNotFound,
// anything else ErrIO.
func FromFS(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return NotFound(op, path, err)
	}
	return IO(op, path, err)
}

// Package api defines public API contracts for kernel-shm.
package api

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the shared memory subsystem. Callers match them
// with errors.Is; every layer wraps them with context.
var (
	// ErrNotFound reports an unknown or terminated process, or a missing mapping.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument reports a zero or malformed size, a non-resident
	// source range or an inexact unmap range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOutOfMemory reports frame or address-space exhaustion.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrKilled reports a participant that started terminating after its
	// lookup. It is a NotFound for every caller that only checks that kind.
	ErrKilled = fmt.Errorf("%w: process killed", ErrNotFound)
)

// Kind returns a short label naming the error kind of err, for metrics and
// diagnostics. Unknown errors are labelled "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKilled):
		return "killed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	}
	return "internal"
}

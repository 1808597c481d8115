package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the operational classification of a failure
type Category string

const (
	Network       Category = "network"
	System        Category = "system"
	Configuration Category = "configuration"
	Application   Category = "application"
	Unknown       Category = "unknown"
)

// Retryable reports whether failures of this category are worth retrying
func (c Category) Retryable() bool {
	return c == Network || c == System
}

// Error is a classified failure from a pipeline operation
type Error struct {
	Op       string // Operation that failed, e.g. "remote.submit"
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s fault", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error for an operation
func New(op string, category Category, err error) *Error {
	return &Error{Op: op, Category: category, Err: err}
}

// Newf creates a classified error from a format string
func Newf(op string, category Category, format string, args ...interface{}) *Error {
	return &Error{Op: op, Category: category, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category of err, classifying unlabeled errors
func CategoryOf(err error) Category {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return classifyMessage(err.Error())
}

// IsRetryable reports whether err belongs to a retryable category
func IsRetryable(err error) bool {
	return CategoryOf(err).Retryable()
}

// ClassifyExit categorizes a subprocess failure from its exit code and output.
// Exit code 255 is the ssh transport failure code; 126 and 127 mean the
// target could not be executed at all.
func ClassifyExit(exitCode int, output string) Category {
	switch exitCode {
	case 255:
		return Network
	case 126, 127:
		return System
	}
	if cat := classifyMessage(output); cat != Unknown {
		return cat
	}
	if exitCode == 1 {
		return Application
	}
	return Unknown
}

var patternTable = []struct {
	category Category
	patterns []string
}{
	{Network, []string{
		"connection refused", "connection reset", "connection timed out",
		"no route to host", "network is unreachable", "broken pipe",
		"ssh: handshake failed", "i/o timeout", "dial tcp",
		"temporary failure in name resolution", "host key",
	}},
	{System, []string{
		"no space left on device", "out of memory", "cannot allocate memory",
		"too many open files", "read-only file system", "input/output error",
		"disk quota exceeded", "resource temporarily unavailable",
	}},
	{Configuration, []string{
		"no such file or directory", "permission denied", "command not found",
		"not recognized", "invalid argument", "missing required",
		"is a directory", "executable file not found",
	}},
}

func classifyMessage(msg string) Category {
	lower := strings.ToLower(msg)
	for _, entry := range patternTable {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.category
			}
		}
	}
	return Unknown
}

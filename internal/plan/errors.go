// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// VALIDATION CODES
// =============================================================================

// Code classifies a plan validation failure.
type Code string

const (
	// CodeCyclicDependency - the dependency relation has a cycle
	CodeCyclicDependency Code = "CyclicDependency"

	// CodeUnboundReference - a {{key}} reference has no writer the step depends on
	CodeUnboundReference Code = "UnboundReference"

	// CodeSchemaMismatch - a step's binding does not match its kind or capability
	CodeSchemaMismatch Code = "SchemaMismatch"

	// CodeUnknownDependency - depends_on names a step that does not exist
	CodeUnknownDependency Code = "UnknownDependency"

	// CodeDuplicateStep - two steps share an id
	CodeDuplicateStep Code = "DuplicateStep"

	// CodeDuplicateWriter - two steps write the same Memory Bank key
	CodeDuplicateWriter Code = "DuplicateWriter"

	// CodeTooManySteps - the plan exceeds the configured step limit
	CodeTooManySteps Code = "TooManySteps"
)

// Sentinels matched by errors.Is against a *ValidationError of the same code.
var (
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnboundReference  = errors.New("unbound reference")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateStep     = errors.New("duplicate step")
	ErrDuplicateWriter   = errors.New("duplicate writer")
	ErrTooManySteps      = errors.New("too many steps")
)

func (c Code) sentinel() error {
	switch c {
	case CodeCyclicDependency:
		return ErrCyclicDependency
	case CodeUnboundReference:
		return ErrUnboundReference
	case CodeSchemaMismatch:
		return ErrSchemaMismatch
	case CodeUnknownDependency:
		return ErrUnknownDependency
	case CodeDuplicateStep:
		return ErrDuplicateStep
	case CodeDuplicateWriter:
		return ErrDuplicateWriter
	case CodeTooManySteps:
		return ErrTooManySteps
	}
	return nil
}

// =============================================================================
// VALIDATION ERRORS
// =============================================================================

// ValidationError is a single reason a plan was rejected.
type ValidationError struct {
	Code    Code
	Steps   []string // offending step ids; for cycles, the cycle path
	Field   string   // parameter path within the step, when relevant
	Message string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	if len(e.Steps) > 0 {
		sb.WriteString(" [")
		sb.WriteString(strings.Join(e.Steps, " -> "))
		sb.WriteString("]")
	}
	if e.Field != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Field)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Is matches the code's sentinel error.
func (e *ValidationError) Is(target error) bool {
	s := e.Code.sentinel()
	return s != nil && target == s
}

// ValidationErrors collects every problem found in one compile.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid plan: " + v[0].Error()
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = "  - " + e.Error()
	}
	return fmt.Sprintf("invalid plan (%d errors):\n%s", len(v), strings.Join(msgs, "\n"))
}

// Unwrap exposes each error to errors.Is and errors.As.
func (v ValidationErrors) Unwrap() []error {
	errs := make([]error, len(v))
	for i, e := range v {
		errs[i] = e
	}
	return errs
}

// Has reports whether any error carries code.
func (v ValidationErrors) Has(code Code) bool {
	for _, e := range v {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ByCode returns the errors carrying code.
func (v ValidationErrors) ByCode(code Code) ValidationErrors {
	var out ValidationErrors
	for _, e := range v {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}

func (v *ValidationErrors) add(code Code, steps []string, field, format string, args ...interface{}) {
	*v = append(*v, &ValidationError{
		Code:    code,
		Steps:   steps,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

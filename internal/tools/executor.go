// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/telemetry"
)

// DefaultToolTimeout applies when neither the caller nor the tool sets one.
const DefaultToolTimeout = 30 * time.Second

// =============================================================================
// INVOCATION ERRORS
// =============================================================================

// InvocationError is a failed capability invocation.
type InvocationError struct {
	Capability string
	Kind       ErrorKind
	Err        error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("capability %s: %s: %v", e.Capability, strings.ToLower(e.Kind.String()), e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind from an invocation error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCancelled
	}
	return ErrorFatal
}

// =============================================================================
// INVOKE
// =============================================================================

type outcome struct {
	res Result
	err error
}

// Invoke runs a capability with validated parameters under a timeout.
//
// timeout <= 0 uses the tool's own Timeout, then DefaultToolTimeout. An
// expired timeout is a Transient failure. Cancellation of ctx is Cancelled.
// The returned error is non-nil exactly when the invocation failed, and is
// always an *InvocationError.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]interface{}, timeout time.Duration) (Result, error) {
	tool := r.Get(name)
	if tool == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownCapability, name)
		return Fail(ErrorFatal, "%v", err), &InvocationError{Capability: name, Kind: ErrorFatal, Err: err}
	}

	params = applyDefaults(tool.Schema, params)
	if err := ValidateToolArgs(&tool.Schema, params); err != nil {
		return Fail(ErrorFatal, "%v", err), &InvocationError{Capability: name, Kind: ErrorFatal, Err: err}
	}

	if timeout <= 0 {
		timeout = tool.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{
					res: Fail(ErrorFatal, "panic: %v", p),
					err: fmt.Errorf("panic: %v", p),
				}
			}
		}()
		res, err := tool.Executor.Execute(callCtx, params)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = outcome{err: callCtx.Err()}
	}

	res := out.res
	res.Duration = time.Since(start)
	err := out.err
	if err == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "capability reported failure"
		}
		err = errors.New(msg)
	}

	if err == nil {
		res.ErrorKind = ErrorNone
		telemetry.ObserveCapability(name, telemetry.OutcomeSuccess, res.Duration)
		r.logger.Debug("capability succeeded",
			zap.String("capability", name),
			zap.Duration("duration", res.Duration))
		return res, nil
	}

	kind := classify(ctx, callCtx, res, err)
	if kind == ErrorTransient && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	res.Success = false
	res.ErrorKind = kind
	if res.Error == "" {
		res.Error = err.Error()
	}

	telemetry.ObserveCapability(name, outcomeLabel(kind), res.Duration)
	r.logger.Debug("capability failed",
		zap.String("capability", name),
		zap.Stringer("kind", kind),
		zap.Duration("duration", res.Duration),
		zap.Error(err))

	return res, &InvocationError{Capability: name, Kind: kind, Err: err}
}

// classify decides the failure class. Caller cancellation wins over
// everything, then the invocation deadline, then what the executor reported.
func classify(parent, call context.Context, res Result, err error) ErrorKind {
	if parent.Err() != nil {
		return ErrorCancelled
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if res.ErrorKind != ErrorNone {
		return res.ErrorKind
	}
	if llm.IsTransient(err) {
		return ErrorTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	return ErrorFatal
}

func outcomeLabel(k ErrorKind) string {
	switch k {
	case ErrorTransient:
		return telemetry.OutcomeTransient
	case ErrorCancelled:
		return telemetry.OutcomeCancelled
	default:
		return telemetry.OutcomeFatal
	}
}

// applyDefaults returns a copy of params with schema defaults filled in.
func applyDefaults(schema Schema, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+len(schema.Parameters))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range schema.Parameters {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// ValidationError describes a parameter that does not match the schema.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid argument '" + e.Param + "': " + e.Message
}

// ValidateToolArgs validates arguments against a tool schema:
// required parameters, unknown parameters, types, enums and size bounds.
func ValidateToolArgs(schema *Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	known := make(map[string]bool, len(schema.Parameters))
	for _, param := range schema.Parameters {
		known[param.Name] = true
		val, exists := args[param.Name]

		if param.Required && (!exists || val == nil) {
			return &ValidationError{Param: param.Name, Message: "missing required argument"}
		}
		if !exists || val == nil {
			continue
		}

		if err := validateArgType(param, val); err != nil {
			return err
		}

		switch param.Type {
		case "number", "integer":
			if err := validateNumericBounds(param, val); err != nil {
				return err
			}
		case "string":
			str := val.(string)
			if err := validateStringLength(param, str); err != nil {
				return err
			}
			if len(param.Enum) > 0 && !contains(param.Enum, str) {
				return &ValidationError{
					Param:   param.Name,
					Message: fmt.Sprintf("must be one of %s", strings.Join(param.Enum, ", ")),
				}
			}
		}
	}

	var unknown []string
	for name := range args {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Param: unknown[0], Message: "unknown argument"}
	}
	return nil
}

// validateArgType validates the type of an argument.
func validateArgType(param Parameter, val interface{}) error {
	switch param.Type {
	case "string":
		if _, ok := val.(string); !ok {
			return &ValidationError{Param: param.Name, Message: "expected string type"}
		}
	case "integer":
		f, ok := toFloat(val)
		if !ok || f != math.Trunc(f) {
			return &ValidationError{Param: param.Name, Message: "expected integer type"}
		}
	case "number":
		if _, ok := toFloat(val); !ok {
			return &ValidationError{Param: param.Name, Message: "expected number type"}
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return &ValidationError{Param: param.Name, Message: "expected boolean type"}
		}
	case "array":
		switch val.(type) {
		case []interface{}, []string:
		default:
			return &ValidationError{Param: param.Name, Message: "expected array type"}
		}
	case "object":
		if _, ok := val.(map[string]interface{}); !ok {
			return &ValidationError{Param: param.Name, Message: "expected object type"}
		}
	}
	return nil
}

// validateNumericBounds checks if a numeric value is within acceptable bounds.
func validateNumericBounds(param Parameter, val interface{}) error {
	numVal, _ := toFloat(val)
	const maxReasonableValue = 1e15
	if numVal > maxReasonableValue || numVal < -maxReasonableValue {
		return &ValidationError{Param: param.Name, Message: "numeric value out of reasonable bounds"}
	}
	return nil
}

// validateStringLength checks if a string is within acceptable length bounds.
func validateStringLength(param Parameter, val string) error {
	const maxStringLength = 10 * 1024 * 1024 // 10MB
	if len(val) > maxStringLength {
		return &ValidationError{Param: param.Name, Message: "string value exceeds maximum length"}
	}
	return nil
}

func toFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// PARAMETER HELPERS
// =============================================================================

// getStringParam extracts a string parameter with a default value.
func getStringParam(params map[string]interface{}, name string, defaultVal string) string {
	if val, ok := params[name]; ok {
		if s, ok := val.(string); ok && s != "" {
			return s
		}
	}
	return defaultVal
}

// getIntParam extracts an integer parameter with a default value.
func getIntParam(params map[string]interface{}, name string, defaultVal int) int {
	if val, ok := params[name]; ok {
		if f, ok := toFloat(val); ok {
			return int(f)
		}
	}
	return defaultVal
}

// getBoolParam extracts a boolean parameter with a default value.
func getBoolParam(params map[string]interface{}, name string, defaultVal bool) bool {
	if val, ok := params[name]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

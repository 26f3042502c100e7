// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package gres

// This file contains the error tiers used across the GRES engine.  Fatal
// configuration errors abort initialization or reconfiguration and are never
// produced mid schedule.  Request errors reject a job or step submission
// without touching node state.  Everything else is advisory and logged at
// the point it is observed.

import (
	"errors"

	"github.com/jjeffery/kv" // MIT License
)

// ConfigError marks an irreconcilable administrator or discovery
// configuration problem, tier one in the error model
type ConfigError struct {
	Err kv.Error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// With attaches key value pairs without losing the error's tier
func (e *ConfigError) With(keyvals ...interface{}) kv.Error {
	return &ConfigError{Err: e.Err.With(keyvals...)}
}

// RequestError marks a malformed or self contradictory job or step resource
// request, tier two in the error model
type RequestError struct {
	Err kv.Error
}

func (e *RequestError) Error() string { return e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }

// With attaches key value pairs without losing the error's tier
func (e *RequestError) With(keyvals ...interface{}) kv.Error {
	return &RequestError{Err: e.Err.With(keyvals...)}
}

// fatalConfig wraps a fully annotated error as a tier one configuration
// failure
func fatalConfig(err kv.Error) (wrapped kv.Error) {
	return &ConfigError{Err: err}
}

// InvalidRequest wraps a fully annotated error as a tier two request
// rejection
func InvalidRequest(err kv.Error) (wrapped kv.Error) {
	return &RequestError{Err: err}
}

// IsConfigFatal reports whether err belongs to the fatal configuration tier
func IsConfigFatal(err error) (fatal bool) {
	target := &ConfigError{}
	return errors.As(err, &target)
}

// IsInvalidRequest reports whether err belongs to the recoverable request
// validation tier
func IsInvalidRequest(err error) (invalid bool) {
	target := &RequestError{}
	return errors.As(err, &target)
}

// Copyright 2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package slurm contains the small shared surface exposed to commands built
// on the GRES accounting engine, currently the structured logger.
package slurm

// This file contains a logger that adorns the logxi package with the host
// name so records from many nodes can be pooled

import (
	"os"
	"sync"

	logxi "github.com/karlmutch/logxi/v1"
)

var (
	hostName string
)

func init() {
	hostName, _ = os.Hostname()
}

// Logger encapsulates the logging device that is used to emit logs and
// as a receiver that has the logging methods
type Logger struct {
	log logxi.Logger
	sync.Mutex
}

// NewLogger instantiates a wrapper logger with a component label.  Levels
// are controlled through the LOGXI environment variables.
func NewLogger(component string) (log *Logger) {
	logxi.DisableCallstack()

	return &Logger{
		log: logxi.New(component),
	}
}

// Debug emits a debug level message with a varargs style list of label and
// value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	allArgs := append([]interface{}{}, args...)
	allArgs = append(allArgs, "host")
	allArgs = append(allArgs, hostName)

	l.Lock()
	defer l.Unlock()
	l.log.Debug(msg, allArgs)
}

// Info emits an informational level message with a varargs style list of
// label and value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	allArgs := append([]interface{}{}, args...)
	allArgs = append(allArgs, "host")
	allArgs = append(allArgs, hostName)

	l.Lock()
	defer l.Unlock()
	l.log.Info(msg, allArgs)
}

// Warn emits a warning level message with a varargs style list of label and
// value pairs, returning the message as an error for callers that pass the
// condition upward
func (l *Logger) Warn(msg string, args ...interface{}) error {
	allArgs := append([]interface{}{}, args...)
	allArgs = append(allArgs, "host")
	allArgs = append(allArgs, hostName)

	l.Lock()
	defer l.Unlock()
	return l.log.Warn(msg, allArgs)
}

// Error emits an error level message with a varargs style list of label and
// value pairs
func (l *Logger) Error(msg string, args ...interface{}) error {
	allArgs := append([]interface{}{}, args...)
	allArgs = append(allArgs, "host")
	allArgs = append(allArgs, hostName)

	l.Lock()
	defer l.Unlock()
	return l.log.Error(msg, allArgs)
}

// SetLevel sets the threshold for the level of messages the logger will
// emit
func (l *Logger) SetLevel(lvl int) {
	l.Lock()
	defer l.Unlock()
	l.log.SetLevel(lvl)
}

// IsDebug returns true when the threshold logging level allows debugging
// messages to appear in the output
func (l *Logger) IsDebug() bool {
	l.Lock()
	defer l.Unlock()
	return l.log.IsDebug()
}

// Package monitoring holds the process-wide diagnostic log hooks.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var verbose atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose toggles per-cycle debug output written through Debugf.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Verbose reports whether debug output is enabled.
func Verbose() bool {
	return verbose.Load()
}

// Debugf forwards to Logf only when verbose output is enabled. The fusion
// loop runs at ~100Hz, so per-cycle chatter stays behind this switch.
func Debugf(format string, v ...interface{}) {
	if !verbose.Load() {
		return
	}
	Logf(format, v...)
}

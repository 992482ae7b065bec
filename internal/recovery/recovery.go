// Package recovery keeps goroutine panics from taking down the daemon and
// turns them into errors that can be reported to callers.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Name  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func logPanic(logger *slog.Logger, pe *PanicError) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", pe.Name,
		"panic", fmt.Sprintf("%v", pe.Value),
		"stack", pe.Stack)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "healthServer")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, &PanicError{Name: name, Value: r, Stack: string(debug.Stack())})
	}
}

// RecoverWithCallback recovers from panics, logs them, and hands the panic
// to callback as a *PanicError.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(*PanicError)) {
	if r := recover(); r != nil {
		pe := &PanicError{Name: name, Value: r, Stack: string(debug.Stack())}
		logPanic(logger, pe)
		if callback != nil {
			callback(pe)
		}
	}
}

// Go runs fn on a new goroutine tracked by wg. A panic in fn is logged and
// passed to onPanic, which may be nil.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func(), onPanic func(*PanicError)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithCallback(logger, name, onPanic)
		fn()
	}()
}

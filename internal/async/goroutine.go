package async

import "runtime/debug"

// PanicLogger captures panic reports from background goroutines.
// *logging.Logger satisfies it.
type PanicLogger interface {
	Error(msg string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		logger.Error("goroutine panic", "name", name, "panic", r, "stack", string(debug.Stack()))
	}
}

package build

import (
	"fmt"
	"io"
	"log/slog"
)

// Hooks is the per-build set of lifecycle callbacks. Every field is
// optional; a nil field is a no-op. A fresh Hooks value is threaded
// through each build invocation — hooks are never stored on the Builder,
// so concurrent builds cannot interfere with each other's callbacks.
type Hooks struct {
	// BuildStream receives the duplex stream before the engine call is
	// made, so the caller can start writing its build context immediately.
	BuildStream func(s *Stream) error

	// BuildSuccess fires when the progress stream ends without a daemon
	// error. imageID is the last layer digest observed; layers is the full
	// ordered digest sequence.
	BuildSuccess func(imageID string, layers []string) error

	// BuildFailure fires when the build fails for any reason. layers holds
	// the digests accumulated strictly before the failing event.
	BuildFailure func(cause error, layers []string) error

	// BuildTransform may substitute or wrap the packaged context stream
	// just before it is fed to the build. Only BuildDir consults it.
	BuildTransform func(r io.Reader) (io.Reader, error)
}

// ErrorHandler receives failures raised by the hooks themselves — a
// panic, a returned error, or a Pending result that later fails. It is
// never invoked for build outcomes; those go through BuildFailure.
type ErrorHandler func(error)

type pendingError struct {
	ch <-chan error
}

func (pendingError) Error() string { return "pending hook result" }

// Pending lets a hook defer its failure: return Pending(ch) and the
// dispatcher forwards at most one error received on ch to the error
// handler, in the background, without blocking the build. Send or close
// ch exactly once when the hook's work settles.
func Pending(ch <-chan error) error {
	return pendingError{ch: ch}
}

// dispatch runs a hook, isolating anything it raises from the build's own
// control flow. Panics and returned errors go to handler; a Pending
// result is resolved in a separate goroutine. handler is called at most
// once per failed invocation and never for a nil hook or a clean return.
func dispatch(handler ErrorHandler, name string, fn func() error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			handler(fmt.Errorf("%s hook panic: %v", name, r))
		}
	}()

	err := fn()
	if err == nil {
		return
	}
	if p, ok := err.(pendingError); ok {
		go func() {
			if e := <-p.ch; e != nil {
				handler(fmt.Errorf("%s hook: %w", name, e))
			}
		}()
		return
	}
	handler(fmt.Errorf("%s hook: %w", name, err))
}

// logErrors is the default error handler when the caller supplies none.
func logErrors(err error) {
	slog.Warn("build hook error", "err", err)
}

package build

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrAborted is the cause reported when the caller closes a build stream
// before the build finishes.
var ErrAborted = errors.New("build aborted by caller")

// Stream is the duplex handle for one build. The writable side carries
// the tar build context to the engine; the readable side yields the
// daemon's human-readable progress text in emission order. Progress is
// buffered internally, so a caller that only cares about the terminal
// hooks may ignore the readable side entirely without stalling the
// build.
type Stream struct {
	inR *io.PipeReader // engine reads the build context here
	inW *io.PipeWriter // caller writes the build context here

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer // progress text not yet read
	outErr error        // terminal cause of the readable side, nil = success
	done   bool         // readable side has reached its terminal state
	closed bool
}

func newStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	s.inR, s.inW = io.Pipe()
	return s
}

// Write feeds build-context bytes to the engine. It blocks until the
// engine consumes them.
func (s *Stream) Write(p []byte) (int, error) {
	return s.inW.Write(p)
}

// CloseWrite signals the end of the build context. The build itself
// continues; progress remains readable until the terminal outcome.
func (s *Stream) CloseWrite() error {
	return s.inW.Close()
}

// Read yields progress text. It returns io.EOF once the buffered text is
// drained after a successful build, or the failure cause after an
// unsuccessful one.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 && !s.done {
		s.cond.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	if s.outErr != nil {
		return 0, s.outErr
	}
	return 0, io.EOF
}

// Close aborts the build. The context upload is poisoned with ErrAborted,
// which the engine leg observes, so the build takes the standard failure
// path. Closing an already-terminated stream is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.inW.CloseWithError(ErrAborted)
	s.inR.CloseWithError(ErrAborted)
	return nil
}

// input returns the engine-facing side of the context leg.
func (s *Stream) input() io.Reader { return s.inR }

// emit appends one chunk of progress text to the readable side. It never
// blocks on a slow or absent reader.
func (s *Stream) emit(text string) {
	s.mu.Lock()
	if !s.done {
		s.buf.WriteString(text)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// finish terminates the readable side: io.EOF on success, cause on
// failure. Buffered text stays readable either way.
func (s *Stream) finish(cause error) {
	s.mu.Lock()
	s.done = true
	s.closed = true
	s.outErr = cause
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Package build drives image builds against a container engine: it feeds
// a tar build context to the engine, decodes the daemon's streamed
// progress protocol, tracks completed layer digests, and reports the
// terminal outcome through caller-supplied hooks.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cfilipov/kiln/internal/engine"
)

// Builder orchestrates builds against one engine. It holds no per-build
// state: every invocation allocates its own stream, layer list, and
// errored flag, so concurrent builds on the same Builder are independent.
type Builder struct {
	engine engine.Engine
}

// New returns a Builder that runs builds on eng.
func New(eng engine.Engine) *Builder {
	return &Builder{engine: eng}
}

// state is the per-invocation build state. layers is append-only in
// completion order (duplicates preserved); errored is monotonic — once a
// failure is reported, a later success-shaped stream end cannot override
// it. Only the goroutine draining the progress stream touches it.
type state struct {
	layers  []string
	errored bool
}

// CreateBuildStream starts a build whose context the caller supplies by
// writing to the returned stream. The BuildStream hook fires
// synchronously, before the engine call, so writing can begin
// immediately. Exactly one of BuildSuccess/BuildFailure fires per build,
// after all progress has been forwarded to the stream's readable side.
func (b *Builder) CreateBuildStream(ctx context.Context, opts engine.BuildOptions, hooks Hooks, handler ErrorHandler) *Stream {
	if handler == nil {
		handler = logErrors
	}

	st := &state{}
	s := newStream()

	dispatch(handler, "buildStream", func() error {
		if hooks.BuildStream == nil {
			return nil
		}
		return hooks.BuildStream(s)
	})

	go b.run(ctx, s, st, opts, hooks, handler)

	return s
}

// run drives one build to its terminal outcome.
func (b *Builder) run(ctx context.Context, s *Stream, st *state, opts engine.BuildOptions, hooks Hooks, handler ErrorHandler) {
	body, err := b.engine.Build(ctx, s.input(), opts)
	if err != nil {
		b.fail(s, st, hooks, handler, fmt.Errorf("start build: %w", err))
		return
	}
	defer body.Close()

	dec := NewDecoder(body)
	for {
		rec, ok := dec.Next()
		if !ok {
			break
		}
		if rec.IsError() {
			b.fail(s, st, hooks, handler, errors.New(rec.Err))
			return
		}
		if digest := ExtractLayer(rec.Text); digest != "" {
			st.layers = append(st.layers, digest)
		}
		s.emit(rec.Text)
	}

	// A transport fault mid-stream is a failure, not a quiet end.
	if err := dec.Err(); err != nil {
		b.fail(s, st, hooks, handler, fmt.Errorf("progress stream: %w", err))
		return
	}
	if st.errored {
		return
	}

	imageID := ""
	if n := len(st.layers); n > 0 {
		imageID = st.layers[n-1]
	}
	s.finish(nil)
	slog.Debug("build succeeded", "image", imageID, "layers", len(st.layers))

	dispatch(handler, "buildSuccess", func() error {
		if hooks.BuildSuccess == nil {
			return nil
		}
		return hooks.BuildSuccess(imageID, st.layers)
	})
}

// fail records the terminal failure: errored flips true, the readable
// side is torn down with the cause, and BuildFailure fires with the
// layers accumulated strictly before the failing event. At most one
// failure is reported per build.
func (b *Builder) fail(s *Stream, st *state, hooks Hooks, handler ErrorHandler, cause error) {
	if st.errored {
		return
	}
	st.errored = true
	layers := st.layers
	s.finish(cause)
	slog.Debug("build failed", "err", cause, "layers", len(layers))

	dispatch(handler, "buildFailure", func() error {
		if hooks.BuildFailure == nil {
			return nil
		}
		return hooks.BuildFailure(cause, layers)
	})
}

// BuildDir packages dir into a tar build context and runs the same
// orchestration as CreateBuildStream, feeding the archive in as the
// build's input. The archive is fully finalized before the engine call;
// if any file read fails, BuildDir returns the error and no build is
// started. A registered BuildTransform hook may substitute or wrap the
// archive stream first.
func (b *Builder) BuildDir(ctx context.Context, dir string, opts engine.BuildOptions, hooks Hooks, handler ErrorHandler) (*Stream, error) {
	if handler == nil {
		handler = logErrors
	}

	archive, err := packageDir(dir)
	if err != nil {
		return nil, fmt.Errorf("package build context: %w", err)
	}

	var input io.Reader = archive
	if hooks.BuildTransform != nil {
		dispatch(handler, "buildTransform", func() error {
			wrapped, err := hooks.BuildTransform(input)
			if err != nil {
				return err
			}
			if wrapped != nil {
				input = wrapped
			}
			return nil
		})
	}

	s := b.CreateBuildStream(ctx, opts, hooks, handler)

	go func() {
		if _, err := io.Copy(s, input); err != nil {
			// The stream was aborted or the engine gave up; the failure
			// path is already in flight.
			slog.Debug("context upload stopped", "err", err)
			return
		}
		s.CloseWrite()
	}()

	return s, nil
}

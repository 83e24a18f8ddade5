package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// FakeEngine is an in-process Engine for tests. Build drains the build
// context into memory (mirroring the real daemon, which consumes the
// context before any progress is produced) and then replays a scripted
// progress stream.
type FakeEngine struct {
	// Lines are emitted verbatim as the progress stream, one per line.
	Lines []string
	// Err, when set, is returned from Build before any output is produced.
	Err error
	// StreamErr, when set, terminates the progress stream with a read
	// error after Lines are drained, simulating a transport fault.
	StreamErr error

	mu       sync.Mutex
	contexts [][]byte
	opts     []BuildOptions
}

func (f *FakeEngine) Build(ctx context.Context, buildContext io.Reader, opts BuildOptions) (io.ReadCloser, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	data, err := io.ReadAll(buildContext)
	if err != nil {
		return nil, fmt.Errorf("read build context: %w", err)
	}

	f.mu.Lock()
	f.contexts = append(f.contexts, data)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	var body io.Reader = strings.NewReader(strings.Join(f.Lines, "\n") + "\n")
	if f.StreamErr != nil {
		body = io.MultiReader(body, faultReader{err: f.StreamErr})
	}
	return io.NopCloser(body), nil
}

func (f *FakeEngine) Close() error { return nil }

// Contexts returns the raw build contexts received so far, in call order.
func (f *FakeEngine) Contexts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.contexts...)
}

// Options returns the build options received so far, in call order.
func (f *FakeEngine) Options() []BuildOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BuildOptions(nil), f.opts...)
}

type faultReader struct{ err error }

func (r faultReader) Read([]byte) (int, error) { return 0, r.err }

var _ Engine = (*FakeEngine)(nil)

package build

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cfilipov/kiln/internal/engine"
)

type buildOutcome struct {
	imageID string
	layers  []string
	cause   error
}

// runBuild drives one CreateBuildStream invocation to completion: writes
// ctx bytes as the build context, drains the progress output, and returns
// the emitted text plus the terminal hook outcome.
func runBuild(t *testing.T, b *Builder, opts engine.BuildOptions, handler ErrorHandler) (string, buildOutcome) {
	t.Helper()

	success := make(chan buildOutcome, 1)
	failure := make(chan buildOutcome, 1)
	hooks := Hooks{
		BuildSuccess: func(imageID string, layers []string) error {
			success <- buildOutcome{imageID: imageID, layers: layers}
			return nil
		},
		BuildFailure: func(cause error, layers []string) error {
			failure <- buildOutcome{cause: cause, layers: layers}
			return nil
		},
	}

	s := b.CreateBuildStream(context.Background(), opts, hooks, handler)
	if _, err := s.Write([]byte("fake tar context")); err != nil {
		t.Fatalf("write context: %v", err)
	}
	if err := s.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	out, _ := io.ReadAll(s)

	select {
	case o := <-success:
		select {
		case <-failure:
			t.Fatal("both terminal hooks fired")
		default:
		}
		return string(out), o
	case o := <-failure:
		select {
		case <-success:
			t.Fatal("both terminal hooks fired")
		default:
		}
		return string(out), o
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal hook fired")
		return "", buildOutcome{}
	}
}

func TestBuildSuccess(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":"Step 1/3 : FROM alpine\n"}`,
		`{"stream":" ---> aaaabbbbcccc\n"}`,
		`{"stream":"Step 2/3 : RUN echo hi\n"}`,
		`{"stream":" ---> ddddeeeeffff\n"}`,
		`{"stream":"Step 3/3 : CMD [\"sh\"]\n"}`,
		`{"stream":" ---> 111122223333\n"}`,
		`{"stream":"Successfully built 111122223333\n"}`,
	}}

	out, o := runBuild(t, New(fe), engine.BuildOptions{}, nil)

	if o.cause != nil {
		t.Fatalf("build failed: %v", o.cause)
	}
	if o.imageID != "111122223333" {
		t.Errorf("imageID = %q, want last layer digest", o.imageID)
	}
	want := []string{"aaaabbbbcccc", "ddddeeeeffff", "111122223333"}
	if len(o.layers) != len(want) {
		t.Fatalf("layers = %v, want %v", o.layers, want)
	}
	for i := range want {
		if o.layers[i] != want[i] {
			t.Errorf("layers[%d] = %q, want %q", i, o.layers[i], want[i])
		}
	}

	if !strings.Contains(out, "Step 1/3 : FROM alpine\n") {
		t.Errorf("progress output missing step line: %q", out)
	}
	if !strings.Contains(out, "Successfully built") {
		t.Errorf("progress output missing terminal line: %q", out)
	}

	if got := len(fe.Contexts()); got != 1 {
		t.Fatalf("engine received %d contexts, want 1", got)
	}
	if string(fe.Contexts()[0]) != "fake tar context" {
		t.Errorf("engine received context %q", fe.Contexts()[0])
	}
}

func TestBuildNoLayers(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":"nothing to do\n"}`,
	}}

	_, o := runBuild(t, New(fe), engine.BuildOptions{}, nil)
	if o.cause != nil {
		t.Fatalf("build failed: %v", o.cause)
	}
	if o.imageID != "" {
		t.Errorf("imageID = %q, want empty with no layers", o.imageID)
	}
	if len(o.layers) != 0 {
		t.Errorf("layers = %v, want none", o.layers)
	}
}

func TestBuildDaemonError(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":"Step 1/2 : FROM alpine\n"}`,
		`{"stream":" ---> aaaabbbbcccc\n"}`,
		`{"stream":"Step 2/2 : RUN false\n"}`,
		`{"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}`,
		`{"stream":"never emitted\n"}`,
	}}

	out, o := runBuild(t, New(fe), engine.BuildOptions{}, nil)

	if o.cause == nil {
		t.Fatal("build succeeded, want failure")
	}
	if want := "returned a non-zero code"; !strings.Contains(o.cause.Error(), want) {
		t.Errorf("cause = %v, want daemon message", o.cause)
	}
	if len(o.layers) != 1 || o.layers[0] != "aaaabbbbcccc" {
		t.Errorf("layers = %v, want the digests before the error", o.layers)
	}
	if strings.Contains(out, "never emitted") {
		t.Errorf("output after the error record was emitted: %q", out)
	}
}

func TestBuildInitiationError(t *testing.T) {
	startErr := errors.New("daemon unreachable")
	fe := &engine.FakeEngine{Err: startErr}

	failure := make(chan buildOutcome, 1)
	hooks := Hooks{
		BuildFailure: func(cause error, layers []string) error {
			failure <- buildOutcome{cause: cause, layers: layers}
			return nil
		},
	}

	s := New(fe).CreateBuildStream(context.Background(), engine.BuildOptions{}, hooks, nil)
	defer s.Close()

	select {
	case o := <-failure:
		if !errors.Is(o.cause, startErr) {
			t.Errorf("cause = %v, want wrapped %v", o.cause, startErr)
		}
		if !strings.Contains(o.cause.Error(), "start build") {
			t.Errorf("cause %q does not name the initiation phase", o.cause)
		}
		if len(o.layers) != 0 {
			t.Errorf("layers = %v, want none", o.layers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BuildFailure never fired")
	}
}

func TestBuildTransportFault(t *testing.T) {
	faultErr := errors.New("connection reset")
	fe := &engine.FakeEngine{
		Lines: []string{
			`{"stream":" ---> aaaabbbbcccc\n"}`,
		},
		StreamErr: faultErr,
	}

	_, o := runBuild(t, New(fe), engine.BuildOptions{}, nil)

	if !errors.Is(o.cause, faultErr) {
		t.Fatalf("cause = %v, want wrapped %v", o.cause, faultErr)
	}
	if !strings.Contains(o.cause.Error(), "progress stream") {
		t.Errorf("cause %q does not name the stream fault", o.cause)
	}
	if len(o.layers) != 1 || o.layers[0] != "aaaabbbbcccc" {
		t.Errorf("layers = %v, want digests before the fault", o.layers)
	}
}

func TestBuildStreamHookFiresFirst(t *testing.T) {
	fe := &engine.FakeEngine{}

	var hookStream *Stream
	hooks := Hooks{
		BuildStream: func(s *Stream) error {
			hookStream = s
			return nil
		},
	}

	s := New(fe).CreateBuildStream(context.Background(), engine.BuildOptions{}, hooks, nil)
	if hookStream == nil {
		t.Fatal("BuildStream had not fired when CreateBuildStream returned")
	}
	if hookStream != s {
		t.Error("BuildStream received a different stream")
	}

	s.CloseWrite()
	io.Copy(io.Discard, s)
}

func TestBuildAbort(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":"never reached\n"}`,
	}}

	failure := make(chan buildOutcome, 1)
	hooks := Hooks{
		BuildFailure: func(cause error, layers []string) error {
			failure <- buildOutcome{cause: cause}
			return nil
		},
		BuildSuccess: func(string, []string) error {
			t.Error("BuildSuccess fired for an aborted build")
			return nil
		},
	}

	s := New(fe).CreateBuildStream(context.Background(), engine.BuildOptions{}, hooks, nil)

	// Abort before the context is finished.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	select {
	case o := <-failure:
		if !errors.Is(o.cause, ErrAborted) {
			t.Errorf("cause = %v, want ErrAborted", o.cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BuildFailure never fired after abort")
	}

	// Writes after abort fail instead of blocking.
	if _, err := s.Write([]byte("late")); err == nil {
		t.Error("write after abort succeeded")
	}
}

func TestBuildHooksOnlyConsumer(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":"Step 1/1 : FROM alpine\n"}`,
		`{"stream":" ---> aaaabbbbcccc\n"}`,
		`{"stream":"Successfully built aaaabbbbcccc\n"}`,
	}}

	success := make(chan buildOutcome, 1)
	hooks := Hooks{
		BuildSuccess: func(imageID string, layers []string) error {
			success <- buildOutcome{imageID: imageID, layers: layers}
			return nil
		},
		BuildFailure: func(cause error, _ []string) error {
			t.Errorf("BuildFailure fired: %v", cause)
			return nil
		},
	}

	// The caller never touches the readable side; the terminal hook must
	// still fire.
	s := New(fe).CreateBuildStream(context.Background(), engine.BuildOptions{}, hooks, nil)
	if err := s.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	var o buildOutcome
	select {
	case o = <-success:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal hook fired without a stream reader")
	}
	if o.imageID != "aaaabbbbcccc" {
		t.Errorf("imageID = %q", o.imageID)
	}

	// The progress text was buffered and is still fully readable.
	out, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read after completion: %v", err)
	}
	if !strings.Contains(string(out), "Successfully built aaaabbbbcccc") {
		t.Errorf("buffered output incomplete: %q", out)
	}
}

func TestBuildStateIsolation(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":" ---> aaaabbbbcccc\n"}`,
	}}
	b := New(fe)

	_, first := runBuild(t, b, engine.BuildOptions{}, nil)
	_, second := runBuild(t, b, engine.BuildOptions{}, nil)

	if len(first.layers) != 1 || len(second.layers) != 1 {
		t.Fatalf("layers leaked across builds: first %v, second %v", first.layers, second.layers)
	}
}

func TestBuildHookErrorIsolated(t *testing.T) {
	fe := &engine.FakeEngine{Lines: []string{
		`{"stream":" ---> aaaabbbbcccc\n"}`,
	}}

	handled := make(chan error, 1)
	handler := func(err error) { handled <- err }

	success := make(chan struct{}, 1)
	hooks := Hooks{
		BuildStream: func(*Stream) error { return errors.New("stream hook broke") },
		BuildSuccess: func(string, []string) error {
			success <- struct{}{}
			return nil
		},
		BuildFailure: func(cause error, _ []string) error {
			t.Errorf("BuildFailure fired for a hook error: %v", cause)
			return nil
		},
	}

	s := New(fe).CreateBuildStream(context.Background(), engine.BuildOptions{}, hooks, handler)
	s.CloseWrite()
	io.Copy(io.Discard, s)

	select {
	case err := <-handled:
		if !strings.Contains(err.Error(), "stream hook broke") {
			t.Errorf("handler got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error handler never called")
	}

	select {
	case <-success:
	case <-time.After(5 * time.Second):
		t.Fatal("build did not succeed despite hook failure")
	}
}

func TestBuildOptionsPassedThrough(t *testing.T) {
	fe := &engine.FakeEngine{}
	opts := engine.BuildOptions{
		Dockerfile: "custom.Dockerfile",
		Tags:       []string{"app:latest"},
		Target:     "runtime",
		NoCache:    true,
	}

	_, o := runBuild(t, New(fe), opts, nil)
	if o.cause != nil {
		t.Fatalf("build failed: %v", o.cause)
	}

	got := fe.Options()
	if len(got) != 1 {
		t.Fatalf("engine received %d option sets, want 1", len(got))
	}
	if got[0].Dockerfile != "custom.Dockerfile" || got[0].Target != "runtime" || !got[0].NoCache {
		t.Errorf("options not passed through: %+v", got[0])
	}
}

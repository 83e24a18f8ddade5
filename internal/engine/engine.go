package engine

import (
	"context"
	"io"
)

// BuildOptions are the engine-specific build parameters. The build
// orchestrator passes them through verbatim; only the engine
// implementation interprets them.
type BuildOptions struct {
	// Dockerfile is the path of the Dockerfile within the build context.
	// Empty means the daemon default ("Dockerfile").
	Dockerfile string
	// Tags to apply to the built image (name[:tag]).
	Tags []string
	// BuildArgs are --build-arg values; a nil value unsets a default.
	BuildArgs map[string]*string
	// Labels to set on the image.
	Labels map[string]string
	// Target selects a stage in a multi-stage Dockerfile.
	Target string
	// NoCache disables the daemon's build cache.
	NoCache bool
	// Remove removes intermediate containers after a successful build.
	Remove bool
	// PullParent always attempts to pull a newer base image.
	PullParent bool
}

// Engine is the daemon-facing boundary of a build: it accepts a tar
// build context and returns the daemon's raw progress stream
// (line-delimited JSON). The call itself may fail before producing any
// output — malformed options, transport down. Implementations must
// support a new Build while a previous one's output is still being
// drained.
type Engine interface {
	// Build starts an image build. The caller must close the returned
	// stream.
	Build(ctx context.Context, buildContext io.Reader, opts BuildOptions) (io.ReadCloser, error)

	// Close releases any resources held by the engine client.
	Close() error
}

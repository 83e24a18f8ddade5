package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// SDKEngine implements Engine using the Docker Engine SDK.
type SDKEngine struct {
	cli *client.Client
}

// NewSDKEngine connects to the Docker daemon via the default socket
// (DOCKER_HOST or /var/run/docker.sock).
func NewSDKEngine() (*SDKEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKEngine{cli: cli}, nil
}

// NewSDKEngineWithHost connects to a specific Docker host. The host
// parameter should be a full URI like "unix:///path/to/docker.sock".
func NewSDKEngineWithHost(host string) (*SDKEngine, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk with host: %w", err)
	}
	return &SDKEngine{cli: cli}, nil
}

func (e *SDKEngine) Build(ctx context.Context, buildContext io.Reader, opts BuildOptions) (io.ReadCloser, error) {
	resp, err := e.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile: opts.Dockerfile,
		Tags:       opts.Tags,
		BuildArgs:  opts.BuildArgs,
		Labels:     opts.Labels,
		Target:     opts.Target,
		NoCache:    opts.NoCache,
		Remove:     opts.Remove,
		PullParent: opts.PullParent,
	})
	if err != nil {
		return nil, fmt.Errorf("image build: %w", err)
	}
	return resp.Body, nil
}

func (e *SDKEngine) Close() error {
	return e.cli.Close()
}

// Ensure SDKEngine implements Engine at compile time.
var _ Engine = (*SDKEngine)(nil)

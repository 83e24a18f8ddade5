package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"
	"testing"
)

func tarContext(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

// decodeLines parses the daemon's line-delimited JSON progress output.
func decodeLines(t *testing.T, body io.Reader) (streams []string, buildErr string) {
	t.Helper()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("malformed progress line %q: %v", line, err)
		}
		if rec.Error != "" {
			buildErr = rec.Error
		}
		if rec.Stream != "" {
			streams = append(streams, rec.Stream)
		}
	}
	return streams, buildErr
}

func setupEngine(t *testing.T) (*SDKEngine, *FakeDaemon) {
	t.Helper()
	host, fd, cleanup, err := StartFakeDaemon()
	if err != nil {
		t.Fatalf("start fake daemon: %v", err)
	}
	t.Cleanup(cleanup)

	eng, err := NewSDKEngineWithHost(host)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, fd
}

func TestFakeDaemonBuildRoundTrip(t *testing.T) {
	eng, fd := setupEngine(t)

	dockerfile := "FROM alpine\nRUN echo hi\nCMD [\"sh\"]\n"
	ctx := tarContext(t, map[string]string{
		"Dockerfile": dockerfile,
		"app.txt":    "payload",
	})

	body, err := eng.Build(context.Background(), ctx, BuildOptions{
		Tags: []string{"demo:latest"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer body.Close()

	streams, buildErr := decodeLines(t, body)
	if buildErr != "" {
		t.Fatalf("daemon reported error: %s", buildErr)
	}

	joined := strings.Join(streams, "")
	if !strings.Contains(joined, "Step 1/3 : FROM alpine") {
		t.Errorf("missing first step: %q", joined)
	}
	if !strings.Contains(joined, "Successfully built ") {
		t.Errorf("missing success line: %q", joined)
	}
	if !strings.Contains(joined, "Successfully tagged demo:latest") {
		t.Errorf("missing tag line: %q", joined)
	}

	// Every step yields an arrow line with at least 12 hex chars.
	digestLine := regexp.MustCompile(`^ ---> [a-f0-9]{12}\n$`)
	var digests int
	for _, s := range streams {
		if digestLine.MatchString(s) {
			digests++
		}
	}
	if digests != 3 {
		t.Errorf("got %d digest lines, want 3: %q", digests, streams)
	}

	builds := fd.Builds()
	if len(builds) != 1 {
		t.Fatalf("daemon recorded %d builds, want 1", len(builds))
	}
	if string(builds[0].Files["Dockerfile"]) != dockerfile {
		t.Errorf("daemon saw Dockerfile %q", builds[0].Files["Dockerfile"])
	}
	if string(builds[0].Files["app.txt"]) != "payload" {
		t.Errorf("daemon saw app.txt %q", builds[0].Files["app.txt"])
	}
	if len(builds[0].Tags) != 1 || builds[0].Tags[0] != "demo:latest" {
		t.Errorf("daemon saw tags %v", builds[0].Tags)
	}
}

func TestFakeDaemonFailingStep(t *testing.T) {
	eng, _ := setupEngine(t)

	ctx := tarContext(t, map[string]string{
		"Dockerfile": "FROM alpine\nRUN false\nRUN echo unreachable\n",
	})

	body, err := eng.Build(context.Background(), ctx, BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer body.Close()

	streams, buildErr := decodeLines(t, body)
	if buildErr == "" {
		t.Fatal("daemon did not report the failing step")
	}
	if !strings.Contains(buildErr, "non-zero code") {
		t.Errorf("error = %q", buildErr)
	}

	joined := strings.Join(streams, "")
	if strings.Contains(joined, "unreachable") {
		t.Errorf("daemon kept building past the failure: %q", joined)
	}
}

func TestFakeDaemonMissingDockerfile(t *testing.T) {
	eng, _ := setupEngine(t)

	ctx := tarContext(t, map[string]string{"readme.txt": "no dockerfile here"})

	body, err := eng.Build(context.Background(), ctx, BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer body.Close()

	_, buildErr := decodeLines(t, body)
	if !strings.Contains(buildErr, "Cannot locate specified Dockerfile") {
		t.Errorf("error = %q", buildErr)
	}
}

func TestFakeDaemonCustomDockerfileName(t *testing.T) {
	eng, fd := setupEngine(t)

	ctx := tarContext(t, map[string]string{
		"build.Dockerfile": "FROM alpine\n",
	})

	body, err := eng.Build(context.Background(), ctx, BuildOptions{
		Dockerfile: "build.Dockerfile",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer body.Close()

	_, buildErr := decodeLines(t, body)
	if buildErr != "" {
		t.Fatalf("daemon reported error: %s", buildErr)
	}

	builds := fd.Builds()
	if len(builds) != 1 || builds[0].Dockerfile != "build.Dockerfile" {
		t.Errorf("daemon recorded dockerfile %+v", builds)
	}
}

func TestFakeDaemonDeterministicDigests(t *testing.T) {
	eng, _ := setupEngine(t)

	files := map[string]string{"Dockerfile": "FROM alpine\nRUN echo hi\n"}

	run := func() []string {
		body, err := eng.Build(context.Background(), tarContext(t, files), BuildOptions{})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		defer body.Close()
		streams, buildErr := decodeLines(t, body)
		if buildErr != "" {
			t.Fatalf("daemon reported error: %s", buildErr)
		}
		return streams
	}

	first := strings.Join(run(), "")
	second := strings.Join(run(), "")
	if first != second {
		t.Errorf("same context produced different output:\n%q\n%q", first, second)
	}
}

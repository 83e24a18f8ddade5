package engine

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FakeDaemon is an HTTP server on a Unix socket that implements the
// build surface of the Docker Engine API. This allows the real SDKEngine
// to connect to it exactly as it would to a real Docker daemon: point
// DOCKER_HOST (or NewSDKEngineWithHost) at the returned socket.
//
// Builds are simulated from the Dockerfile inside the submitted context:
// each instruction becomes one step with a deterministic layer digest. A
// "RUN false" instruction fails the build at that step, so tests can
// script partial progress followed by an error.
type FakeDaemon struct {
	listener net.Listener
	server   *http.Server

	mu     sync.Mutex
	builds []ReceivedBuild
}

// ReceivedBuild is one build request as the daemon saw it.
type ReceivedBuild struct {
	Dockerfile string
	Tags       []string
	Files      map[string][]byte
}

// StartFakeDaemon creates and starts a fake daemon on a Unix socket in a
// temp directory. Returns the host URI for the SDK, the daemon for
// inspection, a cleanup function, and any error.
func StartFakeDaemon() (host string, fd *FakeDaemon, cleanup func(), err error) {
	tmpDir, err := os.MkdirTemp("", "kiln-mock-*")
	if err != nil {
		return "", nil, nil, fmt.Errorf("create temp dir: %w", err)
	}

	sockPath := filepath.Join(tmpDir, "docker.sock")
	fd, cleanupSock, err := StartFakeDaemonOnSocket(sockPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", nil, nil, err
	}

	cleanupFn := func() {
		cleanupSock()
		os.RemoveAll(tmpDir)
	}
	return "unix://" + sockPath, fd, cleanupFn, nil
}

// StartFakeDaemonOnSocket starts a fake daemon on a specific Unix socket
// path. The caller owns the socket's directory.
func StartFakeDaemonOnSocket(sockPath string) (*FakeDaemon, func(), error) {
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, nil, fmt.Errorf("listen unix: %w", err)
	}

	fd := &FakeDaemon{listener: listener}

	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /_ping", fd.handlePing)
	mux.HandleFunc("GET /_ping", fd.handlePing)
	mux.HandleFunc("POST /build", fd.handleBuild)

	fd.server = &http.Server{Handler: stripVersionPrefix(mux)}

	go func() {
		if err := fd.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("fake daemon serve", "err", err)
		}
	}()

	cleanup := func() {
		fd.server.Close()
		listener.Close()
	}
	return fd, cleanup, nil
}

// Builds returns the build requests received so far, in arrival order.
func (fd *FakeDaemon) Builds() []ReceivedBuild {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]ReceivedBuild(nil), fd.builds...)
}

// stripVersionPrefix strips the /v{version}/ prefix the Docker SDK puts
// on every request (e.g. /v1.47/build).
func stripVersionPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > 2 && path[0] == '/' && path[1] == 'v' {
			if idx := strings.IndexByte(path[2:], '/'); idx >= 0 {
				r.URL.Path = path[2+idx:]
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (fd *FakeDaemon) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", "1.47")
	w.Header().Set("Docker-Experimental", "false")
	w.Header().Set("Ostype", "linux")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (fd *FakeDaemon) handleBuild(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dockerfile := q.Get("dockerfile")
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	tags := q["t"]

	files, err := readTarContext(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed build context: %v", err), http.StatusBadRequest)
		return
	}

	fd.mu.Lock()
	fd.builds = append(fd.builds, ReceivedBuild{
		Dockerfile: dockerfile,
		Tags:       tags,
		Files:      files,
	})
	fd.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	emit := func(v any) {
		enc.Encode(v)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	content, ok := files[dockerfile]
	if !ok {
		emit(map[string]string{
			"error": fmt.Sprintf("Cannot locate specified Dockerfile: %s", dockerfile),
		})
		return
	}

	steps := dockerfileSteps(string(content))
	if len(steps) == 0 {
		emit(map[string]string{"error": "Dockerfile cannot be empty"})
		return
	}

	var lastDigest string
	for i, step := range steps {
		emit(map[string]string{
			"stream": fmt.Sprintf("Step %d/%d : %s\n", i+1, len(steps), step),
		})
		if strings.EqualFold(step, "RUN false") {
			emit(map[string]string{
				"error": "The command '/bin/sh -c false' returned a non-zero code: 1",
			})
			return
		}
		lastDigest = stepDigest(string(content), i)
		emit(map[string]string{
			"stream": fmt.Sprintf(" ---> %s\n", lastDigest),
		})
	}

	emit(map[string]string{
		"stream": fmt.Sprintf("Successfully built %s\n", lastDigest),
	})
	for _, tag := range tags {
		emit(map[string]string{
			"stream": fmt.Sprintf("Successfully tagged %s\n", tag),
		})
	}
}

// readTarContext reads every regular-file entry of a tar stream into
// memory, keyed by entry name.
func readTarContext(r io.Reader) (map[string][]byte, error) {
	files := make(map[string][]byte)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[hdr.Name] = data
	}
}

// dockerfileSteps returns the instruction lines of a Dockerfile,
// skipping blanks and comments.
func dockerfileSteps(content string) []string {
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		steps = append(steps, line)
	}
	return steps
}

// stepDigest derives a stable 12-hex-char layer digest from the
// Dockerfile content and step index, so rebuilding the same context
// yields the same layers.
func stepDigest(content string, step int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", content, step)))
	return hex.EncodeToString(sum[:])[:12]
}

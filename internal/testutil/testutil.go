package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cfilipov/kiln/internal/build"
	"github.com/cfilipov/kiln/internal/db"
	"github.com/cfilipov/kiln/internal/engine"
	"github.com/cfilipov/kiln/internal/handlers"
	"github.com/cfilipov/kiln/internal/manifest"
	"github.com/cfilipov/kiln/internal/models"
	"github.com/cfilipov/kiln/internal/ws"
)

var msgIDCounter int64

// TestEnv holds a fully wired test application with a temp DB and a fake
// build daemon reached through the real Docker SDK.
type TestEnv struct {
	App         *handlers.App
	Server      *httptest.Server
	WSServer    *ws.Server
	Daemon      *engine.FakeDaemon
	ContextsDir string
	DataDir     string
	cancel      context.CancelFunc
}

// Setup creates a test environment with a real HTTP server, BoltDB, and a
// fake daemon.
func Setup(t testing.TB) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	contextsDir := filepath.Join(tmpDir, "contexts")
	dataDir := filepath.Join(tmpDir, "data")

	if err := os.MkdirAll(contextsDir, 0755); err != nil {
		t.Fatal(err)
	}

	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}

	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)
	builds := models.NewBuildStore(database)

	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		t.Fatal(err)
	}

	userCount, err := users.Count()
	if err != nil {
		t.Fatal(err)
	}

	// Fake daemon on a Unix socket; the SDK dials it like real Docker
	host, daemon, daemonCleanup, err := engine.StartFakeDaemon()
	if err != nil {
		t.Fatal("start fake daemon:", err)
	}

	eng, err := engine.NewSDKEngineWithHost(host)
	if err != nil {
		daemonCleanup()
		t.Fatal("new sdk engine:", err)
	}

	manifests := manifest.NewCache()
	wss := ws.NewServer()

	app := &handlers.App{
		Users:       users,
		Settings:    settings,
		Builds:      builds,
		WS:          wss,
		Builder:     build.New(eng),
		Manifests:   manifests,
		JWTSecret:   jwtSecret,
		NeedSetup:   userCount == 0,
		Version:     "test",
		ContextsDir: contextsDir,
	}

	handlers.RegisterAuthHandlers(app)
	handlers.RegisterBuildHandlers(app)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	_, cancel := context.WithCancel(context.Background())

	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		server.Close()
		eng.Close()
		daemonCleanup()
		database.Close()
	})

	return &TestEnv{
		App:         app,
		Server:      server,
		WSServer:    wss,
		Daemon:      daemon,
		ContextsDir: contextsDir,
		DataDir:     dataDir,
		cancel:      cancel,
	}
}

// SeedAdmin creates the admin user for tests that need authentication.
func (e *TestEnv) SeedAdmin(t testing.TB) {
	t.Helper()
	_, err := e.App.Users.Create("admin", "testpass123")
	if err != nil {
		t.Fatal("seed admin:", err)
	}
	e.App.NeedSetup = false
}

// WriteProject creates a project directory under the contexts dir with
// the given files, then refreshes the manifest cache.
func (e *TestEnv) WriteProject(t testing.TB, name string, files map[string]string) {
	t.Helper()

	dir := filepath.Join(e.ContextsDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	e.App.Manifests.PopulateFromDisk(e.ContextsDir)
}

// DialWS opens a WebSocket connection to the test server.
// Push messages sent on connect (info, setup) are not drained here —
// SendAndReceive skips non-ack messages automatically.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + e.Server.URL[4:] + "/ws" // http -> ws
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// Login sends a login event and waits for the ack with a JWT token.
// Returns the token string.
func (e *TestEnv) Login(t testing.TB, conn *websocket.Conn) string {
	t.Helper()
	resp := e.SendAndReceive(t, conn, "login", "admin", "testpass123")
	ok, _ := resp["ok"].(bool)
	if !ok {
		t.Fatalf("login failed: %v", resp)
	}
	token, _ := resp["token"].(string)
	return token
}

// SendAndReceive sends a WS event with an ack ID and returns the parsed ack response.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...interface{}) map[string]interface{} {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}

	msg := map[string]interface{}{
		"id":    id,
		"event": event,
		"args":  json.RawMessage(argsJSON),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}

	// Read messages until we find our ack
	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(respData, &raw); err != nil {
			t.Fatal("unmarshal response:", err)
		}

		if idRaw, ok := raw["id"]; ok {
			var ackID int64
			if err := json.Unmarshal(idRaw, &ackID); err == nil && ackID == id {
				var ack struct {
					Data map[string]interface{} `json:"data"`
				}
				if err := json.Unmarshal(respData, &ack); err != nil {
					t.Fatal("unmarshal ack:", err)
				}
				return ack.Data
			}
		}
		// Not our ack — it's a push message, skip it
	}
}

// WaitForEvent reads push messages until one with the given event name
// arrives and returns its data payload. Acks and other pushes are skipped.
func (e *TestEnv) WaitForEvent(t testing.TB, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q: %v", event, err)
		}

		var push struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respData, &push); err != nil || push.Event != event {
			continue
		}

		var data map[string]interface{}
		if len(push.Data) > 0 {
			if err := json.Unmarshal(push.Data, &data); err != nil {
				// Payload is not an object (e.g. a list); return it wrapped
				var anyData interface{}
				if err := json.Unmarshal(push.Data, &anyData); err != nil {
					t.Fatal("unmarshal push data:", err)
				}
				return map[string]interface{}{"data": anyData}
			}
		}
		return data
	}
}

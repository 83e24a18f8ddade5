package handlers

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cfilipov/kiln/internal/build"
	"github.com/cfilipov/kiln/internal/manifest"
	"github.com/cfilipov/kiln/internal/models"
	"github.com/cfilipov/kiln/internal/ws"
)

// App holds shared dependencies for all handlers.
type App struct {
	Users     *models.UserStore
	Settings  *models.SettingStore
	Builds    *models.BuildStore
	WS        *ws.Server
	Builder   *build.Builder
	Manifests *manifest.Cache

	JWTSecret   string
	NeedSetup   bool
	Version     string
	ContextsDir string
	NoAuth      bool // Skip authentication checks (all endpoints open)

	// inFlight: project name → running build. A project has at most one
	// build running at a time.
	buildMu  sync.Mutex
	inFlight map[string]*inFlightBuild
}

type inFlightBuild struct {
	recordID int
	stream   *build.Stream
}

// checkLogin verifies that the connection is authenticated.
// Returns the user ID or sends an error ack and returns 0.
// When --no-auth is enabled, connections are auto-authenticated at connect
// time, so this function returns a non-zero ID without special handling.
func checkLogin(c *ws.Conn, msg *ws.ClientMessage) int {
	uid := c.UserID()
	if uid == 0 && msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Not logged in"})
	}
	return uid
}

// parseArgs unmarshals the Args JSON array into a slice of json.RawMessage.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string from args at the given index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}

// argObject extracts a JSON object from args at the given index into dst.
func argObject(args []json.RawMessage, index int, dst interface{}) bool {
	if index >= len(args) {
		return false
	}
	return json.Unmarshal(args[index], dst) == nil
}

// argInt extracts an integer from args at the given index.
func argInt(args []json.RawMessage, index int) int {
	if index >= len(args) {
		return 0
	}
	var n float64 // JSON numbers decode as float64
	if err := json.Unmarshal(args[index], &n); err != nil {
		return 0
	}
	return int(n)
}

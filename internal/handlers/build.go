package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cfilipov/kiln/internal/build"
	"github.com/cfilipov/kiln/internal/manifest"
	"github.com/cfilipov/kiln/internal/models"
	"github.com/cfilipov/kiln/internal/ws"
)

func RegisterBuildHandlers(app *App) {
	app.WS.Handle("build", app.handleBuild)
	app.WS.Handle("cancelBuild", app.handleCancelBuild)
	app.WS.Handle("buildList", app.handleBuildList)
	app.WS.Handle("buildGet", app.handleBuildGet)
	app.WS.Handle("projectList", app.handleProjectList)
}

// buildLogEvent is one line of build progress pushed to clients.
type buildLogEvent struct {
	Project string `json:"project"`
	BuildID int    `json:"buildId"`
	Line    string `json:"line"`
}

// buildFinishedEvent announces a build's terminal outcome.
type buildFinishedEvent struct {
	Project string   `json:"project"`
	BuildID int      `json:"buildId"`
	Status  string   `json:"status"`
	ImageID string   `json:"imageId,omitempty"`
	Layers  []string `json:"layers,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// projectEntry is one project in the projectList response.
type projectEntry struct {
	Name      string `json:"name"`
	Autobuild bool   `json:"autobuild"`
	Building  bool   `json:"building"`
}

func (app *App) handleBuild(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	project := argString(args, 0)
	if project == "" {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Project name required"})
		}
		return
	}

	rec, err := app.StartBuild(project)
	if err != nil {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: err.Error()})
		}
		return
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, map[string]interface{}{
			"ok":      true,
			"buildId": rec.ID,
		})
	}
}

func (app *App) handleCancelBuild(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	project := argString(args, 0)

	app.buildMu.Lock()
	running := app.inFlight[project]
	app.buildMu.Unlock()

	if running == nil {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "No build in progress for " + project})
		}
		return
	}

	// Closing the stream poisons the context upload; the build takes the
	// standard failure path and buildFinished is pushed from there.
	running.stream.Close()
	slog.Info("build cancelled", "project", project, "build", running.recordID)

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Msg: "Build cancelled"})
	}
}

func (app *App) handleBuildList(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	project := argString(args, 0)
	limit := argInt(args, 1)

	var (
		records []models.BuildRecord
		err     error
	)
	if project != "" {
		records, err = app.Builds.ListForProject(project)
	} else {
		records, err = app.Builds.List(limit)
	}
	if err != nil {
		slog.Error("build list", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, map[string]interface{}{
			"ok":     true,
			"builds": records,
		})
	}
}

func (app *App) handleBuildGet(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	id := argInt(args, 0)

	rec, err := app.Builds.Get(id)
	if err != nil {
		slog.Error("build get", "err", err, "id", id)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}
	if rec == nil {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: fmt.Sprintf("Build %d not found", id)})
		}
		return
	}

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, map[string]interface{}{
			"ok":    true,
			"build": rec,
		})
	}
}

func (app *App) handleProjectList(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == 0 {
		return
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, map[string]interface{}{
			"ok":       true,
			"projects": app.projectList(),
		})
	}
}

// projectList enumerates the directories under the contexts dir. A
// project exists by having a directory; its manifest only refines it.
func (app *App) projectList() []projectEntry {
	dirs, err := os.ReadDir(app.ContextsDir)
	if err != nil {
		slog.Warn("scan contexts dir", "err", err)
		return []projectEntry{}
	}

	app.buildMu.Lock()
	defer app.buildMu.Unlock()

	entries := make([]projectEntry, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		m := app.Manifests.Get(name)
		entries = append(entries, projectEntry{
			Name:      name,
			Autobuild: m != nil && m.Autobuild,
			Building:  app.inFlight[name] != nil,
		})
	}
	return entries
}

func (app *App) sendProjectListTo(c *ws.Conn) {
	ws.SendEvent(c, "projectList", app.projectList())
}

// StartBuild begins a build for a project. At most one build per project
// runs at a time; a second request is rejected while the first is in
// flight. Progress lines are pushed to all authenticated clients as
// buildLog events, and the terminal outcome as buildFinished.
func (app *App) StartBuild(project string) (*models.BuildRecord, error) {
	dir := filepath.Join(app.ContextsDir, project)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("unknown project %q", project)
	}

	m := app.Manifests.Get(project)
	if m == nil {
		m = &manifest.Manifest{}
	}
	opts := m.BuildOptions(project)

	app.buildMu.Lock()
	defer app.buildMu.Unlock()

	if app.inFlight[project] != nil {
		return nil, errors.New("a build is already running for " + project)
	}

	rec, err := app.Builds.Create(project, opts.Tags)
	if err != nil {
		return nil, err
	}

	hooks := build.Hooks{
		BuildSuccess: func(imageID string, layers []string) error {
			app.finishBuild(project, rec.ID, imageID, layers, nil)
			return nil
		},
		BuildFailure: func(cause error, layers []string) error {
			app.finishBuild(project, rec.ID, "", layers, cause)
			return nil
		},
	}

	s, err := app.Builder.BuildDir(context.Background(), dir, opts, hooks, nil)
	if err != nil {
		if ferr := app.Builds.Finish(rec.ID, "", nil, err); ferr != nil {
			slog.Error("finish build record", "err", ferr, "build", rec.ID)
		}
		return nil, err
	}

	if app.inFlight == nil {
		app.inFlight = make(map[string]*inFlightBuild)
	}
	app.inFlight[project] = &inFlightBuild{recordID: rec.ID, stream: s}

	go app.pumpBuildLog(project, rec.ID, s)

	slog.Info("build started", "project", project, "build", rec.ID, "tags", opts.Tags)
	return rec, nil
}

// pumpBuildLog forwards the build's progress text to clients, one line
// per buildLog event. The pump ends when the build reaches its terminal
// outcome (EOF on success, the cause on failure).
func (app *App) pumpBuildLog(project string, buildID int, s *build.Stream) {
	scanner := bufio.NewScanner(s)
	for scanner.Scan() {
		ws.BroadcastAuthenticated(app.WS, "buildLog", buildLogEvent{
			Project: project,
			BuildID: buildID,
			Line:    scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("build log pump ended", "project", project, "err", err)
	}
}

// finishBuild records the terminal outcome and announces it.
func (app *App) finishBuild(project string, buildID int, imageID string, layers []string, cause error) {
	app.buildMu.Lock()
	if running := app.inFlight[project]; running != nil && running.recordID == buildID {
		delete(app.inFlight, project)
	}
	app.buildMu.Unlock()

	if err := app.Builds.Finish(buildID, imageID, layers, cause); err != nil {
		slog.Error("finish build record", "err", err, "build", buildID)
	}

	evt := buildFinishedEvent{
		Project: project,
		BuildID: buildID,
		ImageID: imageID,
		Layers:  layers,
		Status:  models.BuildStatusSuccess,
	}
	if cause != nil {
		evt.Status = models.BuildStatusFailed
		evt.Error = cause.Error()
	}
	ws.BroadcastAuthenticated(app.WS, "buildFinished", evt)

	slog.Info("build finished", "project", project, "build", buildID, "status", evt.Status)
}

// ProjectChanged is the manifest watcher's entry point: it announces the
// change to clients and kicks off an autobuild where the manifest opts in.
func (app *App) ProjectChanged(project string) {
	ws.BroadcastAuthenticated(app.WS, "projectChanged", map[string]string{
		"project": project,
	})
	app.AutoBuild(project)
}

// AutoBuild starts a build for a project whose files changed, if its
// manifest opts in to autobuild. Called by the manifest watcher; a build
// already in flight or a failed start is logged, not surfaced.
func (app *App) AutoBuild(project string) {
	m := app.Manifests.Get(project)
	if m == nil || !m.Autobuild {
		return
	}

	app.buildMu.Lock()
	busy := app.inFlight[project] != nil
	app.buildMu.Unlock()
	if busy {
		slog.Debug("autobuild skipped, build in flight", "project", project)
		return
	}

	if _, err := app.StartBuild(project); err != nil {
		slog.Warn("autobuild", "err", err, "project", project)
	}
}

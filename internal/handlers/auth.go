package handlers

import (
	"log/slog"

	"github.com/cfilipov/kiln/internal/models"
	"github.com/cfilipov/kiln/internal/ws"
)

func RegisterAuthHandlers(app *App) {
	app.WS.Handle("login", app.handleLogin)
	app.WS.Handle("loginByToken", app.handleLoginByToken)
	app.WS.Handle("logout", app.handleLogout)
	app.WS.Handle("setup", app.handleSetup)
	app.WS.Handle("changePassword", app.handleChangePassword)
	app.WS.Handle("needSetup", app.handleNeedSetup)

	app.WS.HandleConnect(func(c *ws.Conn) {
		if app.NoAuth {
			c.SetUser(1)
		}

		// Send server info on every new connection
		ws.SendEvent(c, "info", map[string]interface{}{
			"version": app.Version,
		})

		// If no users exist, tell the client to show the setup page
		if app.NeedSetup {
			ws.SendEvent(c, "setup", struct{}{})
		}
	})
}

func (app *App) handleLogin(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	if len(args) == 0 {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Invalid arguments"})
		}
		return
	}

	// Login args can be either positional [username, password] or an
	// object {username, password}
	var username, password string

	var loginData struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if argObject(args, 0, &loginData) && loginData.Username != "" {
		username = loginData.Username
		password = loginData.Password
	} else {
		username = argString(args, 0)
		password = argString(args, 1)
	}

	if username == "" || password == "" {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Incorrect username or password"})
		}
		return
	}

	user, err := app.Users.FindByUsername(username)
	if err != nil {
		slog.Error("login lookup", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}

	if user == nil || !models.VerifyPassword(password, user.Password) {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Incorrect username or password"})
		}
		return
	}

	token, err := models.CreateJWT(user, app.JWTSecret)
	if err != nil {
		slog.Error("create jwt", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}

	c.SetUser(user.ID)
	app.afterLogin(c)

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Token: token})
	}

	slog.Info("user logged in", "username", username)
}

func (app *App) handleLoginByToken(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	token := argString(args, 0)
	if token == "" {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Invalid token"})
		}
		return
	}

	claims, err := models.VerifyJWT(token, app.JWTSecret)
	if err != nil {
		slog.Debug("token verify failed", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Invalid token"})
		}
		return
	}

	user, err := app.Users.FindByUsername(claims.Username)
	if err != nil {
		slog.Error("token user lookup", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}

	if user == nil {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "User inactive or deleted"})
		}
		return
	}

	// Password change detection: compare shake256(storedPassword) with
	// the token's h claim
	if claims.H != models.Shake256Hex(user.Password, 16) {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Invalid token"})
		}
		return
	}

	c.SetUser(user.ID)
	app.afterLogin(c)

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true})
	}

	slog.Debug("token login", "username", claims.Username)
}

func (app *App) handleSetup(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	username := argString(args, 0)
	password := argString(args, 1)

	if username == "" || password == "" {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Username and password required"})
		}
		return
	}

	if len(password) < 6 {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Password is too weak. It should be at least 6 characters."})
		}
		return
	}

	count, err := app.Users.Count()
	if err != nil {
		slog.Error("setup count", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}
	if count > 0 {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Kiln has already been set up"})
		}
		return
	}

	_, err = app.Users.Create(username, password)
	if err != nil {
		slog.Error("setup create user", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Failed to create user"})
		}
		return
	}

	app.NeedSetup = false

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Msg: "Setup complete"})
	}

	slog.Info("setup complete", "username", username)
}

func (app *App) handleChangePassword(c *ws.Conn, msg *ws.ClientMessage) {
	uid := checkLogin(c, msg)
	if uid == 0 {
		return
	}

	args := parseArgs(msg)
	var data struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !argObject(args, 0, &data) {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Invalid arguments"})
		}
		return
	}

	user, err := app.Users.FindByID(uid)
	if err != nil || user == nil {
		slog.Error("change password lookup", "err", err, "uid", uid)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Internal error"})
		}
		return
	}
	if !models.VerifyPassword(data.CurrentPassword, user.Password) {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Incorrect current password"})
		}
		return
	}

	if len(data.NewPassword) < 6 {
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Password too weak"})
		}
		return
	}

	if err := app.Users.ChangePassword(uid, data.NewPassword); err != nil {
		slog.Error("change password", "err", err)
		if msg.ID != nil {
			ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Msg: "Failed to change password"})
		}
		return
	}

	// Other sessions must re-auth: their tokens carry the old h claim
	ws.BroadcastAuthenticated(app.WS, "refresh", struct{}{})

	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Msg: "Password changed"})
	}
}

func (app *App) handleNeedSetup(c *ws.Conn, msg *ws.ClientMessage) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, map[string]interface{}{
			"ok":        true,
			"needSetup": app.NeedSetup,
		})
	}
}

func (app *App) handleLogout(c *ws.Conn, msg *ws.ClientMessage) {
	c.SetUser(0)
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true})
	}
}

// afterLogin sends initial data to a freshly authenticated connection.
func (app *App) afterLogin(c *ws.Conn) {
	ws.SendEvent(c, "info", map[string]interface{}{
		"version": app.Version,
	})
	app.sendProjectListTo(c)
}

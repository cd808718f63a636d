package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/paneld/core"
	"pkt.systems/paneld/internal/lockbus"
	"pkt.systems/paneld/internal/logx"
	"pkt.systems/paneld/internal/sessionprefs"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// Authenticator verifies username, password, and totp.
type Authenticator interface {
	Authenticate(username, password, totp string) error
	ChangePassword(username, currentPassword, totp, newPassword string) error
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	service  core.Service
	auth     Authenticator
	sessions *sessionStore
	hub      *Hub
	locks    *lockbus.Coordinator
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, auth Authenticator, hub *Hub, locks *lockbus.Coordinator) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &Server{
		cfg:      cfg,
		service:  service,
		auth:     auth,
		sessions: newSessionStore(ttl, cfg.SessionStorePath),
		hub:      hub,
		locks:    locks,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// SetBaseContext sets the parent context for session lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.sessions.setBaseContext(ctx)
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/me", s.requireSession(s.handleMe))
	mux.HandleFunc("/api/chpasswd", s.requireSession(s.handleChangePassword))

	mux.HandleFunc("/api/config", s.requireSession(s.handleConfig))
	mux.HandleFunc("/api/config/device", s.requireSession(s.handleConfigDevice))
	mux.HandleFunc("/api/config/save", s.requireSession(s.handleConfigSave))
	mux.HandleFunc("/api/config/cleanup", s.requireSession(s.handleConfigCleanup))
	mux.HandleFunc("/api/config/reset", s.requireSession(s.handleConfigReset))

	mux.HandleFunc("/api/tabs", s.requireSession(s.handleTabs))
	mux.HandleFunc("/api/tabs/create", s.requireSession(s.handleTabCreate))
	mux.HandleFunc("/api/tabs/update", s.requireSession(s.handleTabUpdate))
	mux.HandleFunc("/api/tabs/delete", s.requireSession(s.handleTabDelete))
	mux.HandleFunc("/api/tabs/reorder", s.requireSession(s.handleTabReorder))
	mux.HandleFunc("/api/tabs/activate", s.requireSession(s.handleTabActivate))

	mux.HandleFunc("/api/components/add", s.requireSession(s.handleComponentAdd))
	mux.HandleFunc("/api/components/move", s.requireSession(s.handleComponentMove))
	mux.HandleFunc("/api/components/resize", s.requireSession(s.handleComponentResize))
	mux.HandleFunc("/api/components/remove", s.requireSession(s.handleComponentRemove))

	mux.HandleFunc("/api/widgets/draft", s.requireSession(s.handleWidgetDraft))
	mux.HandleFunc("/api/lock", s.requireSession(s.handleLock))
	mux.HandleFunc("/api/stream", s.requireSession(s.handleStream))

	handler := withRequestLogging(mux, s.lookupSession)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.auth.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.create(schema.UserID(payload.Username))
	cookie := &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, map[string]any{"username": payload.Username})
	log.Info("http login ok")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := s.sessionToken(r)
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token != "" {
		if entry, ok := s.sessions.get(token); ok {
			log = log.With("user", entry.userID, "http_session", entry.id)
		}
		s.sessions.delete(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	writeJSON(w, http.StatusOK, map[string]any{"username": userID})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("user", userID, "remote", clientIP(r))
	var payload struct {
		CurrentPassword string `json:"current_password"`
		TOTP            string `json:"totp"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http chpasswd decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.CurrentPassword) == "" {
		writeError(w, http.StatusBadRequest, errors.New("current password is required"))
		return
	}
	if strings.TrimSpace(payload.NewPassword) == "" {
		writeError(w, http.StatusBadRequest, errors.New("new password is required"))
		return
	}
	if payload.NewPassword != payload.ConfirmPassword {
		writeError(w, http.StatusBadRequest, errors.New("passwords do not match"))
		return
	}
	if strings.TrimSpace(payload.TOTP) == "" {
		writeError(w, http.StatusBadRequest, errors.New("totp is required"))
		return
	}
	if err := s.auth.ChangePassword(string(userID), payload.CurrentPassword, payload.TOTP, payload.NewPassword); err != nil {
		log.Warn("http chpasswd failed", "err", err)
		status := http.StatusInternalServerError
		if isPasswordChangeAuthError(err) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http chpasswd ok")
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	deviceType := s.deviceFromRequest(ctx, r)
	log := logx.WithUserDevice(r.Context(), userID, deviceType)
	resp, err := s.service.ResolveConfig(ctx, schema.ResolveConfigRequest{
		UserID:     userID,
		DeviceType: deviceType,
	})
	if err != nil {
		log.Warn("http config resolve failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeResolveResponse(w, resp)
	log.Info("http config resolve ok", "source", resp.Source, "version", resp.Config.Version)
}

func (s *Server) handleConfigDevice(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	ctx := sessionContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		deviceType, err := schema.NormalizeDeviceType(r.URL.Query().Get("type"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log := logx.WithUserDevice(r.Context(), userID, deviceType)
		resp, err := s.service.ResolveConfig(ctx, schema.ResolveConfigRequest{
			UserID:     userID,
			DeviceType: deviceType,
		})
		if err != nil {
			log.Warn("http config device failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		s.rememberDevice(ctx, deviceType)
		writeResolveResponse(w, resp)
		log.Info("http config device ok", "source", resp.Source)
	case http.MethodPost:
		log := logx.WithUser(r.Context(), userID)
		var payload struct {
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			UserAgent string `json:"user_agent"`
			Platform  string `json:"platform"`
			Timezone  string `json:"timezone"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http config device decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		info := schema.DeviceInfo{
			ScreenWidth:  payload.Width,
			ScreenHeight: payload.Height,
			UserAgent:    payload.UserAgent,
			Platform:     payload.Platform,
			Timezone:     payload.Timezone,
		}
		resp, err := s.service.ResolveDevice(ctx, schema.ResolveDeviceRequest{
			UserID: userID,
			Device: info,
		})
		if err != nil {
			log.Warn("http config device failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		s.rememberDevice(ctx, resp.Config.DeviceType)
		writeResolveResponse(w, resp)
		log.Info("http config device ok", "device", resp.Config.DeviceType, "source", resp.Source)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType  string            `json:"device_type"`
		Config      schema.UserConfig `json:"config"`
		BaseVersion int64             `json:"base_version"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http config save decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := schema.NormalizeDeviceType(payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.SaveConfig(ctx, schema.SaveConfigRequest{
		UserID:      userID,
		DeviceType:  deviceType,
		Config:      payload.Config,
		BaseVersion: payload.BaseVersion,
	})
	if err != nil {
		log.Warn("http config save failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":   resp.Config,
		"conflict": resp.Conflict,
	})
	log.Info("http config save ok", "device", deviceType, "version", resp.Config.Version, "conflict", resp.Conflict)
}

func (s *Server) handleConfigCleanup(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		Keep int `json:"keep"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http config cleanup decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.CleanupHistory(ctx, schema.CleanupHistoryRequest{
		UserID: userID,
		Keep:   payload.Keep,
	})
	if err != nil {
		log.Warn("http config cleanup failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed_versions": resp.RemovedVersions,
		"new_size":         resp.NewSize,
	})
	log.Info("http config cleanup ok", "removed", resp.RemovedVersions, "size", resp.NewSize)
}

func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string `json:"device_type"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http config reset decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := schema.NormalizeDeviceType(payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ResetConfig(ctx, schema.ResetConfigRequest{
		UserID:     userID,
		DeviceType: deviceType,
	})
	if err != nil {
		log.Warn("http config reset failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": resp.Config})
	log.Info("http config reset ok", "device", deviceType)
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	deviceType := s.deviceFromRequest(ctx, r)
	log := logx.WithUserDevice(r.Context(), userID, deviceType)
	resp, err := s.service.ListTabs(ctx, schema.ListTabsRequest{
		UserID:     userID,
		DeviceType: deviceType,
	})
	if err != nil {
		log.Warn("http tabs list failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tabs":       resp.Tabs,
		"active_tab": resp.ActiveTab,
		"hidden":     resp.Hidden,
		"unlocked":   resp.Unlocked,
	})
	log.Info("http tabs list ok", "count", len(resp.Tabs), "hidden", resp.Hidden)
}

func (s *Server) handleTabCreate(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string `json:"device_type"`
		Name       string `json:"name"`
		Closable   bool   `json:"closable"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http tab create decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.CreateTab(ctx, schema.CreateTabRequest{
		UserID:     userID,
		DeviceType: deviceType,
		Name:       payload.Name,
		Closable:   payload.Closable,
	})
	if err != nil {
		log.Warn("http tab create failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": resp.Tab})
	log.Info("http tab create ok", "tab", resp.Tab.ID, "name", resp.Tab.Name)
}

func (s *Server) handleTabUpdate(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string          `json:"device_type"`
		TabID      string          `json:"tab_id"`
		Patch      schema.TabPatch `json:"patch"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http tab update decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.UpdateTab(ctx, schema.UpdateTabRequest{
		UserID:     userID,
		DeviceType: deviceType,
		TabID:      schema.TabID(payload.TabID),
		Patch:      payload.Patch,
	})
	if err != nil {
		log.Warn("http tab update failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": resp.Tab})
	log.Info("http tab update ok", "tab", resp.Tab.ID)
}

func (s *Server) handleTabDelete(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string `json:"device_type"`
		TabID      string `json:"tab_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http tab delete decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.DeleteTab(ctx, schema.DeleteTabRequest{
		UserID:     userID,
		DeviceType: deviceType,
		TabID:      schema.TabID(payload.TabID),
	})
	if err != nil {
		log.Warn("http tab delete failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": resp.Tab})
	log.Info("http tab delete ok", "tab", resp.Tab.ID)
}

func (s *Server) handleTabReorder(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string   `json:"device_type"`
		Order      []string `json:"order"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http tab reorder decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order := make([]schema.TabID, 0, len(payload.Order))
	for _, id := range payload.Order {
		order = append(order, schema.TabID(id))
	}
	resp, err := s.service.ReorderTabs(ctx, schema.ReorderTabsRequest{
		UserID:     userID,
		DeviceType: deviceType,
		Order:      order,
	})
	if err != nil {
		log.Warn("http tab reorder failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": resp.Order})
	log.Info("http tab reorder ok", "tabs", len(resp.Order))
}

func (s *Server) handleTabActivate(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string `json:"device_type"`
		TabID      string `json:"tab_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http tab activate decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ActivateTab(ctx, schema.ActivateTabRequest{
		UserID:     userID,
		DeviceType: deviceType,
		TabID:      schema.TabID(payload.TabID),
	})
	if err != nil {
		log.Warn("http tab activate failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_tab": resp.ActiveTab})
	log.Info("http tab activate ok", "tab", resp.ActiveTab)
}

func (s *Server) handleComponentAdd(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType string          `json:"device_type"`
		TabID      string          `json:"tab_id"`
		Type       string          `json:"type"`
		Position   schema.Position `json:"position"`
		Props      json.RawMessage `json:"props"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http component add decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.AddComponent(ctx, schema.AddComponentRequest{
		UserID:     userID,
		DeviceType: deviceType,
		TabID:      schema.TabID(payload.TabID),
		Type:       schema.ComponentTypeID(payload.Type),
		Position:   payload.Position,
		Props:      payload.Props,
	})
	if err != nil {
		log.Warn("http component add failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"component": resp.Component})
	log.Info("http component add ok", "component", resp.Component.ID, "type", resp.Component.Type)
}

func (s *Server) handleComponentMove(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType  string          `json:"device_type"`
		TabID       string          `json:"tab_id"`
		ComponentID string          `json:"component_id"`
		Position    schema.Position `json:"position"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http component move decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.MoveComponent(ctx, schema.MoveComponentRequest{
		UserID:      userID,
		DeviceType:  deviceType,
		TabID:       schema.TabID(payload.TabID),
		ComponentID: schema.ComponentID(payload.ComponentID),
		Position:    payload.Position,
	})
	if err != nil {
		log.Warn("http component move failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"component": resp.Component})
	log.Info("http component move ok", "component", resp.Component.ID)
}

func (s *Server) handleComponentResize(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType  string `json:"device_type"`
		TabID       string `json:"tab_id"`
		ComponentID string `json:"component_id"`
		W           int    `json:"w"`
		H           int    `json:"h"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http component resize decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ResizeComponent(ctx, schema.ResizeComponentRequest{
		UserID:      userID,
		DeviceType:  deviceType,
		TabID:       schema.TabID(payload.TabID),
		ComponentID: schema.ComponentID(payload.ComponentID),
		W:           payload.W,
		H:           payload.H,
	})
	if err != nil {
		log.Warn("http component resize failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"component": resp.Component})
	log.Info("http component resize ok", "component", resp.Component.ID)
}

func (s *Server) handleComponentRemove(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType  string `json:"device_type"`
		TabID       string `json:"tab_id"`
		ComponentID string `json:"component_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http component remove decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.RemoveComponent(ctx, schema.RemoveComponentRequest{
		UserID:      userID,
		DeviceType:  deviceType,
		TabID:       schema.TabID(payload.TabID),
		ComponentID: schema.ComponentID(payload.ComponentID),
	})
	if err != nil {
		log.Warn("http component remove failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"component": resp.Component})
	log.Info("http component remove ok", "component", resp.Component.ID)
}

func (s *Server) handleWidgetDraft(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		DeviceType  string          `json:"device_type"`
		TabID       string          `json:"tab_id"`
		ComponentID string          `json:"component_id"`
		Props       json.RawMessage `json:"props"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http widget draft decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceType, err := s.deviceFromPayload(ctx, payload.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.SaveWidgetDraft(ctx, schema.SaveWidgetDraftRequest{
		UserID:      userID,
		DeviceType:  deviceType,
		TabID:       schema.TabID(payload.TabID),
		ComponentID: schema.ComponentID(payload.ComponentID),
		Props:       payload.Props,
	})
	if err != nil {
		log.Warn("http widget draft failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": resp.Pending})
	log.Info("http widget draft ok", "pending", resp.Pending)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	ctx := sessionContext(r.Context())
	log := logx.WithUser(r.Context(), userID)
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.GetEditLock(ctx, schema.GetEditLockRequest{UserID: userID})
		if err != nil {
			log.Warn("http lock get failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unlocked": resp.Unlocked})
	case http.MethodPost:
		var payload struct {
			Unlocked bool `json:"unlocked"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http lock decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.service.SetEditLock(ctx, schema.SetEditLockRequest{
			UserID:   userID,
			Unlocked: payload.Unlocked,
		})
		if err != nil {
			log.Warn("http lock set failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"unlocked":     resp.Unlocked,
			"flush_errors": resp.FlushErrors,
		})
		log.Info("http lock set ok", "unlocked", resp.Unlocked, "flush_errors", resp.FlushErrors)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	snapshot := s.buildSnapshot(ctx, r, userID)
	_ = writeSSEvent(w, StreamEvent{
		Type:      "snapshot",
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	replayCount := 0
	if lastID > 0 {
		replay := s.hub.Replay(userID, lastID)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
		flusher.Flush()
	}

	ch, unsubscribe, _, _ := s.hub.Subscribe(userID)
	defer unsubscribe()

	var lockCh <-chan schema.LockEvent
	if s.locks != nil {
		locks, cancel := s.locks.Subscribe(userID)
		defer cancel()
		lockCh = locks
	}

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event := <-ch:
			_ = writeSSEvent(w, event)
			flusher.Flush()
		case lock := <-lockCh:
			unlocked := lock.Unlocked
			_ = writeSSEvent(w, StreamEvent{
				Type:      "lock",
				Unlocked:  &unlocked,
				Timestamp: time.Now(),
			})
			flusher.Flush()
		}
	}
}

func (s *Server) buildSnapshot(ctx context.Context, r *http.Request, userID schema.UserID) SnapshotPayload {
	deviceType := s.deviceFromRequest(ctx, r)
	resolved, err := s.service.ResolveConfig(ctx, schema.ResolveConfigRequest{
		UserID:     userID,
		DeviceType: deviceType,
	})
	if err != nil {
		return SnapshotPayload{DeviceType: deviceType}
	}
	payload := SnapshotPayload{
		Config:     resolved.Config,
		Source:     resolved.Source,
		Stale:      resolved.Stale,
		Unsaved:    resolved.Unsaved,
		DeviceType: deviceType,
	}
	if tabs, err := s.service.ListTabs(ctx, schema.ListTabsRequest{
		UserID:     userID,
		DeviceType: deviceType,
	}); err == nil {
		payload.Tabs = tabs.Tabs
		payload.ActiveTab = tabs.ActiveTab
		payload.Hidden = tabs.Hidden
		payload.Unlocked = tabs.Unlocked
	}
	return payload
}

// deviceFromRequest picks the device class for a request: explicit query
// parameter first, then the session's remembered class, then laptop.
func (s *Server) deviceFromRequest(ctx context.Context, r *http.Request) schema.DeviceType {
	if raw := r.URL.Query().Get("type"); raw != "" {
		if deviceType, err := schema.NormalizeDeviceType(raw); err == nil {
			return deviceType
		}
	}
	if prefs := sessionprefs.FromContext(ctx); prefs != nil && prefs.DeviceType != "" {
		return prefs.DeviceType
	}
	return schema.DeviceLaptop
}

func (s *Server) deviceFromPayload(ctx context.Context, raw string) (schema.DeviceType, error) {
	if strings.TrimSpace(raw) == "" {
		if prefs := sessionprefs.FromContext(ctx); prefs != nil && prefs.DeviceType != "" {
			return prefs.DeviceType, nil
		}
		return schema.DeviceLaptop, nil
	}
	return schema.NormalizeDeviceType(raw)
}

func (s *Server) rememberDevice(ctx context.Context, deviceType schema.DeviceType) {
	if deviceType == "" {
		return
	}
	if prefs := sessionprefs.FromContext(ctx); prefs != nil {
		prefs.DeviceType = deviceType
	}
}

func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, schema.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.get(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		log = log.With("user", entry.userID, "http_session", entry.id)
		ctx := logx.ContextWithUserLogger(r.Context(), log, entry.userID)
		ctx = withSessionContext(ctx, entry)
		next(w, r.WithContext(ctx), entry.userID)
	}
}

type sessionContextKey struct{}

func withSessionContext(ctx context.Context, sess session) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

func sessionContext(ctx context.Context) context.Context {
	if ctx == nil {
		return nil
	}
	value := ctx.Value(sessionContextKey{})
	sess, ok := value.(session)
	if !ok || sess.ctx == nil {
		return ctx
	}
	logger := pslog.Ctx(ctx)
	return logx.CopyContextFields(pslog.ContextWithLogger(sess.ctx, logger), ctx)
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (schema.UserID, string) {
	if s == nil || r == nil {
		return "", ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.get(token)
	if !ok {
		return "", ""
	}
	return entry.userID, entry.id
}

func writeResolveResponse(w http.ResponseWriter, resp schema.ResolveConfigResponse) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config":  resp.Config,
		"source":  resp.Source,
		"stale":   resp.Stale,
		"unsaved": resp.Unsaved,
	})
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotFound),
		errors.Is(err, schema.ErrTabNotFound),
		errors.Is(err, schema.ErrComponentNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrLocked),
		errors.Is(err, schema.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, schema.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func isPasswordChangeAuthError(err error) bool {
	if err == nil {
		return false
	}
	switch strings.TrimSpace(err.Error()) {
	case "invalid credentials", "invalid totp", "user not found":
		return true
	default:
		return false
	}
}
